package clock

import (
	"sync"
	"time"
)

// Clock は現在時刻の取得を抽象化する。
// 本番では Real() を、テストでは Fake を注入する。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// Real はシステム時計を返す（常に UTC）
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

// Fake はテスト用の手動で進める時計
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake は指定時刻から始まる Fake を作成する
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now は現在の偽時刻を返す
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance は時刻を d だけ進める
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set は時刻を t に設定する
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// StartOfDay は t と同じ日の 00:00 UTC を返す
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
