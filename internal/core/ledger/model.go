package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound は解決対象の試行が存在しない場合のエラー
	ErrNotFound = errors.New("captcha attempt not found")
	// ErrAlreadyResolved は既に解決行が追記された試行のエラー
	ErrAlreadyResolved = errors.New("captcha attempt already resolved")
)

// Status は台帳行の状態
type Status string

const (
	StatusPending Status = "pending"
	StatusSolved  Status = "solved"
	StatusFailed  Status = "failed"
)

// Entry は CAPTCHA 解決試行の追記専用の台帳行。
// 解決時は同じ AttemptID を持つ新しい行を追記し、既存行は更新しない。
type Entry struct {
	ID            uuid.UUID  `json:"id"`
	AttemptID     uuid.UUID  `json:"attemptId"`
	JobID         *uuid.UUID `json:"jobId,omitempty"`
	Service       string     `json:"service"`
	Status        Status     `json:"status"`
	EstimatedCost float64    `json:"estimatedCost"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Window は集計期間 [From, To)
type Window struct {
	Name string
	From time.Time
	To   time.Time
}

// Contains は t が期間内かどうかを返す
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Daily は now を含む UTC の 1 日
func Daily(now time.Time) Window {
	from := startOfDay(now)
	return Window{Name: "daily", From: from, To: from.AddDate(0, 0, 1)}
}

// Weekly は now を含む月曜始まりの UTC の 1 週間
func Weekly(now time.Time) Window {
	day := startOfDay(now)
	offset := (int(day.Weekday()) + 6) % 7
	from := day.AddDate(0, 0, -offset)
	return Window{Name: "weekly", From: from, To: from.AddDate(0, 0, 7)}
}

// Monthly は now を含む UTC の暦月
func Monthly(now time.Time) Window {
	now = now.UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Window{Name: "monthly", From: from, To: from.AddDate(0, 1, 0)}
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Summary は期間内の集計結果
type Summary struct {
	Window    string             `json:"window"`
	From      time.Time          `json:"from"`
	To        time.Time          `json:"to"`
	Attempts  int                `json:"attempts"`
	Solved    int                `json:"solved"`
	Failed    int                `json:"failed"`
	Pending   int                `json:"pending"`
	TotalCost float64            `json:"totalCost"`
	ByService map[string]float64 `json:"byService"`
}

// Summarize は台帳行を合算して集計する。
// 試行の状態は同じ AttemptID の最新行で決まり、費用は解決行から合算する。
func Summarize(entries []*Entry, w Window) Summary {
	s := Summary{
		Window:    w.Name,
		From:      w.From,
		To:        w.To,
		ByService: map[string]float64{},
	}

	latest := make(map[uuid.UUID]*Entry)
	for _, e := range entries {
		if !w.Contains(e.CreatedAt) {
			continue
		}
		if cur, ok := latest[e.AttemptID]; !ok || resolves(e, cur) {
			latest[e.AttemptID] = e
		}
	}

	for _, e := range latest {
		s.Attempts++
		switch e.Status {
		case StatusSolved:
			s.Solved++
		case StatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
		if e.Status != StatusPending {
			s.TotalCost += e.EstimatedCost
			s.ByService[e.Service] += e.EstimatedCost
		}
	}
	return s
}

// resolves は e が cur より後の状態を表すかを返す
func resolves(e, cur *Entry) bool {
	if cur.Status == StatusPending && e.Status != StatusPending {
		return true
	}
	if e.Status == StatusPending && cur.Status != StatusPending {
		return false
	}
	return e.CreatedAt.After(cur.CreatedAt)
}
