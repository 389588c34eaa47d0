package scheduler

import (
	"context"
	"sync"
)

// Locker はタスク名単位の排他。取得できなかった場合は fn を実行せず false を返す。
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error)
}

// LocalLocker はプロセス内のみで有効な Locker
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker は LocalLocker を作成する
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// WithLock は name が未取得なら fn を実行する
func (l *LocalLocker) WithLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	l.mu.Lock()
	if l.held[name] {
		l.mu.Unlock()
		return false, nil
	}
	l.held[name] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}()
	return true, fn(ctx)
}
