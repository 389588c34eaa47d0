package postgres

import (
	"context"

	"github.com/jinford/linkforge/pkg/lock"
)

// AdvisoryLocker はトランザクションスコープのアドバイザリロックで定期タスクを排他する。
// ロックは fn の実行中トランザクションとともに保持され、終了時に解放される。
type AdvisoryLocker struct {
	provider  *TransactionProvider
	namespace string
}

// NewAdvisoryLocker は AdvisoryLocker を作成します
func NewAdvisoryLocker(provider *TransactionProvider, namespace string) *AdvisoryLocker {
	return &AdvisoryLocker{provider: provider, namespace: namespace}
}

// WithLock はロックを取得できた場合のみ fn を実行する
func (l *AdvisoryLocker) WithLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	return Transact(ctx, l.provider, func(a *Adapter) (bool, error) {
		ok, err := a.Locks.TryAcquire(ctx, lock.GenerateLockID(l.namespace, name))
		if err != nil || !ok {
			return false, err
		}
		return true, fn(ctx)
	})
}
