package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository は台帳の追記と参照を抽象化する。更新・削除の操作は持たない。
type Repository interface {
	AppendEntry(ctx context.Context, e *Entry) error
	// ListAttempt は AttemptID を共有する行を古い順に返す
	ListAttempt(ctx context.Context, attemptID uuid.UUID) ([]*Entry, error)
	ListEntries(ctx context.Context, from, to time.Time) ([]*Entry, error)
	// ListUnresolved はジョブの試行のうち解決行のない pending 行を古い順に返す
	ListUnresolved(ctx context.Context, jobID uuid.UUID) ([]*Entry, error)
}
