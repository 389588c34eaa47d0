// Package lock は PostgreSQL のトランザクションスコープのアドバイザリロックを扱う。
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer はロック取得に必要なトランザクションの操作
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Manager はトランザクション内でアドバイザリロックの取得を仲介します
type Manager struct {
	tx Execer
}

// NewManager はトランザクションからロックマネージャーを生成します
func NewManager(tx Execer) *Manager {
	return &Manager{tx: tx}
}

// GenerateLockID は文字列からロックIDを生成します
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	// ハッシュの最初の8バイトをint64として使用
	return int64(binary.BigEndian.Uint64(h.Sum(nil)[:8]))
}

// Acquire はロックを取得するまで待機します。
// pg_advisory_xact_lock を使うため、トランザクション終了時に自動的に解放されます。
func (m *Manager) Acquire(ctx context.Context, lockID int64) error {
	if _, err := m.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return nil
}

// TryAcquire は待機せずにロックの取得を試み、取得できたかを返します
func (m *Manager) TryAcquire(ctx context.Context, lockID int64) (bool, error) {
	var ok bool
	if err := m.tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", lockID).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	return ok, nil
}
