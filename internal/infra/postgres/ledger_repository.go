package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/jinford/linkforge/internal/core/ledger"
)

const ledgerColumns = `id, attempt_id, job_id, service, status, estimated_cost, created_at`

// LedgerRepository は ledger.Repository の PostgreSQL 実装。追記と参照のみを行う。
type LedgerRepository struct {
	db DBTX
}

// NewLedgerRepository は新しい LedgerRepository を作成します
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// コンパイル時の型チェック
var _ ledger.Repository = (*LedgerRepository)(nil)

func scanLedgerEntry(row pgx.Row) (*ledger.Entry, error) {
	var (
		e                    ledger.Entry
		id, attemptID, jobID pgtype.UUID
		status               string
		createdAt            pgtype.Timestamptz
	)
	if err := row.Scan(&id, &attemptID, &jobID, &e.Service, &status, &e.EstimatedCost, &createdAt); err != nil {
		return nil, err
	}
	e.ID = PgtypeToUUID(id)
	e.AttemptID = PgtypeToUUID(attemptID)
	e.JobID = PgtypeToUUIDPtr(jobID)
	e.Status = ledger.Status(status)
	e.CreatedAt = PgtypeToTime(createdAt)
	return &e, nil
}

func collectLedgerEntries(rows pgx.Rows) ([]*ledger.Entry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ledger.Entry, error) {
		return scanLedgerEntry(row)
	})
}

// AppendEntry は台帳に行を追記します。同じ試行への 2 つ目の解決行は ErrAlreadyResolved
func (r *LedgerRepository) AppendEntry(ctx context.Context, e *ledger.Entry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO captcha_ledger (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		UUIDToPgtype(e.ID), UUIDToPgtype(e.AttemptID), UUIDPtrToPgtype(e.JobID), e.Service, string(e.Status),
		e.EstimatedCost, TimeToPgtype(e.CreatedAt),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ledger.ErrAlreadyResolved, e.AttemptID)
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// ListAttempt は試行の行を追記順に返します
func (r *LedgerRepository) ListAttempt(ctx context.Context, attemptID uuid.UUID) ([]*ledger.Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+ledgerColumns+` FROM captcha_ledger
		WHERE attempt_id = $1
		ORDER BY created_at, id`, UUIDToPgtype(attemptID))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger attempt: %w", err)
	}
	out, err := collectLedgerEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger attempt: %w", err)
	}
	return out, nil
}

// ListEntries は [from, to) の行を追記順に返します
func (r *LedgerRepository) ListEntries(ctx context.Context, from, to time.Time) ([]*ledger.Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+ledgerColumns+` FROM captcha_ledger
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id`, TimeToPgtype(from), TimeToPgtype(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	out, err := collectLedgerEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger entries: %w", err)
	}
	return out, nil
}

// ListUnresolved はジョブの解決行のない pending 行を追記順に返します
func (r *LedgerRepository) ListUnresolved(ctx context.Context, jobID uuid.UUID) ([]*ledger.Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+ledgerColumns+` FROM captcha_ledger p
		WHERE p.job_id = $1 AND p.status = 'pending'
		  AND NOT EXISTS (
		    SELECT 1 FROM captcha_ledger r
		    WHERE r.attempt_id = p.attempt_id AND r.status <> 'pending'
		  )
		ORDER BY p.created_at, p.id`, UUIDToPgtype(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved ledger entries: %w", err)
	}
	out, err := collectLedgerEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan unresolved ledger entries: %w", err)
	}
	return out, nil
}
