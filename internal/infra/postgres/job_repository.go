package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/core/job"
)

const jobColumns = `id, campaign_id, user_id, target_id, target_url, anchor_text, link_url, opportunity_id,
	action, status, priority, attempts, max_attempts, lease_token, lease_worker_id, leased_at,
	started_at, finished_at, next_attempt_at, last_error_code, last_error_message, result,
	requires_account, rotate_proxy, last_proxy_id, retry_of, created_at, updated_at`

const backlinkColumns = `id, job_id, campaign_id, target_id, opportunity_id, placed_url, link_url, anchor_text,
	status, created_at, updated_at`

const jobLogColumns = `id, job_id, attempt, level, code, message, created_at`

// JobRepository は job.Repository の PostgreSQL 実装
type JobRepository struct {
	db DBTX
}

// NewJobRepository は新しい JobRepository を作成します
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

// コンパイル時の型チェック
var _ job.Repository = (*JobRepository)(nil)

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                                       job.Job
		id, campaignID, userID, targetID        pgtype.UUID
		opportunityID, lastProxyID, retryOf     pgtype.UUID
		action, status                          string
		leaseToken, leaseWorker, lastErrorCode  pgtype.Text
		leasedAt, startedAt, finishedAt, nextAt pgtype.Timestamptz
		createdAt, updatedAt                    pgtype.Timestamptz
		result                                  []byte
	)
	if err := row.Scan(
		&id, &campaignID, &userID, &targetID, &j.TargetURL, &j.AnchorText, &j.LinkURL, &opportunityID,
		&action, &status, &j.Priority, &j.Attempts, &j.MaxAttempts, &leaseToken, &leaseWorker, &leasedAt,
		&startedAt, &finishedAt, &nextAt, &lastErrorCode, &j.LastErrorMessage, &result,
		&j.RequiresAccount, &j.RotateProxy, &lastProxyID, &retryOf, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	j.ID = PgtypeToUUID(id)
	j.CampaignID = PgtypeToUUID(campaignID)
	j.UserID = PgtypeToUUID(userID)
	j.TargetID = PgtypeToUUID(targetID)
	j.OpportunityID = PgtypeToUUIDPtr(opportunityID)
	j.Action = job.Action(action)
	j.Status = job.Status(status)
	j.Lease = job.Lease{
		Token:    PgtextToString(leaseToken),
		WorkerID: PgtextToString(leaseWorker),
		LeasedAt: PgtypeToTimePtr(leasedAt),
	}
	j.StartedAt = PgtypeToTimePtr(startedAt)
	j.FinishedAt = PgtypeToTimePtr(finishedAt)
	j.NextAttemptAt = PgtypeToTimePtr(nextAt)
	if lastErrorCode.Valid {
		code := job.ErrorCode(lastErrorCode.String)
		j.LastErrorCode = &code
	}
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	j.LastProxyID = PgtypeToUUIDPtr(lastProxyID)
	j.RetryOf = PgtypeToUUIDPtr(retryOf)
	j.CreatedAt = PgtypeToTime(createdAt)
	j.UpdatedAt = PgtypeToTime(updatedAt)
	return &j, nil
}

func scanBacklink(row pgx.Row) (*job.Backlink, error) {
	var (
		b                               job.Backlink
		id, jobID, campaignID, targetID pgtype.UUID
		opportunityID                   pgtype.UUID
		status                          string
		createdAt, updatedAt            pgtype.Timestamptz
	)
	if err := row.Scan(&id, &jobID, &campaignID, &targetID, &opportunityID, &b.PlacedURL, &b.LinkURL,
		&b.AnchorText, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	b.ID = PgtypeToUUID(id)
	b.JobID = PgtypeToUUID(jobID)
	b.CampaignID = PgtypeToUUID(campaignID)
	b.TargetID = PgtypeToUUID(targetID)
	b.OpportunityID = PgtypeToUUIDPtr(opportunityID)
	b.Status = job.BacklinkStatus(status)
	b.CreatedAt = PgtypeToTime(createdAt)
	b.UpdatedAt = PgtypeToTime(updatedAt)
	return &b, nil
}

func scanJobLog(row pgx.Row) (*job.Log, error) {
	var (
		l         job.Log
		id, jobID pgtype.UUID
		level     string
		code      pgtype.Text
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &jobID, &l.Attempt, &level, &code, &l.Message, &createdAt); err != nil {
		return nil, err
	}
	l.ID = PgtypeToUUID(id)
	l.JobID = PgtypeToUUID(jobID)
	l.Level = job.LogLevel(level)
	if code.Valid {
		c := job.ErrorCode(code.String)
		l.Code = &c
	}
	l.CreatedAt = PgtypeToTime(createdAt)
	return &l, nil
}

func errorCodeToPgtext(code *job.ErrorCode) pgtype.Text {
	if code == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: string(*code), Valid: true}
}

func resultToParam(result json.RawMessage) any {
	if len(result) == 0 {
		return nil
	}
	return []byte(result)
}

func (r *JobRepository) optionalJob(row pgx.Row, op string) (mo.Option[*job.Job], error) {
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return mo.None[*job.Job](), nil
		}
		return mo.None[*job.Job](), fmt.Errorf("failed to %s: %w", op, err)
	}
	return mo.Some(j), nil
}

// === ジョブ ===

const insertJobSQL = `
	INSERT INTO jobs (` + jobColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
	        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)`

func insertJobArgs(j *job.Job) []any {
	return []any{
		UUIDToPgtype(j.ID), UUIDToPgtype(j.CampaignID), UUIDToPgtype(j.UserID), UUIDToPgtype(j.TargetID),
		j.TargetURL, j.AnchorText, j.LinkURL, UUIDPtrToPgtype(j.OpportunityID),
		string(j.Action), string(j.Status), j.Priority, j.Attempts, j.MaxAttempts,
		StringToNullableText(j.Lease.Token), StringToNullableText(j.Lease.WorkerID), TimePtrToPgtype(j.Lease.LeasedAt),
		TimePtrToPgtype(j.StartedAt), TimePtrToPgtype(j.FinishedAt), TimePtrToPgtype(j.NextAttemptAt),
		errorCodeToPgtext(j.LastErrorCode), j.LastErrorMessage, resultToParam(j.Result),
		j.RequiresAccount, j.RotateProxy, UUIDPtrToPgtype(j.LastProxyID), UUIDPtrToPgtype(j.RetryOf),
		TimeToPgtype(j.CreatedAt), TimeToPgtype(j.UpdatedAt),
	}
}

// CreateJobs はジョブを一括で登録します
func (r *JobRepository) CreateJobs(ctx context.Context, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, j := range jobs {
			batch.Queue(insertJobSQL, insertJobArgs(j)...)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to create jobs: %w", err)
		}
		return nil
	})
}

// CreateRetry は同じジョブに対する再試行がまだ無い場合のみ登録します
func (r *JobRepository) CreateRetry(ctx context.Context, clone *job.Job) (mo.Option[*job.Job], error) {
	row := r.db.QueryRow(ctx, insertJobSQL+`
	ON CONFLICT (retry_of) DO NOTHING
	RETURNING `+jobColumns, insertJobArgs(clone)...)
	return r.optionalJob(row, "create retry job")
}

// GetJob は ID でジョブを取得します
func (r *JobRepository) GetJob(ctx context.Context, id uuid.UUID) (mo.Option[*job.Job], error) {
	return r.optionalJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, UUIDToPgtype(id)), "get job")
}

// ListJobs はジョブを作成順に返します
func (r *JobRepository) ListJobs(ctx context.Context, filter job.Filter) ([]*job.Job, error) {
	var status pgtype.Text
	if filter.Status != nil {
		status = pgtype.Text{String: string(*filter.Status), Valid: true}
	}
	var limit pgtype.Int4
	if filter.Limit > 0 {
		limit = pgtype.Int4{Int32: int32(filter.Limit), Valid: true}
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1::uuid IS NULL OR campaign_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at, id
		LIMIT $3`,
		UUIDPtrToPgtype(filter.CampaignID), status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*job.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan jobs: %w", err)
	}
	return out, nil
}

// CountJobsByStatus はキャンペーンのジョブ数をステータスごとに返します
func (r *JobRepository) CountJobsByStatus(ctx context.Context, campaignID uuid.UUID) (map[job.Status]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT j.status, count(*) FROM jobs j
		WHERE j.campaign_id = $1
		  AND NOT EXISTS (SELECT 1 FROM jobs c WHERE c.retry_of = j.id)
		GROUP BY j.status`,
		UUIDToPgtype(campaignID))
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	counts := map[job.Status]int{}
	var (
		status string
		n      int
	)
	if _, err := pgx.ForEachRow(rows, []any{&status, &n}, func() error {
		counts[job.Status(status)] = n
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to scan job counts: %w", err)
	}
	return counts, nil
}

// CountStaleLeases は期限切れのリース数を返します
func (r *JobRepository) CountStaleLeases(ctx context.Context, staleBefore time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE status IN ('leased', 'running') AND leased_at < $1`,
		TimeToPgtype(staleBefore),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale leases: %w", err)
	}
	return n, nil
}

// === リース ===

// ClaimJob は取得可能なジョブを 1 件選び、同じ文でリースを設定します。
// 選択は FOR UPDATE SKIP LOCKED で行うため、同時に呼ばれても同じ行は返らない。
func (r *JobRepository) ClaimJob(ctx context.Context, params job.ClaimParams) (mo.Option[*job.Job], error) {
	row := r.db.QueryRow(ctx, `
		UPDATE jobs SET
			status = 'leased',
			lease_token = $1,
			lease_worker_id = $2,
			leased_at = $3,
			updated_at = $3
		WHERE id = (
			SELECT j.id FROM jobs j
			JOIN campaigns c ON c.id = j.campaign_id
			WHERE c.status IN ('queued', 'running')
			  AND (
			    (j.status = 'queued' AND (j.next_attempt_at IS NULL OR j.next_attempt_at <= $3))
			    OR (j.status IN ('leased', 'running') AND j.leased_at < $4)
			  )
			ORDER BY j.priority DESC, j.created_at ASC, j.id ASC
			LIMIT 1
			FOR UPDATE OF j SKIP LOCKED
		)
		RETURNING `+jobColumns,
		params.Token, params.WorkerID, TimeToPgtype(params.Now), TimeToPgtype(params.StaleBefore),
	)
	return r.optionalJob(row, "claim job")
}

// StartJob は leased かつトークンが一致する場合のみ running にします
func (r *JobRepository) StartJob(ctx context.Context, id uuid.UUID, token string, at time.Time) (mo.Option[*job.Job], error) {
	row := r.db.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', started_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'leased' AND lease_token = $2
		RETURNING `+jobColumns,
		UUIDToPgtype(id), token, TimeToPgtype(at),
	)
	return r.optionalJob(row, "start job")
}

// PinOpportunity は running かつトークンが一致する場合のみ候補サイトを設定します
func (r *JobRepository) PinOpportunity(ctx context.Context, id uuid.UUID, token string, opportunityID uuid.UUID, at time.Time) (mo.Option[*job.Job], error) {
	row := r.db.QueryRow(ctx, `
		UPDATE jobs SET opportunity_id = $3, updated_at = $4
		WHERE id = $1 AND status = 'running' AND lease_token = $2
		RETURNING `+jobColumns,
		UUIDToPgtype(id), token, UUIDToPgtype(opportunityID), TimeToPgtype(at),
	)
	return r.optionalJob(row, "pin opportunity")
}

// ApplySuccess は success への遷移・バックリンク・ログを 1 トランザクションで書き込みます
func (r *JobRepository) ApplySuccess(ctx context.Context, u job.SuccessUpdate) (mo.Option[*job.Job], error) {
	var out mo.Option[*job.Job]
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		opt, err := r.optionalJob(tx.QueryRow(ctx, `
			UPDATE jobs SET
				status = 'success',
				result = $3,
				lease_token = NULL,
				lease_worker_id = NULL,
				leased_at = NULL,
				finished_at = $4,
				next_attempt_at = NULL,
				updated_at = $4
			WHERE id = $1 AND status = 'running' AND lease_token = $2
			RETURNING `+jobColumns,
			UUIDToPgtype(u.JobID), u.Token, resultToParam(u.Result), TimeToPgtype(u.At),
		), "apply success")
		if err != nil {
			return err
		}
		out = opt
		if opt.IsAbsent() {
			return nil
		}
		if u.Backlink != nil {
			if err := insertBacklink(ctx, tx, u.Backlink); err != nil {
				return err
			}
		}
		if u.Log != nil {
			if err := insertJobLog(ctx, tx, u.Log); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mo.None[*job.Job](), err
	}
	return out, nil
}

// ApplyFailure は失敗報告の遷移とログを 1 トランザクションで書き込みます
func (r *JobRepository) ApplyFailure(ctx context.Context, u job.FailureUpdate) (mo.Option[*job.Job], error) {
	var out mo.Option[*job.Job]
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		opt, err := r.optionalJob(tx.QueryRow(ctx, `
			UPDATE jobs SET
				status = $3,
				attempts = $4,
				priority = $5,
				lease_token = NULL,
				lease_worker_id = NULL,
				leased_at = NULL,
				next_attempt_at = $6,
				finished_at = $7,
				last_error_code = $8,
				last_error_message = $9,
				requires_account = $10,
				rotate_proxy = $11,
				last_proxy_id = $12,
				updated_at = $13
			WHERE id = $1 AND status = 'running' AND lease_token = $2
			RETURNING `+jobColumns,
			UUIDToPgtype(u.JobID), u.Token, string(u.Status), u.Attempts, u.Priority,
			TimePtrToPgtype(u.NextAttemptAt), TimePtrToPgtype(u.FinishedAt), string(u.Code), u.Message,
			u.RequiresAccount, u.RotateProxy, UUIDPtrToPgtype(u.LastProxyID), TimeToPgtype(u.At),
		), "apply failure")
		if err != nil {
			return err
		}
		out = opt
		if opt.IsAbsent() || u.Log == nil {
			return nil
		}
		return insertJobLog(ctx, tx, u.Log)
	})
	if err != nil {
		return mo.None[*job.Job](), err
	}
	return out, nil
}

const cancelJobSet = `
	status = 'skipped',
	lease_token = NULL,
	lease_worker_id = NULL,
	leased_at = NULL,
	finished_at = $2,
	updated_at = $2`

// CancelJob は未完了のジョブを skipped にします
func (r *JobRepository) CancelJob(ctx context.Context, id uuid.UUID, at time.Time, log *job.Log) (mo.Option[*job.Job], error) {
	var out mo.Option[*job.Job]
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		opt, err := r.optionalJob(tx.QueryRow(ctx, `
			UPDATE jobs SET `+cancelJobSet+`
			WHERE id = $1 AND status IN ('queued', 'leased', 'running', 'retrying')
			RETURNING `+jobColumns,
			UUIDToPgtype(id), TimeToPgtype(at),
		), "cancel job")
		if err != nil {
			return err
		}
		out = opt
		cancelled, ok := opt.Get()
		if !ok || log == nil {
			return nil
		}
		entry := *log
		entry.Attempt = cancelled.Attempts
		return insertJobLog(ctx, tx, &entry)
	})
	if err != nil {
		return mo.None[*job.Job](), err
	}
	return out, nil
}

// CancelOpenJobs はキャンペーンの未完了ジョブをすべて skipped にします
func (r *JobRepository) CancelOpenJobs(ctx context.Context, campaignID uuid.UUID, at time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET `+cancelJobSet+`
		WHERE campaign_id = $1 AND status IN ('queued', 'leased', 'running', 'retrying')`,
		UUIDToPgtype(campaignID), TimeToPgtype(at),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel open jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// === ログ ===

func insertJobLog(ctx context.Context, db DBTX, l *job.Log) error {
	_, err := db.Exec(ctx, `
		INSERT INTO job_logs (`+jobLogColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		UUIDToPgtype(l.ID), UUIDToPgtype(l.JobID), l.Attempt, string(l.Level), errorCodeToPgtext(l.Code),
		l.Message, TimeToPgtype(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}
	return nil
}

// AppendLog はログを追記します
func (r *JobRepository) AppendLog(ctx context.Context, log *job.Log) error {
	return insertJobLog(ctx, r.db, log)
}

// ListLogs はジョブのログを追記順に返します
func (r *JobRepository) ListLogs(ctx context.Context, jobID uuid.UUID) ([]*job.Log, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+jobLogColumns+` FROM job_logs
		WHERE job_id = $1
		ORDER BY created_at, id`, UUIDToPgtype(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to list job logs: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*job.Log, error) {
		return scanJobLog(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan job logs: %w", err)
	}
	return out, nil
}

// === バックリンク ===

func insertBacklink(ctx context.Context, db DBTX, b *job.Backlink) error {
	_, err := db.Exec(ctx, `
		INSERT INTO backlinks (`+backlinkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		UUIDToPgtype(b.ID), UUIDToPgtype(b.JobID), UUIDToPgtype(b.CampaignID), UUIDToPgtype(b.TargetID),
		UUIDPtrToPgtype(b.OpportunityID), b.PlacedURL, b.LinkURL, b.AnchorText, string(b.Status),
		TimeToPgtype(b.CreatedAt), TimeToPgtype(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert backlink: %w", err)
	}
	return nil
}

// GetBacklink は ID でバックリンクを取得します
func (r *JobRepository) GetBacklink(ctx context.Context, id uuid.UUID) (mo.Option[*job.Backlink], error) {
	return r.optionalBacklink(r.db.QueryRow(ctx,
		`SELECT `+backlinkColumns+` FROM backlinks WHERE id = $1`, UUIDToPgtype(id)), "get backlink")
}

// ListBacklinks はキャンペーンのバックリンクを作成順に返します
func (r *JobRepository) ListBacklinks(ctx context.Context, campaignID uuid.UUID) ([]*job.Backlink, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+backlinkColumns+` FROM backlinks
		WHERE campaign_id = $1
		ORDER BY created_at, id`, UUIDToPgtype(campaignID))
	if err != nil {
		return nil, fmt.Errorf("failed to list backlinks: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*job.Backlink, error) {
		return scanBacklink(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan backlinks: %w", err)
	}
	return out, nil
}

// TransitionBacklink は現在の状態が from の場合のみ to に更新します
func (r *JobRepository) TransitionBacklink(ctx context.Context, id uuid.UUID, from, to job.BacklinkStatus, placedURL string, at time.Time) (mo.Option[*job.Backlink], error) {
	return r.optionalBacklink(r.db.QueryRow(ctx, `
		UPDATE backlinks SET status = $3, placed_url = COALESCE(NULLIF($4, ''), placed_url), updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+backlinkColumns,
		UUIDToPgtype(id), string(from), string(to), placedURL, TimeToPgtype(at),
	), "transition backlink")
}

func (r *JobRepository) optionalBacklink(row pgx.Row, op string) (mo.Option[*job.Backlink], error) {
	b, err := scanBacklink(row)
	if err != nil {
		if isNoRows(err) {
			return mo.None[*job.Backlink](), nil
		}
		return mo.None[*job.Backlink](), fmt.Errorf("failed to %s: %w", op, err)
	}
	return mo.Some(b), nil
}
