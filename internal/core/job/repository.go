package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// ClaimParams は Claim の条件付き更新パラメータ
type ClaimParams struct {
	WorkerID    string
	Token       string
	Now         time.Time
	StaleBefore time.Time
}

// SuccessUpdate は running → success の遷移と証跡の書き込み
type SuccessUpdate struct {
	JobID    uuid.UUID
	Token    string
	Result   json.RawMessage
	At       time.Time
	Backlink *Backlink
	Log      *Log
}

// FailureUpdate は失敗報告による遷移（再キューまたは終端 failed）
type FailureUpdate struct {
	JobID           uuid.UUID
	Token           string
	Status          Status
	Attempts        int
	Priority        int
	NextAttemptAt   *time.Time
	FinishedAt      *time.Time
	Code            ErrorCode
	Message         string
	RequiresAccount bool
	RotateProxy     bool
	LastProxyID     *uuid.UUID
	At              time.Time
	Log             *Log
}

// Repository はジョブキューの永続化を抽象化する。
//
// 状態を変更するメソッドはすべて単一の条件付き更新として実装し、
// 条件に一致しなかった場合は None を返すこと。
// ApplySuccess と ApplyFailure はジョブ更新・証跡・ログを 1 トランザクションで書き込む。
type Repository interface {
	CreateJobs(ctx context.Context, jobs []*Job) error
	// CreateRetry は clone.RetryOf に対する再試行ジョブがまだ無い場合のみ作成する
	CreateRetry(ctx context.Context, clone *Job) (mo.Option[*Job], error)
	GetJob(ctx context.Context, id uuid.UUID) (mo.Option[*Job], error)
	ListJobs(ctx context.Context, filter Filter) ([]*Job, error)
	// CountJobsByStatus は再試行で置き換えられたジョブを除いて状態ごとに数える
	CountJobsByStatus(ctx context.Context, campaignID uuid.UUID) (map[Status]int, error)
	CountStaleLeases(ctx context.Context, staleBefore time.Time) (int, error)

	ClaimJob(ctx context.Context, params ClaimParams) (mo.Option[*Job], error)
	StartJob(ctx context.Context, id uuid.UUID, token string, at time.Time) (mo.Option[*Job], error)
	PinOpportunity(ctx context.Context, id uuid.UUID, token string, opportunityID uuid.UUID, at time.Time) (mo.Option[*Job], error)
	ApplySuccess(ctx context.Context, update SuccessUpdate) (mo.Option[*Job], error)
	ApplyFailure(ctx context.Context, update FailureUpdate) (mo.Option[*Job], error)
	CancelJob(ctx context.Context, id uuid.UUID, at time.Time, log *Log) (mo.Option[*Job], error)
	CancelOpenJobs(ctx context.Context, campaignID uuid.UUID, at time.Time) (int, error)

	AppendLog(ctx context.Context, log *Log) error
	ListLogs(ctx context.Context, jobID uuid.UUID) ([]*Log, error)

	GetBacklink(ctx context.Context, id uuid.UUID) (mo.Option[*Backlink], error)
	ListBacklinks(ctx context.Context, campaignID uuid.UUID) ([]*Backlink, error)
	// TransitionBacklink は状態が from の場合のみ to に進める。placedURL が空なら既存の URL を保つ。
	TransitionBacklink(ctx context.Context, id uuid.UUID, from, to BacklinkStatus, placedURL string, at time.Time) (mo.Option[*Backlink], error)
}
