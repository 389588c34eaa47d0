package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/platform/clock"
)

// Recorder はリース関連イベントのメトリクス記録先
type Recorder interface {
	JobClaimed()
	JobFinished(status Status, code *ErrorCode)
	StaleLeaseRejected(op string)
	StaleLeases(n int)
}

type nopRecorder struct{}

func (nopRecorder) JobClaimed() {}
func (nopRecorder) JobFinished(Status, *ErrorCode) {}
func (nopRecorder) StaleLeaseRejected(string) {}
func (nopRecorder) StaleLeases(int) {}

// CaptchaQueue は CAPTCHA 解決リクエストの受け口
type CaptchaQueue interface {
	EnqueueSolve(ctx context.Context, jobID uuid.UUID) error
}

// SuccessReport はワーカーからの成功報告
type SuccessReport struct {
	PlacedURL string
	Result    json.RawMessage
}

// FailureReport はワーカーからの失敗報告
type FailureReport struct {
	Code    ErrorCode
	Message string
	// ProxyID は失敗した試行で使ったプロキシ
	ProxyID *uuid.UUID
	// Fatal はコードに関係なくリトライしない失敗（入力の検証エラーなど）
	Fatal bool
	// CaptchaRecorded はワーカーがこの試行の CAPTCHA 解決を台帳に記録済みであること
	CaptchaRecorded bool
}

// NewJob はキューに積むジョブの定義
type NewJob struct {
	CampaignID    uuid.UUID
	UserID        uuid.UUID
	TargetID      uuid.UUID
	TargetURL     string
	AnchorText    string
	LinkURL       string
	OpportunityID *uuid.UUID
	Action        Action
	Priority      int
}

// LeaseManager はジョブのリース・状態遷移・リトライ判定を一元管理する
type LeaseManager struct {
	repo     Repository
	tuning   TuningSource
	captcha  CaptchaQueue
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder
}

type leaseManagerOptions struct {
	tuning   TuningSource
	captcha  CaptchaQueue
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder
}

// LeaseManagerOption は LeaseManager のオプション設定
type LeaseManagerOption func(*leaseManagerOptions)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) LeaseManagerOption {
	return func(o *leaseManagerOptions) { o.logger = logger }
}

// WithTuning は TTL・リトライ設定の取得元を設定する
func WithTuning(t TuningSource) LeaseManagerOption {
	return func(o *leaseManagerOptions) { o.tuning = t }
}

// WithCaptchaQueue は CAPTCHA 解決リクエストの送り先を設定する
func WithCaptchaQueue(q CaptchaQueue) LeaseManagerOption {
	return func(o *leaseManagerOptions) { o.captcha = q }
}

// WithClock は時計を差し替える
func WithClock(c clock.Clock) LeaseManagerOption {
	return func(o *leaseManagerOptions) { o.clock = c }
}

// WithRecorder はメトリクス記録先を設定する
func WithRecorder(r Recorder) LeaseManagerOption {
	return func(o *leaseManagerOptions) { o.recorder = r }
}

// NewLeaseManager は新しい LeaseManager を作成する
func NewLeaseManager(repo Repository, opts ...LeaseManagerOption) *LeaseManager {
	options := leaseManagerOptions{
		tuning:   StaticTuning(DefaultTuning()),
		clock:    clock.Real(),
		logger:   slog.Default(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &LeaseManager{
		repo:     repo,
		tuning:   options.tuning,
		captcha:  options.captcha,
		clock:    options.clock,
		logger:   options.logger,
		recorder: options.recorder,
	}
}

// Enqueue はジョブを queued 状態で作成する
func (m *LeaseManager) Enqueue(ctx context.Context, defs []NewJob) ([]*Job, error) {
	if len(defs) == 0 {
		return []*Job{}, nil
	}

	now := m.clock.Now()
	maxAttempts := m.tuning.JobTuning().MaxAttempts
	jobs := make([]*Job, 0, len(defs))
	for _, d := range defs {
		if !d.Action.IsValid() {
			return nil, fmt.Errorf("unknown action: %q", d.Action)
		}
		jobs = append(jobs, &Job{
			ID:            uuid.New(),
			CampaignID:    d.CampaignID,
			UserID:        d.UserID,
			TargetID:      d.TargetID,
			TargetURL:     d.TargetURL,
			AnchorText:    d.AnchorText,
			LinkURL:       d.LinkURL,
			OpportunityID: d.OpportunityID,
			Action:        d.Action,
			Status:        StatusQueued,
			Priority:      d.Priority,
			MaxAttempts:   maxAttempts,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := m.repo.CreateJobs(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to create jobs: %w", err)
	}
	return jobs, nil
}

// Claim は実行可能なジョブを 1 件リースする。対象がなければ None を返す。
func (m *LeaseManager) Claim(ctx context.Context, workerID string) (mo.Option[*Job], error) {
	if workerID == "" {
		return mo.None[*Job](), fmt.Errorf("worker id is required")
	}

	now := m.clock.Now()
	claimed, err := m.repo.ClaimJob(ctx, ClaimParams{
		WorkerID:    workerID,
		Token:       NewLeaseToken(workerID),
		Now:         now,
		StaleBefore: now.Add(-m.tuning.JobTuning().LeaseTTL),
	})
	if err != nil {
		return mo.None[*Job](), fmt.Errorf("failed to claim job: %w", err)
	}

	if j, ok := claimed.Get(); ok {
		m.recorder.JobClaimed()
		m.logger.Debug("job claimed", "job_id", j.ID, "worker_id", workerID, "attempts", j.Attempts)
	}
	return claimed, nil
}

// Start は leased → running に遷移する
func (m *LeaseManager) Start(ctx context.Context, id uuid.UUID, token string) (*Job, error) {
	started, err := m.repo.StartJob(ctx, id, token, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to start job: %w", err)
	}
	j, ok := started.Get()
	if !ok {
		return nil, m.stale(ctx, "start", id, token)
	}
	return j, nil
}

// Pin は実行中のジョブに候補サイトを確定させる
func (m *LeaseManager) Pin(ctx context.Context, id uuid.UUID, token string, opportunityID uuid.UUID) (*Job, error) {
	now := m.clock.Now()
	pinned, err := m.repo.PinOpportunity(ctx, id, token, opportunityID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to pin opportunity: %w", err)
	}
	j, ok := pinned.Get()
	if !ok {
		return nil, m.stale(ctx, "pin", id, token)
	}

	if err := m.repo.AppendLog(ctx, &Log{
		ID:        uuid.New(),
		JobID:     id,
		Attempt:   j.Attempts + 1,
		Level:     LogInfo,
		Message:   "opportunity pinned: " + opportunityID.String(),
		CreatedAt: now,
	}); err != nil {
		m.logger.Error("failed to append pin log", "job_id", id, "error", err)
	}
	return j, nil
}

// ReportSuccess は running → success に遷移し、同じトランザクションでバックリンクとログを記録する
func (m *LeaseManager) ReportSuccess(ctx context.Context, id uuid.UUID, token string, report SuccessReport) (*Job, error) {
	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusRunning || !current.HoldsLease(token) {
		return nil, m.stale(ctx, "report_success", id, token)
	}

	now := m.clock.Now()
	// URL が未確定でもサイトの日次上限に数えるため行は必ず作る
	backlink := &Backlink{
		ID:            uuid.New(),
		JobID:         current.ID,
		CampaignID:    current.CampaignID,
		TargetID:      current.TargetID,
		OpportunityID: current.OpportunityID,
		PlacedURL:     report.PlacedURL,
		LinkURL:       current.LinkURL,
		AnchorText:    current.AnchorText,
		Status:        BacklinkSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if report.PlacedURL == "" {
		backlink.Status = BacklinkPending
	}

	updated, err := m.repo.ApplySuccess(ctx, SuccessUpdate{
		JobID:    id,
		Token:    token,
		Result:   report.Result,
		At:       now,
		Backlink: backlink,
		Log: &Log{
			ID:        uuid.New(),
			JobID:     id,
			Attempt:   current.Attempts + 1,
			Level:     LogInfo,
			Message:   successMessage(report),
			CreatedAt: now,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to report success: %w", err)
	}
	j, ok := updated.Get()
	if !ok {
		return nil, m.stale(ctx, "report_success", id, token)
	}

	m.recorder.JobFinished(StatusSuccess, nil)
	m.logger.Info("job succeeded", "job_id", j.ID, "campaign_id", j.CampaignID, "placed_url", report.PlacedURL)
	return j, nil
}

// ReportFailure は試行回数を加算し、リトライ可能なら再キュー、そうでなければ failed にする
func (m *LeaseManager) ReportFailure(ctx context.Context, id uuid.UUID, token string, report FailureReport) (*Job, error) {
	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusRunning || !current.HoldsLease(token) {
		return nil, m.stale(ctx, "report_failure", id, token)
	}

	tuning := m.tuning.JobTuning()
	code := ParseErrorCode(string(report.Code))
	policy := code.Policy()
	now := m.clock.Now()
	message := TruncateMessage(report.Message, tuning.MessageLimit)
	attempts := current.Attempts + 1

	update := FailureUpdate{
		JobID:           id,
		Token:           token,
		Attempts:        attempts,
		Priority:        current.Priority,
		Code:            code,
		Message:         message,
		RequiresAccount: current.RequiresAccount,
		LastProxyID:     report.ProxyID,
		At:              now,
	}

	retry := !report.Fatal && policy.Retryable && attempts < current.MaxAttempts
	if retry {
		update.Status = StatusQueued
		next := now.Add(tuning.RetryDelay(code))
		update.NextAttemptAt = &next
		switch policy.Effect {
		case EffectRouteAccount:
			update.RequiresAccount = true
		case EffectRotateProxy:
			update.RotateProxy = true
		case EffectLowerPriority:
			update.Priority = current.Priority - 1
		}
	} else {
		update.Status = StatusFailed
		update.FinishedAt = &now
	}

	update.Log = &Log{
		ID:        uuid.New(),
		JobID:     id,
		Attempt:   attempts,
		Level:     LogError,
		Code:      &code,
		Message:   failureMessage(retry, message),
		CreatedAt: now,
	}

	updated, err := m.repo.ApplyFailure(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("failed to report failure: %w", err)
	}
	j, ok := updated.Get()
	if !ok {
		return nil, m.stale(ctx, "report_failure", id, token)
	}

	if retry {
		m.logger.Info("job retrying",
			"job_id", j.ID,
			"code", code,
			"attempts", j.Attempts,
			"max_attempts", j.MaxAttempts,
			"next_attempt_at", j.NextAttemptAt,
		)
		if policy.Effect == EffectSolveCaptcha && m.captcha != nil && !report.CaptchaRecorded {
			if err := m.captcha.EnqueueSolve(ctx, j.ID); err != nil {
				m.logger.Error("failed to enqueue captcha solve", "job_id", j.ID, "error", err)
			}
		}
	} else {
		m.recorder.JobFinished(StatusFailed, &code)
		m.logger.Warn("job failed", "job_id", j.ID, "code", code, "attempts", j.Attempts)
	}
	return j, nil
}

// Cancel は未完了のジョブを skipped にする。実行中のワーカーの報告は以後拒否される。
func (m *LeaseManager) Cancel(ctx context.Context, id uuid.UUID) (*Job, error) {
	now := m.clock.Now()
	cancelled, err := m.repo.CancelJob(ctx, id, now, &Log{
		ID:        uuid.New(),
		JobID:     id,
		Level:     LogInfo,
		Message:   "cancelled",
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	j, ok := cancelled.Get()
	if !ok {
		current, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: cannot cancel %s job", ErrInvalidTransition, current.Status)
	}

	m.recorder.JobFinished(StatusSkipped, nil)
	m.logger.Info("job cancelled", "job_id", j.ID)
	return j, nil
}

// CancelCampaign はキャンペーンの未完了ジョブをすべて skipped にする
func (m *LeaseManager) CancelCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	n, err := m.repo.CancelOpenJobs(ctx, campaignID, m.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cancel campaign jobs: %w", err)
	}
	if n > 0 {
		m.logger.Info("campaign jobs cancelled", "campaign_id", campaignID, "count", n)
	}
	return n, nil
}

// Retry は failed/skipped のジョブを複製して新しい queued ジョブを作成する。
// 元のジョブは変更しない。
func (m *LeaseManager) Retry(ctx context.Context, id uuid.UUID) (*Job, error) {
	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusFailed && current.Status != StatusSkipped {
		return nil, fmt.Errorf("%w: cannot retry %s job", ErrInvalidTransition, current.Status)
	}

	now := m.clock.Now()
	clone := &Job{
		ID:            uuid.New(),
		CampaignID:    current.CampaignID,
		UserID:        current.UserID,
		TargetID:      current.TargetID,
		TargetURL:     current.TargetURL,
		AnchorText:    current.AnchorText,
		LinkURL:       current.LinkURL,
		OpportunityID: current.OpportunityID,
		Action:        current.Action,
		Status:        StatusQueued,
		Priority:      current.Priority,
		MaxAttempts:   m.tuning.JobTuning().MaxAttempts,
		RetryOf:       &current.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	created, err := m.repo.CreateRetry(ctx, clone)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry job: %w", err)
	}
	j, ok := created.Get()
	if !ok {
		return nil, fmt.Errorf("%w: job %s already retried", ErrInvalidTransition, id)
	}

	m.logger.Info("job retried", "job_id", id, "retry_job_id", j.ID)
	return j, nil
}

// SweepStale は期限切れリースの件数を数えて記録する。回収自体は Claim が行う。
func (m *LeaseManager) SweepStale(ctx context.Context) (int, error) {
	staleBefore := m.clock.Now().Add(-m.tuning.JobTuning().LeaseTTL)
	n, err := m.repo.CountStaleLeases(ctx, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale leases: %w", err)
	}
	m.recorder.StaleLeases(n)
	if n > 0 {
		m.logger.Warn("stale leases found", "count", n)
	}
	return n, nil
}

// Get はジョブを取得する
func (m *LeaseManager) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	found, err := m.repo.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	j, ok := found.Get()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, nil
}

// List はジョブ一覧を返す
func (m *LeaseManager) List(ctx context.Context, filter Filter) ([]*Job, error) {
	jobs, err := m.repo.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus はキャンペーンのジョブ数をステータスごとに返す
func (m *LeaseManager) CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[Status]int, error) {
	counts, err := m.repo.CountJobsByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	return counts, nil
}

// Logs はジョブのログを古い順に返す
func (m *LeaseManager) Logs(ctx context.Context, id uuid.UUID) ([]*Log, error) {
	logs, err := m.repo.ListLogs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list job logs: %w", err)
	}
	return logs, nil
}

// Backlinks はキャンペーンのバックリンク一覧を返す
func (m *LeaseManager) Backlinks(ctx context.Context, campaignID uuid.UUID) ([]*Backlink, error) {
	list, err := m.repo.ListBacklinks(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backlinks: %w", err)
	}
	return list, nil
}

// AdvanceBacklink はバックリンクの検証状態を進める。
// URL 未確定の pending 行を submitted にするには placedURL が必要。
func (m *LeaseManager) AdvanceBacklink(ctx context.Context, id uuid.UUID, to BacklinkStatus, placedURL string) (*Backlink, error) {
	found, err := m.repo.GetBacklink(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get backlink: %w", err)
	}
	current, ok := found.Get()
	if !ok {
		return nil, fmt.Errorf("%w: backlink %s", ErrNotFound, id)
	}
	if !current.Status.CanAdvance(to) {
		return nil, fmt.Errorf("%w: backlink %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	if to == BacklinkSubmitted && current.PlacedURL == "" && placedURL == "" {
		return nil, fmt.Errorf("%w: backlink %s has no placed url", ErrInvalidTransition, id)
	}

	updated, err := m.repo.TransitionBacklink(ctx, id, current.Status, to, placedURL, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to transition backlink: %w", err)
	}
	b, ok := updated.Get()
	if !ok {
		return nil, fmt.Errorf("%w: backlink %s changed concurrently", ErrInvalidTransition, id)
	}
	return b, nil
}

// stale はリース不一致を警告ログとメトリクスに残して ErrStaleLease を返す
func (m *LeaseManager) stale(ctx context.Context, op string, id uuid.UUID, token string) error {
	m.recorder.StaleLeaseRejected(op)
	attrs := []any{"op", op, "job_id", id, "token", token}
	if found, err := m.repo.GetJob(ctx, id); err == nil {
		if j, ok := found.Get(); ok {
			attrs = append(attrs, "status", j.Status)
		}
	}
	m.logger.Warn("stale lease rejected", attrs...)
	return fmt.Errorf("%w: job %s", ErrStaleLease, id)
}

func successMessage(report SuccessReport) string {
	if report.PlacedURL == "" {
		return "placement succeeded"
	}
	return "placed at " + report.PlacedURL
}

func failureMessage(retry bool, message string) string {
	if retry {
		return "retrying: " + message
	}
	return "failed: " + message
}
