package campaign

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/opportunity"
	"github.com/jinford/linkforge/internal/platform/clock"
)

// JobQueue はキャンペーンが利用するジョブキュー操作
type JobQueue interface {
	Enqueue(ctx context.Context, defs []job.NewJob) ([]*job.Job, error)
	CountByStatus(ctx context.Context, campaignID uuid.UUID) (map[job.Status]int, error)
	CancelCampaign(ctx context.Context, campaignID uuid.UUID) (int, error)
	List(ctx context.Context, filter job.Filter) ([]*job.Job, error)
	Retry(ctx context.Context, id uuid.UUID) (*job.Job, error)
}

// CreateParams は Create の入力
type CreateParams struct {
	UserID   uuid.UUID
	DomainID uuid.UUID
	Name     string
	Rules    Rules
	Plan     opportunity.PlanLimits
}

// Service はキャンペーンのライフサイクルと集計を管理する
type Service struct {
	repo   Repository
	jobs   JobQueue
	clock  clock.Clock
	logger *slog.Logger
}

type serviceOptions struct {
	clock  clock.Clock
	logger *slog.Logger
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*serviceOptions)

// WithServiceLogger はロガーを設定する
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = logger }
}

// WithServiceClock は時計を差し替える
func WithServiceClock(c clock.Clock) ServiceOption {
	return func(o *serviceOptions) { o.clock = c }
}

// NewService は新しい Service を作成する
func NewService(repo Repository, jobs JobQueue, opts ...ServiceOption) *Service {
	options := serviceOptions{clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		repo:   repo,
		jobs:   jobs,
		clock:  options.clock,
		logger: options.logger,
	}
}

// Create は draft 状態のキャンペーンを作成する
func (s *Service) Create(ctx context.Context, params CreateParams) (*Campaign, error) {
	if strings.TrimSpace(params.Name) == "" {
		return nil, fmt.Errorf("campaign name is required")
	}
	if len(params.Rules.AllowedActions) == 0 {
		params.Rules.AllowedActions = []job.Action{job.ActionComment}
	}
	for _, a := range params.Rules.AllowedActions {
		if !a.IsValid() {
			return nil, fmt.Errorf("unknown action: %q", a)
		}
	}
	if sch := params.Rules.Schedule; sch != nil {
		if sch.StartHour < 0 || sch.StartHour > 23 || sch.EndHour < 0 || sch.EndHour > 23 {
			return nil, fmt.Errorf("schedule hours must be within 0-23")
		}
	}

	now := s.clock.Now()
	created, err := s.repo.CreateCampaign(ctx, &Campaign{
		ID:        uuid.New(),
		UserID:    params.UserID,
		DomainID:  params.DomainID,
		Name:      params.Name,
		Status:    StatusDraft,
		Rules:     params.Rules,
		Plan:      params.Plan,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	s.logger.Info("campaign created", "campaign_id", created.ID, "name", created.Name)
	return created, nil
}

// Get はキャンペーンを取得する
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	found, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	c, ok := found.Get()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// List はキャンペーン一覧を返す
func (s *Service) List(ctx context.Context, status *Status) ([]*Campaign, error) {
	list, err := s.repo.ListCampaigns(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return list, nil
}

// MatchProfile はマッチングに必要なキャンペーン情報を返す
func (s *Service) MatchProfile(ctx context.Context, id uuid.UUID) (*opportunity.CampaignProfile, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Profile(), nil
}

// Targets はキャンペーンのターゲット一覧を返す
func (s *Service) Targets(ctx context.Context, id uuid.UUID) ([]*Target, error) {
	list, err := s.repo.ListTargets(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	return list, nil
}

// AddTargets は URL ハッシュで重複を除いてターゲットを追加する。
// 既にキューイング済みのキャンペーンでは追加分のジョブも作成する。
func (s *Service) AddTargets(ctx context.Context, id uuid.UUID, inputs []TargetInput) (*AddResult, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusCompleted || c.Status == StatusFailed {
		return nil, fmt.Errorf("%w: cannot add targets to %s campaign", ErrInvalidTransition, c.Status)
	}

	now := s.clock.Now()
	seen := make(map[string]struct{}, len(inputs))
	targets := make([]*Target, 0, len(inputs))
	duplicates := 0
	for _, in := range inputs {
		normalized, err := NormalizeURL(in.URL)
		if err != nil {
			return nil, err
		}
		hash := HashURL(normalized)
		if _, dup := seen[hash]; dup {
			duplicates++
			continue
		}
		seen[hash] = struct{}{}

		source := in.Source
		if source == "" {
			source = SourceManual
		}
		targets = append(targets, &Target{
			ID:         uuid.New(),
			CampaignID: id,
			URL:        normalized,
			URLHash:    hash,
			AnchorText: in.AnchorText,
			LinkURL:    in.LinkURL,
			Source:     source,
			Metadata:   in.Metadata,
			CreatedAt:  now,
		})
	}

	added, err := s.repo.InsertTargets(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("failed to insert targets: %w", err)
	}
	result := &AddResult{
		Added:      added,
		Duplicates: duplicates + len(targets) - len(added),
	}

	if c.Status != StatusDraft && len(added) > 0 {
		jobs, err := s.jobs.Enqueue(ctx, jobsFor(c, added))
		if err != nil {
			return nil, err
		}
		result.Jobs = len(jobs)
	}

	s.logger.Info("targets added",
		"campaign_id", id,
		"added", len(result.Added),
		"duplicates", result.Duplicates,
		"jobs", result.Jobs,
	)
	return result, nil
}

// ImportTargetsCSV は url, anchor_text, link_url 列を持つ CSV からターゲットを追加する
func (s *Service) ImportTargetsCSV(ctx context.Context, id uuid.UUID, r io.Reader) (*AddResult, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	urlCol, ok := columns["url"]
	if !ok {
		return nil, fmt.Errorf("%w: csv must have a url column", ErrInvalidTarget)
	}

	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var inputs []TargetInput
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}
		if urlCol >= len(record) || strings.TrimSpace(record[urlCol]) == "" {
			continue
		}
		inputs = append(inputs, TargetInput{
			URL:        record[urlCol],
			AnchorText: field(record, "anchor_text"),
			LinkURL:    field(record, "link_url"),
			Source:     SourceCSV,
		})
	}

	return s.AddTargets(ctx, id, inputs)
}

// Queue は draft → queued に遷移し、ターゲットと許可アクションの組ごとにジョブを作成する
func (s *Service) Queue(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusDraft {
		return nil, fmt.Errorf("%w: cannot queue %s campaign", ErrInvalidTransition, c.Status)
	}

	targets, err := s.Targets(ctx, id)
	if err != nil {
		return nil, err
	}

	queued, err := s.transition(ctx, id, Transition{From: []Status{StatusDraft}, To: StatusQueued})
	if err != nil {
		return nil, err
	}

	jobs, err := s.jobs.Enqueue(ctx, jobsFor(queued, targets))
	if err != nil {
		if _, rbErr := s.transition(ctx, id, Transition{From: []Status{StatusQueued}, To: StatusDraft}); rbErr != nil {
			s.logger.Error("failed to roll campaign back to draft", "campaign_id", id, "error", rbErr)
		}
		return nil, err
	}
	s.logger.Info("campaign queued", "campaign_id", id, "targets", len(targets), "jobs", len(jobs))

	return s.Recompute(ctx, id)
}

// Start は queued → running に遷移する
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	return s.transition(ctx, id, Transition{From: []Status{StatusQueued}, To: StatusRunning})
}

// Pause は実行中のキャンペーンを一時停止する
func (s *Service) Pause(ctx context.Context, id uuid.UUID, reason PausedReason) (*Campaign, error) {
	return s.transition(ctx, id, Transition{
		From:         []Status{StatusQueued, StatusRunning},
		To:           StatusPaused,
		PausedReason: &reason,
	})
}

// Resume は一時停止中のキャンペーンを再開する
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	return s.transition(ctx, id, Transition{From: []Status{StatusPaused}, To: StatusRunning})
}

// Cancel は未完了のジョブをすべて skipped にしてキャンペーンを failed にする
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	cancelled, err := s.transition(ctx, id, Transition{
		From: []Status{StatusDraft, StatusQueued, StatusRunning, StatusPaused},
		To:   StatusFailed,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.jobs.CancelCampaign(ctx, id); err != nil {
		return nil, err
	}
	return s.Recompute(ctx, cancelled.ID)
}

// Retry は failed ジョブを再キューし、終了済みのキャンペーンを running に戻す。
// 再キューしたジョブ数を返す。
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*Campaign, int, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if c.Status == StatusDraft {
		return nil, 0, fmt.Errorf("%w: cannot retry draft campaign", ErrInvalidTransition)
	}

	failed := job.StatusFailed
	jobs, err := s.jobs.List(ctx, job.Filter{CampaignID: &id, Status: &failed})
	if err != nil {
		return nil, 0, err
	}

	retried := 0
	for _, j := range jobs {
		if _, err := s.jobs.Retry(ctx, j.ID); err != nil {
			if errors.Is(err, job.ErrInvalidTransition) {
				continue
			}
			return nil, retried, err
		}
		retried++
	}

	if retried > 0 && (c.Status == StatusCompleted || c.Status == StatusFailed) {
		if _, err := s.transition(ctx, id, Transition{
			From: []Status{StatusCompleted, StatusFailed},
			To:   StatusRunning,
		}); err != nil {
			return nil, retried, err
		}
	}

	s.logger.Info("campaign retried", "campaign_id", id, "jobs", retried)
	updated, err := s.Recompute(ctx, id)
	if err != nil {
		return nil, retried, err
	}
	return updated, retried, nil
}

// Recompute はジョブ数から集計値を再計算して上書きする。
// 実行中で未完了ジョブが残っていなければ completed にする。
func (s *Service) Recompute(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	counts, err := s.jobs.CountByStatus(ctx, id)
	if err != nil {
		return nil, err
	}

	totals := RecomputeTotals(counts)
	now := s.clock.Now()
	totals.RecomputedAt = &now

	updated, err := s.repo.UpdateTotals(ctx, id, totals)
	if err != nil {
		return nil, fmt.Errorf("failed to update campaign totals: %w", err)
	}

	if updated.Status == StatusRunning && totals.Done() {
		completed, err := s.repo.TransitionCampaign(ctx, id, Transition{
			From: []Status{StatusRunning},
			To:   StatusCompleted,
			At:   now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to complete campaign: %w", err)
		}
		if c, ok := completed.Get(); ok {
			s.logger.Info("campaign completed", "campaign_id", id, "success", totals.Success, "failed", totals.Failed)
			return c, nil
		}
	}
	return updated, nil
}

// RecomputeActive は稼働中・一時停止中の全キャンペーンの集計を更新し、件数を返す
func (s *Service) RecomputeActive(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []Status{StatusQueued, StatusRunning, StatusPaused} {
		list, err := s.List(ctx, &status)
		if err != nil {
			return n, err
		}
		for _, c := range list {
			if _, err := s.Recompute(ctx, c.ID); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// EnforceSchedule は稼働時間帯外の実行中キャンペーンを停止し、時間帯に入ったものを再開する。
// 手動で停止されたキャンペーンは再開しない。
func (s *Service) EnforceSchedule(ctx context.Context, now time.Time) (paused, resumed int, err error) {
	running := StatusRunning
	list, err := s.List(ctx, &running)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range list {
		if c.Rules.Schedule == nil || c.Rules.Schedule.Active(now) {
			continue
		}
		if _, err := s.Pause(ctx, c.ID, PausedSchedule); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return paused, resumed, err
		}
		paused++
	}

	pausedStatus := StatusPaused
	list, err = s.List(ctx, &pausedStatus)
	if err != nil {
		return paused, resumed, err
	}
	for _, c := range list {
		if c.PausedReason == nil || *c.PausedReason != PausedSchedule {
			continue
		}
		if c.Rules.Schedule != nil && !c.Rules.Schedule.Active(now) {
			continue
		}
		if _, err := s.Resume(ctx, c.ID); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return paused, resumed, err
		}
		resumed++
	}

	if paused > 0 || resumed > 0 {
		s.logger.Info("campaign schedule enforced", "paused", paused, "resumed", resumed)
	}
	return paused, resumed, nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, t Transition) (*Campaign, error) {
	t.At = s.clock.Now()
	updated, err := s.repo.TransitionCampaign(ctx, id, t)
	if err != nil {
		return nil, fmt.Errorf("failed to transition campaign: %w", err)
	}
	c, ok := updated.Get()
	if ok {
		s.logger.Info("campaign transitioned", "campaign_id", id, "status", c.Status)
		return c, nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, t.To)
}

func jobsFor(c *Campaign, targets []*Target) []job.NewJob {
	defs := make([]job.NewJob, 0, len(targets)*len(c.Rules.AllowedActions))
	for _, t := range targets {
		for _, action := range c.Rules.AllowedActions {
			defs = append(defs, job.NewJob{
				CampaignID: c.ID,
				UserID:     c.UserID,
				TargetID:   t.ID,
				TargetURL:  t.URL,
				AnchorText: t.AnchorText,
				LinkURL:    t.LinkURL,
				Action:     action,
				Priority:   c.Rules.Priority,
			})
		}
	}
	return defs
}
