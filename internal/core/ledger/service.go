package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jinford/linkforge/internal/platform/clock"
)

// Pricing は解決サービスごとの 1 回あたりの概算費用
type Pricing struct {
	DefaultService string
	Costs          map[string]float64
}

// Cost は service の既定費用を返す
func (p Pricing) Cost(service string) float64 {
	return p.Costs[service]
}

// PricingSource は最新の料金表を返す
type PricingSource interface {
	CaptchaPricing() Pricing
}

type staticPricing Pricing

func (s staticPricing) CaptchaPricing() Pricing { return Pricing(s) }

// StaticPricing は固定の料金表を返す PricingSource を作成する
func StaticPricing(p Pricing) PricingSource { return staticPricing(p) }

// Service は CAPTCHA 解決の費用台帳を管理する
type Service struct {
	repo    Repository
	pricing PricingSource
	clock   clock.Clock
	logger  *slog.Logger
}

type serviceOptions struct {
	pricing PricingSource
	clock   clock.Clock
	logger  *slog.Logger
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*serviceOptions)

// WithServiceLogger はロガーを設定する
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = logger }
}

// WithServicePricing は料金表の取得元を設定する
func WithServicePricing(p PricingSource) ServiceOption {
	return func(o *serviceOptions) { o.pricing = p }
}

// WithServiceClock は時計を差し替える
func WithServiceClock(c clock.Clock) ServiceOption {
	return func(o *serviceOptions) { o.clock = c }
}

// NewService は新しい Service を作成する
func NewService(repo Repository, opts ...ServiceOption) *Service {
	options := serviceOptions{
		pricing: StaticPricing(Pricing{DefaultService: "default", Costs: map[string]float64{}}),
		clock:   clock.Real(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		repo:    repo,
		pricing: options.pricing,
		clock:   options.clock,
		logger:  options.logger,
	}
}

// Open は解決待ちの試行を追記する
func (s *Service) Open(ctx context.Context, jobID *uuid.UUID, service string) (*Entry, error) {
	if service == "" {
		service = s.pricing.CaptchaPricing().DefaultService
	}
	e := &Entry{
		ID:        uuid.New(),
		AttemptID: uuid.New(),
		JobID:     jobID,
		Service:   service,
		Status:    StatusPending,
		CreatedAt: s.clock.Now(),
	}
	if err := s.repo.AppendEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	s.logger.Debug("captcha attempt opened", "attempt_id", e.AttemptID, "service", service)
	return e, nil
}

// EnqueueSolve はジョブの CAPTCHA 解決リクエストを既定サービスで台帳に積む。
// 未解決のリクエストが既にあれば何もしない。
func (s *Service) EnqueueSolve(ctx context.Context, jobID uuid.UUID) error {
	pending, err := s.repo.ListUnresolved(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to list unresolved attempts: %w", err)
	}
	if len(pending) > 0 {
		return nil
	}
	_, err = s.Open(ctx, &jobID, "")
	return err
}

// Begin はジョブの解決試行を開始する。積まれたままのリクエストがあればそれを引き継ぎ、
// なければ service で新しい試行を開く。
func (s *Service) Begin(ctx context.Context, jobID uuid.UUID, service string) (*Entry, error) {
	pending, err := s.repo.ListUnresolved(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved attempts: %w", err)
	}
	if len(pending) > 0 {
		s.logger.Debug("captcha request taken over", "attempt_id", pending[0].AttemptID, "job_id", jobID)
		return pending[0], nil
	}
	return s.Open(ctx, &jobID, service)
}

// Resolve は試行の結果を新しい行として追記する。cost が nil なら料金表の値を使う。
func (s *Service) Resolve(ctx context.Context, attemptID uuid.UUID, solved bool, cost *float64) (*Entry, error) {
	rows, err := s.repo.ListAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger attempt: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, attemptID)
	}
	for _, r := range rows {
		if r.Status != StatusPending {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, attemptID)
		}
	}

	opened := rows[0]
	e := &Entry{
		ID:            uuid.New(),
		AttemptID:     attemptID,
		JobID:         opened.JobID,
		Service:       opened.Service,
		Status:        resolution(solved),
		EstimatedCost: s.cost(opened.Service, cost),
		CreatedAt:     s.clock.Now(),
	}
	if err := s.repo.AppendEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	s.logger.Info("captcha attempt resolved", "attempt_id", attemptID, "status", e.Status, "cost", e.EstimatedCost)
	return e, nil
}

// Record は解決済みの試行を 1 行で追記する
func (s *Service) Record(ctx context.Context, jobID *uuid.UUID, service string, solved bool, cost *float64) (*Entry, error) {
	if service == "" {
		service = s.pricing.CaptchaPricing().DefaultService
	}
	e := &Entry{
		ID:            uuid.New(),
		AttemptID:     uuid.New(),
		JobID:         jobID,
		Service:       service,
		Status:        resolution(solved),
		EstimatedCost: s.cost(service, cost),
		CreatedAt:     s.clock.Now(),
	}
	if err := s.repo.AppendEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return e, nil
}

// Summarize は期間内の台帳を集計する
func (s *Service) Summarize(ctx context.Context, w Window) (Summary, error) {
	entries, err := s.repo.ListEntries(ctx, w.From, w.To)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return Summarize(entries, w), nil
}

// Windows は now に対する日次・週次・月次の期間を返す
func (s *Service) Windows() []Window {
	now := s.clock.Now()
	return []Window{Daily(now), Weekly(now), Monthly(now)}
}

func (s *Service) cost(service string, reported *float64) float64 {
	if reported != nil {
		return *reported
	}
	return s.pricing.CaptchaPricing().Cost(service)
}

func resolution(solved bool) Status {
	if solved {
		return StatusSolved
	}
	return StatusFailed
}
