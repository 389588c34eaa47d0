package opportunity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/linkforge/internal/platform/clock"
)

const (
	defaultMatchCount = 10
	maxMatchCount     = 100
)

// MatchRequest はキャンペーン向けマッチングのパラメータ
type MatchRequest struct {
	CampaignID uuid.UUID
	Count      int
	SiteType   SiteType
}

// Service は候補サイトのマッチングとキュレーション操作を提供する
type Service struct {
	repo      Repository
	campaigns CampaignSource
	clock     clock.Clock
	logger    *slog.Logger
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
func NewService(repo Repository, campaigns CampaignSource, opts ...ServiceOption) *Service {
	options := serviceOptions{clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		repo:      repo,
		campaigns: campaigns,
		clock:     options.clock,
		logger:    options.logger,
	}
}

// MatchForCampaign はキャンペーンに適した候補サイトを最大 Count 件返す。
// 日次上限の判定には呼び出し時点で数え直した件数を使う。
func (s *Service) MatchForCampaign(ctx context.Context, req MatchRequest) (*MatchResult, error) {
	profile, err := s.campaigns.MatchProfile(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	if !profile.HasCategory() {
		return nil, ErrCategoryRequired
	}

	count := req.Count
	if count <= 0 {
		count = defaultMatchCount
	}
	count = min(count, maxMatchCount)

	now := s.clock.Now()
	today := clock.StartOfDay(now)

	remaining, err := s.remainingBudget(ctx, profile, today)
	if err != nil {
		return nil, err
	}
	count = min(count, remaining)

	result := &MatchResult{
		Opportunities: []*Opportunity{},
		Campaign:      profile,
		PlanLimits:    profile.Plan,
	}
	if count <= 0 {
		s.logger.Info("campaign budget exhausted, no opportunities matched", "campaign_id", profile.ID)
		return result, nil
	}

	siteTypes := profile.Plan.AllowedSiteTypes
	if req.SiteType != "" {
		siteTypes = []SiteType{req.SiteType}
	}
	candidates, err := s.repo.ListMatchCandidates(ctx, CandidateFilter{
		SiteTypes:   siteTypes,
		CategoryIDs: profile.CategoryIDs(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list match candidates: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)
	}

	usage, campaignUsage, err := s.usageToday(ctx, profile, ids, today)
	if err != nil {
		return nil, err
	}

	matched, err := Match(candidates, MatchInput{
		Campaign:           profile,
		SiteType:           req.SiteType,
		Count:              count,
		UsageToday:         usage,
		CampaignUsageToday: campaignUsage,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("opportunities matched",
		"campaign_id", profile.ID,
		"candidates", len(candidates),
		"matched", len(matched),
	)
	result.Opportunities = matched
	return result, nil
}

// Recheck は確定済みの候補サイトが今もキャンペーンの条件を満たすかを数え直して判定する。
// 状態・日次上限・キャンペーン予算のいずれかを満たさなければ false を返す。
func (s *Service) Recheck(ctx context.Context, campaignID, id uuid.UUID, siteType SiteType) (*Opportunity, bool, error) {
	profile, err := s.campaigns.MatchProfile(ctx, campaignID)
	if err != nil {
		return nil, false, err
	}
	if !profile.HasCategory() {
		return nil, false, ErrCategoryRequired
	}
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	today := clock.StartOfDay(s.clock.Now())
	remaining, err := s.remainingBudget(ctx, profile, today)
	if err != nil {
		return nil, false, err
	}
	if remaining <= 0 {
		return o, false, nil
	}

	usage, campaignUsage, err := s.usageToday(ctx, profile, []uuid.UUID{o.ID}, today)
	if err != nil {
		return nil, false, err
	}
	matched, err := Match([]*Opportunity{o}, MatchInput{
		Campaign:           profile,
		SiteType:           siteType,
		Count:              1,
		UsageToday:         usage,
		CampaignUsageToday: campaignUsage,
	})
	if err != nil {
		return nil, false, err
	}
	return o, len(matched) == 1, nil
}

// usageToday は候補ごとの本日のバックリンク数を全体とキャンペーン別に数える
func (s *Service) usageToday(ctx context.Context, profile *CampaignProfile, ids []uuid.UUID, today time.Time) (map[uuid.UUID]int, map[uuid.UUID]int, error) {
	usage, err := s.repo.CountBacklinksSince(ctx, ids, today)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count backlinks today: %w", err)
	}
	campaignUsage := map[uuid.UUID]int{}
	if profile.PerSiteDailyLimit != nil {
		campaignUsage, err = s.repo.CountCampaignBacklinksBySite(ctx, profile.ID, ids, today)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to count campaign backlinks today: %w", err)
		}
	}
	return usage, campaignUsage, nil
}

// remainingBudget はキャンペーンの日次・総数上限から残り件数を計算する
func (s *Service) remainingBudget(ctx context.Context, profile *CampaignProfile, today time.Time) (int, error) {
	remaining := maxMatchCount
	if profile.DailyLimit != nil {
		used, err := s.repo.CountCampaignBacklinks(ctx, profile.ID, today)
		if err != nil {
			return 0, fmt.Errorf("failed to count campaign backlinks: %w", err)
		}
		remaining = min(remaining, *profile.DailyLimit-used)
	}
	if profile.TotalLimit != nil {
		used, err := s.repo.CountCampaignBacklinks(ctx, profile.ID, time.Time{})
		if err != nil {
			return 0, fmt.Errorf("failed to count campaign backlinks: %w", err)
		}
		remaining = min(remaining, *profile.TotalLimit-used)
	}
	return remaining, nil
}

// Reserve はジョブが候補を確定させた時に最終利用時刻を更新する
func (s *Service) Reserve(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.TouchOpportunity(ctx, id, s.clock.Now()); err != nil {
		return fmt.Errorf("failed to reserve opportunity: %w", err)
	}
	return nil
}

// Get は候補サイトを取得する
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Opportunity, error) {
	found, err := s.repo.GetOpportunity(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get opportunity: %w", err)
	}
	o, ok := found.Get()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o, nil
}

// List は候補サイト一覧を返す
func (s *Service) List(ctx context.Context, status *Status) ([]*Opportunity, error) {
	list, err := s.repo.ListOpportunities(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list opportunities: %w", err)
	}
	return list, nil
}

// Upsert は管理者キュレーションで候補サイトを登録・更新する
func (s *Service) Upsert(ctx context.Context, o *Opportunity) (*Opportunity, error) {
	if o.URL == "" {
		return nil, fmt.Errorf("opportunity url is required")
	}
	if o.Status == "" {
		o.Status = StatusActive
	}
	if !o.Status.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, o.Status)
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := s.clock.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	saved, err := s.repo.UpsertOpportunity(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert opportunity: %w", err)
	}
	return saved, nil
}

// SetStatus は管理者操作で候補サイトの状態を切り替える
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status Status) (*Opportunity, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	updated, err := s.repo.SetOpportunityStatus(ctx, id, status, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to set opportunity status: %w", err)
	}
	s.logger.Info("opportunity status changed", "opportunity_id", id, "status", status)
	return updated, nil
}
