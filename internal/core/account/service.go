package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/linkforge/internal/core/credential"
	"github.com/jinford/linkforge/internal/platform/clock"
)

// Service はサイトアカウントのライフサイクルを管理する
type Service struct {
	repo   Repository
	sealer credential.Sealer
	clock  clock.Clock
	logger *slog.Logger
}

type serviceOptions struct {
	sealer credential.Sealer
	clock  clock.Clock
	logger *slog.Logger
}

// ServiceOption は Service のオプション設定
type ServiceOption func(*serviceOptions)

// WithServiceLogger はロガーを設定する
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = logger }
}

// WithServiceSealer はパスワードの暗号化方式を設定する
func WithServiceSealer(s credential.Sealer) ServiceOption {
	return func(o *serviceOptions) { o.sealer = s }
}

// WithServiceClock は時計を差し替える
func WithServiceClock(c clock.Clock) ServiceOption {
	return func(o *serviceOptions) { o.clock = c }
}

// NewService は新しい Service を作成する
func NewService(repo Repository, opts ...ServiceOption) *Service {
	options := serviceOptions{
		sealer: credential.Plain{},
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		repo:   repo,
		sealer: options.sealer,
		clock:  options.clock,
		logger: options.logger,
	}
}

// Register は created 状態のアカウントを登録する
func (s *Service) Register(ctx context.Context, params RegisterParams) (*SiteAccount, error) {
	domain := NormalizeDomain(params.SiteDomain)
	if domain == "" {
		return nil, fmt.Errorf("site domain is required")
	}

	existing, err := s.repo.FindAccount(ctx, Key{UserID: params.UserID, SiteDomain: domain, CampaignID: params.CampaignID})
	if err != nil {
		return nil, fmt.Errorf("failed to find site account: %w", err)
	}
	if existing.IsPresent() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, domain)
	}

	cipher, err := s.sealer.Seal(params.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to seal account password: %w", err)
	}

	now := s.clock.Now()
	created, err := s.repo.CreateAccount(ctx, &SiteAccount{
		ID:             uuid.New(),
		UserID:         params.UserID,
		CampaignID:     params.CampaignID,
		SiteDomain:     domain,
		Username:       params.Username,
		Email:          params.Email,
		PasswordCipher: cipher,
		Status:         StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create site account: %w", err)
	}

	s.logger.Info("site account registered", "account_id", created.ID, "site_domain", domain)
	return created, nil
}

// AwaitEmail は created → waiting_email に遷移し、メール認証待ちにする
func (s *Service) AwaitEmail(ctx context.Context, id uuid.UUID) (*SiteAccount, error) {
	pending := EmailPending
	return s.transition(ctx, id, Transition{
		From:        []Status{StatusCreated},
		To:          StatusWaitingEmail,
		EmailStatus: &pending,
	})
}

// ConfirmEmail は waiting_email → verified に遷移する
func (s *Service) ConfirmEmail(ctx context.Context, id uuid.UUID) (*SiteAccount, error) {
	found := EmailFound
	now := s.clock.Now()
	return s.transition(ctx, id, Transition{
		From:        []Status{StatusWaitingEmail},
		To:          StatusVerified,
		EmailStatus: &found,
		VerifiedAt:  &now,
	})
}

// MarkVerified はメール認証が不要なサイトで created → verified に遷移する
func (s *Service) MarkVerified(ctx context.Context, id uuid.UUID) (*SiteAccount, error) {
	now := s.clock.Now()
	return s.transition(ctx, id, Transition{
		From:       []Status{StatusCreated},
		To:         StatusVerified,
		VerifiedAt: &now,
	})
}

// TimeoutEmail は waiting_email → failed に遷移し、メール認証をタイムアウト扱いにする
func (s *Service) TimeoutEmail(ctx context.Context, id uuid.UUID) (*SiteAccount, error) {
	timeout := EmailTimeout
	return s.transition(ctx, id, Transition{
		From:          []Status{StatusWaitingEmail},
		To:            StatusFailed,
		EmailStatus:   &timeout,
		FailureReason: "email verification timed out",
	})
}

// MarkFailed は未確定のアカウントを failed にする
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*SiteAccount, error) {
	return s.transition(ctx, id, Transition{
		From:          []Status{StatusCreated, StatusWaitingEmail},
		To:            StatusFailed,
		FailureReason: reason,
	})
}

// RequireVerified は検証済みアカウントを返す。存在しないか未検証なら ErrAccountNotVerified。
func (s *Service) RequireVerified(ctx context.Context, userID uuid.UUID, domain string, campaignID uuid.UUID) (*SiteAccount, error) {
	found, err := s.repo.FindAccount(ctx, Key{UserID: userID, SiteDomain: NormalizeDomain(domain), CampaignID: campaignID})
	if err != nil {
		return nil, fmt.Errorf("failed to find site account: %w", err)
	}
	a, ok := found.Get()
	if !ok || a.Status != StatusVerified {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotVerified, domain)
	}
	return a, nil
}

// Find は (user, domain, campaign) のアカウントを状態に関わらず返す
func (s *Service) Find(ctx context.Context, userID uuid.UUID, domain string, campaignID uuid.UUID) (*SiteAccount, error) {
	found, err := s.repo.FindAccount(ctx, Key{UserID: userID, SiteDomain: NormalizeDomain(domain), CampaignID: campaignID})
	if err != nil {
		return nil, fmt.Errorf("failed to find site account: %w", err)
	}
	a, ok := found.Get()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, domain)
	}
	return a, nil
}

// Credentials は復号済みのログイン情報を返す
func (s *Service) Credentials(ctx context.Context, id uuid.UUID) (*Credentials, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	password, err := s.sealer.Open(a.PasswordCipher)
	if err != nil {
		return nil, fmt.Errorf("failed to open account password: %w", err)
	}
	return &Credentials{Username: a.Username, Email: a.Email, Password: password}, nil
}

// Get はアカウントを取得する
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*SiteAccount, error) {
	found, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get site account: %w", err)
	}
	a, ok := found.Get()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// List はキャンペーンのアカウント一覧を返す
func (s *Service) List(ctx context.Context, campaignID uuid.UUID) ([]*SiteAccount, error) {
	list, err := s.repo.ListAccounts(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list site accounts: %w", err)
	}
	return list, nil
}

// ExpireWaiting は olderThan より長くメール認証待ちのアカウントをタイムアウトさせ、件数を返す
func (s *Service) ExpireWaiting(ctx context.Context, olderThan time.Duration) (int, error) {
	before := s.clock.Now().Add(-olderThan)
	waiting, err := s.repo.ListWaitingSince(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to list waiting accounts: %w", err)
	}

	expired := 0
	for _, a := range waiting {
		if _, err := s.TimeoutEmail(ctx, a.ID); err != nil {
			// 他の経路で確定済みなら無視する
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("email verification timed out", "count", expired)
	}
	return expired, nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, t Transition) (*SiteAccount, error) {
	t.At = s.clock.Now()
	updated, err := s.repo.TransitionAccount(ctx, id, t)
	if err != nil {
		return nil, fmt.Errorf("failed to transition site account: %w", err)
	}
	a, ok := updated.Get()
	if ok {
		s.logger.Info("site account transitioned", "account_id", a.ID, "status", a.Status)
		return a, nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, t.To)
}
