package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/core/credential"
	"github.com/jinford/linkforge/internal/platform/clock"
)

// Recorder はプール内イベントのメトリクス記録先
type Recorder interface {
	ProxyBlacklisted()
	ProxyErrored()
}

type nopRecorder struct{}

func (nopRecorder) ProxyBlacklisted() {}
func (nopRecorder) ProxyErrored() {}

// Pool はプロキシの選択・ローテーション・健全性管理を提供する
type Pool struct {
	repo     Repository
	sealer   credential.Sealer
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder
}

type poolOptions struct {
	sealer   credential.Sealer
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder
}

// PoolOption は Pool のオプション設定
type PoolOption func(*poolOptions)

// WithPoolLogger はロガーを設定する
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(o *poolOptions) { o.logger = logger }
}

// WithPoolSealer は資格情報の暗号化方式を設定する
func WithPoolSealer(s credential.Sealer) PoolOption {
	return func(o *poolOptions) { o.sealer = s }
}

// WithPoolClock は時計を差し替える
func WithPoolClock(c clock.Clock) PoolOption {
	return func(o *poolOptions) { o.clock = c }
}

// WithPoolRecorder はメトリクス記録先を設定する
func WithPoolRecorder(r Recorder) PoolOption {
	return func(o *poolOptions) { o.recorder = r }
}

// NewPool は新しい Pool を作成する
func NewPool(repo Repository, opts ...PoolOption) *Pool {
	options := poolOptions{
		sealer:   credential.Plain{},
		clock:    clock.Real(),
		logger:   slog.Default(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Pool{
		repo:     repo,
		sealer:   options.sealer,
		clock:    options.clock,
		logger:   options.logger,
		recorder: options.recorder,
	}
}

// Add はプロキシを登録する。パスワードは暗号化して保存される。
func (p *Pool) Add(ctx context.Context, params AddParams) (*Proxy, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	sealed := ""
	if params.Password != "" {
		var err error
		sealed, err = p.sealer.Seal(params.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to seal proxy password: %w", err)
		}
	}

	created, err := p.repo.CreateProxy(ctx, &Proxy{
		ID:        uuid.New(),
		Host:      params.Host,
		Port:      params.Port,
		Username:  params.Username,
		Password:  sealed,
		Type:      params.Type,
		Country:   params.Country,
		Status:    StatusActive,
		CreatedAt: p.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	p.logger.Info("proxy added", "proxy_id", created.ID, "address", created.Address(), "type", created.Type)
	return p.open(created)
}

// Select は条件に合う中で最もエラーが少なく、最も長く使われていないプロキシを返す
func (p *Pool) Select(ctx context.Context, filter Filter) (mo.Option[*Proxy], error) {
	found, err := p.repo.SelectProxy(ctx, filter)
	if err != nil {
		return mo.None[*Proxy](), fmt.Errorf("failed to select proxy: %w", err)
	}

	px, ok := found.Get()
	if !ok {
		return mo.None[*Proxy](), nil
	}

	opened, err := p.open(px)
	if err != nil {
		return mo.None[*Proxy](), err
	}
	return mo.Some(opened), nil
}

// Acquire は Select に続けて MarkUsed を行う。候補がなければ ErrNoProxyAvailable を返す。
func (p *Pool) Acquire(ctx context.Context, filter Filter) (*Proxy, error) {
	selected, err := p.Select(ctx, filter)
	if err != nil {
		return nil, err
	}

	px, ok := selected.Get()
	if !ok {
		return nil, ErrNoProxyAvailable
	}

	if err := p.MarkUsed(ctx, px.ID); err != nil {
		return nil, err
	}
	now := p.clock.Now()
	px.LastUsedAt = &now
	return px, nil
}

// MarkUsed は最終利用時刻を更新する
func (p *Pool) MarkUsed(ctx context.Context, id uuid.UUID) error {
	if err := p.repo.TouchProxy(ctx, id, p.clock.Now()); err != nil {
		return fmt.Errorf("failed to mark proxy used: %w", err)
	}
	return nil
}

// MarkError はエラー数を加算する。閾値に達するとプロキシは自動的にブラックリスト化される。
func (p *Pool) MarkError(ctx context.Context, id uuid.UUID) (*Proxy, error) {
	updated, err := p.repo.IncrementProxyErrors(ctx, id, p.clock.Now(), BlacklistThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to mark proxy error: %w", err)
	}

	p.recorder.ProxyErrored()
	if updated.Status == StatusBlacklisted && updated.ErrorCount == BlacklistThreshold {
		p.recorder.ProxyBlacklisted()
		p.logger.Warn("proxy blacklisted",
			"proxy_id", updated.ID,
			"address", updated.Address(),
			"error_count", updated.ErrorCount,
		)
	}
	return updated, nil
}

// ResetErrors はオペレーター操作としてエラー数を 0 に戻し、active に復帰させる
func (p *Pool) ResetErrors(ctx context.Context, id uuid.UUID) (*Proxy, error) {
	updated, err := p.repo.ResetProxyErrors(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reset proxy errors: %w", err)
	}
	p.logger.Info("proxy errors reset", "proxy_id", updated.ID, "address", updated.Address())
	return updated, nil
}

// Disable はプロキシを手動で無効化する。ブラックリスト中のプロキシは対象外。
func (p *Pool) Disable(ctx context.Context, id uuid.UUID) (*Proxy, error) {
	current, err := p.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusBlacklisted {
		return nil, fmt.Errorf("%w: blacklisted proxy %s must be reset", ErrInvalidProxy, id)
	}

	updated, err := p.repo.SetProxyStatus(ctx, id, StatusDisabled)
	if err != nil {
		return nil, fmt.Errorf("failed to disable proxy: %w", err)
	}
	return updated, nil
}

// Enable は無効化されたプロキシを再度有効にする。ブラックリストは ResetErrors でのみ解除できる。
func (p *Pool) Enable(ctx context.Context, id uuid.UUID) (*Proxy, error) {
	current, err := p.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusBlacklisted {
		return nil, fmt.Errorf("%w: blacklisted proxy %s must be reset", ErrInvalidProxy, id)
	}

	updated, err := p.repo.SetProxyStatus(ctx, id, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to enable proxy: %w", err)
	}
	return updated, nil
}

// List はプロキシ一覧を返す（パスワードは暗号文のまま）
func (p *Pool) List(ctx context.Context, status *Status) ([]*Proxy, error) {
	proxies, err := p.repo.ListProxies(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}
	return proxies, nil
}

func (p *Pool) get(ctx context.Context, id uuid.UUID) (*Proxy, error) {
	found, err := p.repo.GetProxy(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get proxy: %w", err)
	}
	px, ok := found.Get()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return px, nil
}

// open は呼び出し側に渡すコピーのパスワードを復号する
func (p *Pool) open(px *Proxy) (*Proxy, error) {
	out := *px
	if out.Password == "" {
		return &out, nil
	}
	plain, err := p.sealer.Open(out.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy password: %w", err)
	}
	out.Password = plain
	return &out, nil
}
