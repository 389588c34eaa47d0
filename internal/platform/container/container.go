package container

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jinford/linkforge/internal/core/account"
	"github.com/jinford/linkforge/internal/core/campaign"
	"github.com/jinford/linkforge/internal/core/credential"
	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/ledger"
	"github.com/jinford/linkforge/internal/core/opportunity"
	"github.com/jinford/linkforge/internal/core/proxy"
	"github.com/jinford/linkforge/internal/infra/memory"
	"github.com/jinford/linkforge/internal/infra/postgres"
	"github.com/jinford/linkforge/internal/infra/secret"
	"github.com/jinford/linkforge/internal/platform/clock"
	"github.com/jinford/linkforge/internal/platform/config"
	"github.com/jinford/linkforge/internal/platform/database"
	"github.com/jinford/linkforge/internal/platform/metrics"
	"github.com/jinford/linkforge/internal/scheduler"
	"github.com/jinford/linkforge/internal/worker"
)

// schedulerLockNamespace はスケジューラの advisory lock の名前空間
const schedulerLockNamespace = "linkforge.scheduler"

// ServiceContainer はコアサービスとその依存関係を保持する。
type ServiceContainer struct {
	Config        *config.Config
	Settings      *config.SettingsStore
	Metrics       *metrics.Metrics
	Jobs          *job.LeaseManager
	Campaigns     *campaign.Service
	Opportunities *opportunity.Service
	Proxies       *proxy.Pool
	Accounts      *account.Service
	Ledger        *ledger.Service
	Scheduler     *scheduler.Scheduler

	logger   *slog.Logger
	clock    clock.Clock
	database *database.Database // メモリストア使用時は nil
}

// repositories はストレージ実装ごとのリポジトリの束
type repositories struct {
	jobs          job.Repository
	campaigns     campaign.Repository
	opportunities opportunity.Repository
	proxies       proxy.Repository
	accounts      account.Repository
	ledger        ledger.Repository
}

type containerOptions struct {
	logger   *slog.Logger
	clock    clock.Clock
	registry *prometheus.Registry
	memory   bool
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerClock は時計を差し替える
func WithContainerClock(c clock.Clock) ContainerOption {
	return func(opts *containerOptions) {
		opts.clock = c
	}
}

// WithContainerRegistry はメトリクスの登録先を指定する
func WithContainerRegistry(reg *prometheus.Registry) ContainerOption {
	return func(opts *containerOptions) {
		opts.registry = reg
	}
}

// WithMemoryStore は PostgreSQL の代わりにプロセス内ストアを使う
func WithMemoryStore() ContainerOption {
	return func(opts *containerOptions) {
		opts.memory = true
	}
}

func applyOptions(opts []ContainerOption) containerOptions {
	options := containerOptions{logger: slog.Default(), clock: clock.Real()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.clock == nil {
		options.clock = clock.Real()
	}
	return options
}

// NewContainer は設定からコンテナを生成する。
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := applyOptions(opts)
	if options.memory {
		store := memory.New()
		repos := repositories{
			jobs:          store,
			campaigns:     store,
			opportunities: store,
			proxies:       store,
			accounts:      store,
			ledger:        store,
		}
		options.logger.Warn("using in-memory store; data is lost on exit")
		return build(cfg, repos, nil, scheduler.NewLocalLocker(), options)
	}

	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	c, err := NewContainerWithDB(cfg, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// NewContainerWithDB は既存の Database を受け取りコンテナを生成する。
func NewContainerWithDB(cfg *config.Config, db *database.Database, opts ...ContainerOption) (*ServiceContainer, error) {
	options := applyOptions(opts)
	pg := postgres.NewRepositories(db.Pool)
	repos := repositories{
		jobs:          pg.Jobs,
		campaigns:     pg.Campaigns,
		opportunities: pg.Opportunities,
		proxies:       pg.Proxies,
		accounts:      pg.Accounts,
		ledger:        pg.Ledger,
	}
	locker := postgres.NewAdvisoryLocker(postgres.NewTransactionProvider(db.Pool), schedulerLockNamespace)
	return build(cfg, repos, db, locker, options)
}

func build(cfg *config.Config, repos repositories, db *database.Database, locker scheduler.Locker, options containerOptions) (*ServiceContainer, error) {
	logger := options.logger
	clk := options.clock

	settings, err := config.NewSettingsStore(cfg.SettingsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
	}

	sealer, err := newSealer(cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	if cfg.SecretKey == "" {
		logger.Warn("LINKFORGE_SECRET_KEY is not set; credentials are stored in plain text")
	}

	m := metrics.New(options.registry)

	ledgerService := ledger.NewService(repos.ledger,
		ledger.WithServiceLogger(logger),
		ledger.WithServicePricing(settingsPricing{settings}),
		ledger.WithServiceClock(clk),
	)
	jobs := job.NewLeaseManager(repos.jobs,
		job.WithLogger(logger),
		job.WithTuning(settingsTuning{settings}),
		job.WithCaptchaQueue(ledgerService),
		job.WithClock(clk),
		job.WithRecorder(m),
	)
	campaigns := campaign.NewService(repos.campaigns, jobs,
		campaign.WithServiceLogger(logger),
		campaign.WithServiceClock(clk),
	)
	opportunities := opportunity.NewService(repos.opportunities, campaigns,
		opportunity.WithServiceLogger(logger),
		opportunity.WithServiceClock(clk),
	)
	proxies := proxy.NewPool(repos.proxies,
		proxy.WithPoolLogger(logger),
		proxy.WithPoolSealer(sealer),
		proxy.WithPoolClock(clk),
		proxy.WithPoolRecorder(m),
	)
	accounts := account.NewService(repos.accounts,
		account.WithServiceLogger(logger),
		account.WithServiceSealer(sealer),
		account.WithServiceClock(clk),
	)

	sched := scheduler.New(
		scheduler.WithLocker(locker),
		scheduler.WithRecorder(m),
		scheduler.WithClock(clk),
		scheduler.WithLogger(logger),
	)
	tasks := scheduler.DefaultTasks(scheduler.Dependencies{
		Jobs:      jobs,
		Campaigns: campaigns,
		Accounts:  accounts,
		EmailTimeout: func() time.Duration {
			return settings.Current().EmailVerificationTimeout
		},
	}, clk)
	if err := sched.Register(tasks...); err != nil {
		return nil, fmt.Errorf("スケジューラの初期化に失敗しました: %w", err)
	}

	return &ServiceContainer{
		Config:        cfg,
		Settings:      settings,
		Metrics:       m,
		Jobs:          jobs,
		Campaigns:     campaigns,
		Opportunities: opportunities,
		Proxies:       proxies,
		Accounts:      accounts,
		Ledger:        ledgerService,
		Scheduler:     sched,
		logger:        logger,
		clock:         clk,
		database:      db,
	}, nil
}

// newSealer は鍵が設定されていれば暗号化、なければ平文の Sealer を返す
func newSealer(key string) (credential.Sealer, error) {
	if key == "" {
		return credential.Plain{}, nil
	}
	box, err := secret.NewBoxFromHex(key)
	if err != nil {
		return nil, fmt.Errorf("LINKFORGE_SECRET_KEY が不正です: %w", err)
	}
	return box, nil
}

// NewWorkerPool は placer を使うワーカープールを作成する。
func (c *ServiceContainer) NewWorkerPool(placer worker.Placer, opts ...worker.Option) *worker.Pool {
	base := []worker.Option{
		worker.WithLogger(c.logger),
		worker.WithClock(c.clock),
		worker.WithRecorder(c.Metrics),
	}
	if d := c.Config.Worker.PlacementTimeout; d > 0 {
		base = append(base, worker.WithPlacementTimeout(d))
	}
	w := worker.New(worker.Dependencies{
		Jobs:     c.Jobs,
		Matcher:  c.Opportunities,
		Proxies:  c.Proxies,
		Accounts: c.Accounts,
		Ledger:   c.Ledger,
		Placer:   placer,
	}, append(base, opts...)...)

	return worker.NewPool(w, c.Config.Worker.ID, c.Config.Worker.Concurrency, c.pollInterval, c.logger)
}

func (c *ServiceContainer) pollInterval() worker.PollInterval {
	s := c.Settings.Current().Worker
	return worker.PollInterval{Min: s.PollMin, Max: s.PollMax}
}

// Ping はストレージへの疎通を確認する。メモリストアでは常に成功する。
func (c *ServiceContainer) Ping(ctx context.Context) error {
	if c == nil || c.database == nil {
		return nil
	}
	return c.database.Ping(ctx)
}

// Close は内部リソースを解放する。
func (c *ServiceContainer) Close() {
	if c != nil && c.database != nil {
		c.database.Close()
	}
}

// Logger はロガーを返す。
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Database はデータベースを返す。メモリストア使用時は nil。
func (c *ServiceContainer) Database() *database.Database {
	if c == nil {
		return nil
	}
	return c.database
}
