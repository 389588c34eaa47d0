// Package scheduler は定期メンテナンス処理（期限切れリースの計測、集計の再計算、
// 稼働時間帯の適用、メール認証タイムアウト）を cron で実行する。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jinford/linkforge/internal/platform/clock"
)

// 既定のスケジュール
const (
	DefaultSweepSpec     = "@every 1m"
	DefaultRecomputeSpec = "@every 1m"
	DefaultScheduleSpec  = "@every 5m"
	DefaultAccountSpec   = "@every 10m"
)

// タスク名
const (
	TaskSweepStale      = "sweep_stale"
	TaskRecompute       = "recompute_totals"
	TaskEnforceSchedule = "enforce_schedule"
	TaskExpireAccounts  = "expire_accounts"
)

// StaleSweeper は期限切れリースを数える
type StaleSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

// CampaignMaintainer はキャンペーンの集計と稼働時間帯を管理する
type CampaignMaintainer interface {
	RecomputeActive(ctx context.Context) (int, error)
	EnforceSchedule(ctx context.Context, now time.Time) (paused, resumed int, err error)
}

// AccountExpirer はメール認証待ちのアカウントをタイムアウトさせる
type AccountExpirer interface {
	ExpireWaiting(ctx context.Context, olderThan time.Duration) (int, error)
}

// Recorder はタスク実行結果の記録先
type Recorder interface {
	SchedulerRan(task string, err error)
}

type nopRecorder struct{}

func (nopRecorder) SchedulerRan(string, error) {}

// Task は 1 つの定期処理
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Dependencies はタスクが呼び出すサービス
type Dependencies struct {
	Jobs      StaleSweeper
	Campaigns CampaignMaintainer
	Accounts  AccountExpirer
	// EmailTimeout は実行時点のメール認証タイムアウトを返す
	EmailTimeout func() time.Duration
}

// Scheduler は Task を cron で実行する。
// 同じタスクの同時実行は Locker で抑止する（複数レプリカ間を含む）。
type Scheduler struct {
	cron     *cron.Cron
	tasks    []Task
	locker   Locker
	recorder Recorder
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

type options struct {
	locker   Locker
	recorder Recorder
	clock    clock.Clock
	logger   *slog.Logger
}

// Option は Scheduler 構築時のオプション
type Option func(*options)

// WithLocker はロックの実装を差し替える
func WithLocker(l Locker) Option {
	return func(o *options) { o.locker = l }
}

// WithRecorder はメトリクス記録先を設定する
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithClock は時計を差し替える
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New は Scheduler を作成する
func New(opts ...Option) *Scheduler {
	o := options{
		locker:   NewLocalLocker(),
		recorder: nopRecorder{},
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		locker:   o.locker,
		recorder: o.recorder,
		clock:    o.clock,
		logger:   o.logger,
	}
}

// DefaultTasks は標準のメンテナンスタスクを作成する
func DefaultTasks(deps Dependencies, c clock.Clock) []Task {
	if c == nil {
		c = clock.Real()
	}
	var tasks []Task
	if deps.Jobs != nil {
		tasks = append(tasks, Task{
			Name: TaskSweepStale,
			Spec: DefaultSweepSpec,
			Run: func(ctx context.Context) error {
				_, err := deps.Jobs.SweepStale(ctx)
				return err
			},
		})
	}
	if deps.Campaigns != nil {
		tasks = append(tasks,
			Task{
				Name: TaskRecompute,
				Spec: DefaultRecomputeSpec,
				Run: func(ctx context.Context) error {
					_, err := deps.Campaigns.RecomputeActive(ctx)
					return err
				},
			},
			Task{
				Name: TaskEnforceSchedule,
				Spec: DefaultScheduleSpec,
				Run: func(ctx context.Context) error {
					_, _, err := deps.Campaigns.EnforceSchedule(ctx, c.Now())
					return err
				},
			},
		)
	}
	if deps.Accounts != nil && deps.EmailTimeout != nil {
		tasks = append(tasks, Task{
			Name: TaskExpireAccounts,
			Spec: DefaultAccountSpec,
			Run: func(ctx context.Context) error {
				_, err := deps.Accounts.ExpireWaiting(ctx, deps.EmailTimeout())
				return err
			},
		})
	}
	return tasks
}

// Register はタスクを cron に登録する
func (s *Scheduler) Register(tasks ...Task) error {
	for _, t := range tasks {
		if _, err := s.cron.AddFunc(t.Spec, func() { s.runScheduled(t) }); err != nil {
			return fmt.Errorf("cron ジョブの登録に失敗 (%s): %w", t.Name, err)
		}
		s.tasks = append(s.tasks, t)
	}
	return nil
}

// Start はスケジューラーを起動する。ctx がキャンセルされると実行中のタスクにも伝播する。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
	s.logger.Info("スケジューラーを開始しました", "tasks", len(s.tasks))
}

// Stop はスケジューラーを停止し、実行中のタスクの終了を待つ
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	cancel()
	s.logger.Info("スケジューラーを停止しました")
}

// RunNow は名前で指定したタスクを即座に実行する。他で実行中ならスキップして false を返す。
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	for _, t := range s.tasks {
		if t.Name == name {
			return s.run(ctx, t)
		}
	}
	return false, fmt.Errorf("unknown task: %s", name)
}

func (s *Scheduler) runScheduled(t Task) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.run(ctx, t); err != nil {
		s.logger.Error("定期タスクの実行に失敗しました", "task", t.Name, "error", err)
	}
}

func (s *Scheduler) run(ctx context.Context, t Task) (bool, error) {
	started := s.clock.Now()
	acquired, err := s.locker.WithLock(ctx, t.Name, t.Run)
	if !acquired && err == nil {
		s.logger.Debug("タスクは他で実行中のためスキップします", "task", t.Name)
		return false, nil
	}
	s.recorder.SchedulerRan(t.Name, err)
	if err != nil {
		return acquired, fmt.Errorf("task %s: %w", t.Name, err)
	}
	s.logger.Debug("定期タスクが完了しました", "task", t.Name, "duration", s.clock.Now().Sub(started))
	return true, nil
}
