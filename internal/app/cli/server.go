package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jinford/linkforge/internal/infra/placer"
	"github.com/jinford/linkforge/internal/interface/httpapi"
	"github.com/jinford/linkforge/internal/platform/container"
	"github.com/jinford/linkforge/internal/worker"
)

// ServerStartAction は HTTP API サーバ（およびスケジューラ）を起動するコマンドのアクション
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	useMemory := cmd.Bool("memory")
	withWorkers := cmd.Bool("with-workers")

	var opts []container.ContainerOption
	if useMemory {
		opts = append(opts, container.WithMemoryStore())
	}

	appCtx, err := NewAppContext(ctx, envFile, opts...)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	cont := appCtx.Container
	cfg := appCtx.Config
	logger := appCtx.Logger()

	router := httpapi.NewRouter(httpapi.Services{
		Jobs:          cont.Jobs,
		Campaigns:     cont.Campaigns,
		Opportunities: cont.Opportunities,
		Proxies:       cont.Proxies,
		Ledger:        cont.Ledger,
		Settings:      cont.Settings,
		Metrics:       cont.Metrics.Handler(),
		Ping:          cont.Ping,
	}, httpapi.RouterOptions{AdminToken: cfg.HTTP.AdminToken, Logger: logger})
	server := httpapi.NewServer(cfg.HTTP, router, logger)

	if cfg.HTTP.AdminToken == "" {
		logger.Warn("LINKFORGE_ADMIN_TOKEN が未設定のため /admin は認証なしで公開されます")
	}

	var pool *worker.Pool
	if withWorkers {
		if pool, err = newWorkerPool(appCtx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})

	if cfg.SchedulerEnabled {
		cont.Scheduler.Start(gctx)
		defer cont.Scheduler.Stop()
		slog.Info("スケジューラを起動しました")
	}

	if pool != nil {
		g.Go(func() error {
			return pool.Run(gctx)
		})
	}

	slog.Info("サーバを起動しました", "addr", cfg.HTTP.Addr, "memory", useMemory, "workers", withWorkers)
	if err := g.Wait(); err != nil {
		slog.Error("サーバが異常終了しました", "error", err)
		return err
	}

	slog.Info("サーバを停止しました")
	return nil
}

// WorkerRunAction はワーカープールを起動するコマンドのアクション
func WorkerRunAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if c := cmd.Int("concurrency"); c > 0 {
		appCtx.Config.Worker.Concurrency = c
	}

	pool, err := newWorkerPool(appCtx)
	if err != nil {
		return err
	}

	slog.Info("ワーカーを起動します",
		"worker_id", appCtx.Config.Worker.ID,
		"concurrency", appCtx.Config.Worker.Concurrency,
		"placer", appCtx.Config.Worker.PlacerURL,
	)
	if err := pool.Run(ctx); err != nil {
		slog.Error("ワーカーが異常終了しました", "error", err)
		return err
	}

	slog.Info("ワーカーを停止しました")
	return nil
}

// newWorkerPool は PLACER_URL の外部サービスにプレースメントを委譲するワーカープールを作成する
func newWorkerPool(appCtx *AppContext) (*worker.Pool, error) {
	url := appCtx.Config.Worker.PlacerURL
	if url == "" {
		return nil, fmt.Errorf("PLACER_URL が設定されていません")
	}
	return appCtx.Container.NewWorkerPool(placer.NewRemote(url, nil)), nil
}
