package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// PollInterval はジョブが無いときの待ち時間の範囲
type PollInterval struct {
	Min time.Duration
	Max time.Duration
}

// DefaultPollInterval は既定のポーリング間隔
var DefaultPollInterval = PollInterval{Min: time.Second, Max: 30 * time.Second}

// Pool は同じ Worker を複数の goroutine で実行する
type Pool struct {
	worker      *Worker
	id          string
	concurrency int
	poll        func() PollInterval
	logger      *slog.Logger
}

// NewPool は Pool を作成する。poll は待ち時間をリセットするたびに呼ばれ、設定の再読み込みを反映する。
func NewPool(w *Worker, id string, concurrency int, poll func() PollInterval, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if poll == nil {
		poll = func() PollInterval { return DefaultPollInterval }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{worker: w, id: id, concurrency: concurrency, poll: poll, logger: logger}
}

// Run は ctx がキャンセルされるまでジョブを処理する
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.concurrency {
		agentID := fmt.Sprintf("%s-%d", p.id, i)
		g.Go(func() error {
			return p.loop(gctx, agentID)
		})
	}
	p.logger.Info("ワーカープールを開始しました", "worker_id", p.id, "concurrency", p.concurrency)
	err := g.Wait()
	p.logger.Info("ワーカープールを停止しました", "worker_id", p.id)
	return err
}

func (p *Pool) loop(ctx context.Context, agentID string) error {
	b := p.newBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		worked, err := p.worker.RunOnce(ctx, agentID)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("ジョブの処理に失敗しました", "worker_id", agentID, "error", err)
		}
		if worked && err == nil {
			b = p.newBackOff()
			continue
		}

		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (p *Pool) newBackOff() *backoff.ExponentialBackOff {
	interval := p.poll()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval.Min
	b.MaxInterval = interval.Max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
