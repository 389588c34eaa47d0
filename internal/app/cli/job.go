package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/linkforge/internal/core/job"
)

// JobListAction はジョブ一覧を表示するコマンドのアクション
func JobListAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	filter := job.Filter{Limit: cmd.Int("limit")}
	if raw := cmd.String("campaign"); raw != "" {
		id, err := parseID("campaign", raw)
		if err != nil {
			return err
		}
		filter.CampaignID = &id
	}
	if raw := cmd.String("status"); raw != "" {
		status := job.Status(raw)
		if !status.IsValid() {
			return fmt.Errorf("不明なステータスです: %s", raw)
		}
		filter.Status = &status
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	jobs, err := appCtx.Container.Jobs.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("ジョブ一覧の取得に失敗: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(output(cmd), "該当するジョブはありません")
		return nil
	}
	renderJobsTable(output(cmd), jobs)
	return nil
}

// JobShowAction はジョブ詳細と試行ログを表示するコマンドのアクション
func JobShowAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("id", cmd.String("id"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	j, err := appCtx.Container.Jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	logs, err := appCtx.Container.Jobs.Logs(ctx, id)
	if err != nil {
		return err
	}

	renderJobDetail(output(cmd), j, logs)
	return nil
}

// JobCancelAction はジョブをキャンセルするコマンドのアクション
func JobCancelAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("id", cmd.String("id"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	j, err := appCtx.Container.Jobs.Cancel(ctx, id)
	if err != nil {
		return err
	}

	slog.Info("ジョブをキャンセルしました", "job_id", j.ID)
	fmt.Fprintf(output(cmd), "✓ ジョブ %s をキャンセルしました\n", j.ID)
	return nil
}

// JobRetryAction は failed/skipped のジョブを再実行キューに積むコマンドのアクション
func JobRetryAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("id", cmd.String("id"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	j, err := appCtx.Container.Jobs.Retry(ctx, id)
	if err != nil {
		return err
	}

	slog.Info("ジョブを再キューしました", "job_id", id, "retry_job_id", j.ID)
	fmt.Fprintf(output(cmd), "✓ ジョブ %s を %s として再キューしました\n", id, j.ID)
	return nil
}
