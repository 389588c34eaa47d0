package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/linkforge/internal/core/campaign"
)

// CampaignTotalsAction はキャンペーンの集計を再計算して表示するコマンドのアクション。
// --id を省略した場合は全キャンペーンを表示する。
func CampaignTotalsAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	svc := appCtx.Container.Campaigns
	var campaigns []*campaign.Campaign
	if raw := cmd.String("id"); raw != "" {
		id, err := parseID("id", raw)
		if err != nil {
			return err
		}
		c, err := svc.Recompute(ctx, id)
		if err != nil {
			return fmt.Errorf("集計の再計算に失敗: %w", err)
		}
		campaigns = []*campaign.Campaign{c}
	} else {
		if _, err := svc.RecomputeActive(ctx); err != nil {
			return fmt.Errorf("集計の再計算に失敗: %w", err)
		}
		if campaigns, err = svc.List(ctx, nil); err != nil {
			return fmt.Errorf("キャンペーン一覧の取得に失敗: %w", err)
		}
	}

	renderCampaignsTable(output(cmd), campaigns)
	return nil
}

// CampaignPauseAction はキャンペーンを一時停止するコマンドのアクション
func CampaignPauseAction(ctx context.Context, cmd *cli.Command) error {
	return campaignAction(ctx, cmd, "一時停止", func(ctx context.Context, svc *campaign.Service, id uuid.UUID) (*campaign.Campaign, error) {
		return svc.Pause(ctx, id, campaign.PausedManual)
	})
}

// CampaignResumeAction は一時停止中のキャンペーンを再開するコマンドのアクション
func CampaignResumeAction(ctx context.Context, cmd *cli.Command) error {
	return campaignAction(ctx, cmd, "再開", func(ctx context.Context, svc *campaign.Service, id uuid.UUID) (*campaign.Campaign, error) {
		return svc.Resume(ctx, id)
	})
}

// CampaignCancelAction はキャンペーンと未完了ジョブをキャンセルするコマンドのアクション
func CampaignCancelAction(ctx context.Context, cmd *cli.Command) error {
	return campaignAction(ctx, cmd, "キャンセル", func(ctx context.Context, svc *campaign.Service, id uuid.UUID) (*campaign.Campaign, error) {
		return svc.Cancel(ctx, id)
	})
}

func campaignAction(ctx context.Context, cmd *cli.Command, label string, fn func(context.Context, *campaign.Service, uuid.UUID) (*campaign.Campaign, error)) error {
	id, err := parseID("id", cmd.String("id"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c, err := fn(ctx, appCtx.Container.Campaigns, id)
	if err != nil {
		return err
	}

	slog.Info("キャンペーンを"+label+"しました", "campaign_id", c.ID, "status", c.Status)
	fmt.Fprintf(output(cmd), "✓ キャンペーン %s を%sしました（status: %s）\n", c.Name, label, c.Status)
	return nil
}

// CampaignImportTargetsAction は CSV ファイルからターゲットを取り込むコマンドのアクション
func CampaignImportTargetsAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("id", cmd.String("id"))
	if err != nil {
		return err
	}
	path := cmd.String("file")

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("CSVファイルを開けません: %w", err)
	}
	defer f.Close()

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	slog.Info("ターゲットの取り込みを開始", "campaign_id", id, "file", path)
	result, err := appCtx.Container.Campaigns.ImportTargetsCSV(ctx, id, f)
	if err != nil {
		return fmt.Errorf("ターゲットの取り込みに失敗: %w", err)
	}

	slog.Info("ターゲットを取り込みました",
		"added", len(result.Added),
		"duplicates", result.Duplicates,
		"jobs", result.Jobs,
	)
	fmt.Fprintf(output(cmd), "✓ %d件のターゲットを追加しました（重複 %d件, ジョブ %d件）\n",
		len(result.Added), result.Duplicates, result.Jobs)
	return nil
}
