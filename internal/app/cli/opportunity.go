package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jinford/linkforge/internal/core/opportunity"
)

// OpportunityMatchAction はキャンペーンに適合する候補サイトを表示するコマンドのアクション
func OpportunityMatchAction(ctx context.Context, cmd *cli.Command) error {
	campaignID, err := parseID("campaign", cmd.String("campaign"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := appCtx.Container.Opportunities.MatchForCampaign(ctx, opportunity.MatchRequest{
		CampaignID: campaignID,
		Count:      cmd.Int("count"),
		SiteType:   opportunity.SiteType(cmd.String("site-type")),
	})
	if errors.Is(err, opportunity.ErrCategoryRequired) {
		return fmt.Errorf("キャンペーンにカテゴリまたはサブカテゴリが設定されていません")
	}
	if err != nil {
		return fmt.Errorf("候補サイトのマッチングに失敗: %w", err)
	}

	w := output(cmd)
	limits := result.PlanLimits
	fmt.Fprintf(w, "\n=== %s（プラン: %s, PA %d-%d, DA %d-%d）===\n\n",
		result.Campaign.Name, limits.Name, limits.MinPA, limits.MaxPA, limits.MinDA, limits.MaxDA)
	if len(result.Opportunities) == 0 {
		fmt.Fprintln(w, "条件に合う候補サイトはありません")
		return nil
	}
	renderOpportunitiesTable(w, result.Opportunities)
	return nil
}

// OpportunityStatusAction は候補サイトのキュレーション状態を変更するコマンドのアクション
func OpportunityStatusAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("id", cmd.String("id"))
	if err != nil {
		return err
	}
	status := opportunity.Status(cmd.String("status"))

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	o, err := appCtx.Container.Opportunities.SetStatus(ctx, id, status)
	if err != nil {
		return err
	}

	fmt.Fprintf(output(cmd), "✓ 候補サイト %s を %s に変更しました\n", o.URL, o.Status)
	return nil
}
