package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jinford/linkforge/internal/core/ledger"
)

// LedgerSummaryAction は CAPTCHA 費用の日次・週次・月次集計を表示するコマンドのアクション
func LedgerSummaryAction(ctx context.Context, cmd *cli.Command) error {
	window := cmd.String("window")

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	svc := appCtx.Container.Ledger
	summaries := make([]ledger.Summary, 0, 3)
	for _, w := range svc.Windows() {
		if window != "" && w.Name != window {
			continue
		}
		s, err := svc.Summarize(ctx, w)
		if err != nil {
			return fmt.Errorf("CAPTCHA 費用の集計に失敗: %w", err)
		}
		summaries = append(summaries, s)
	}
	if len(summaries) == 0 {
		return fmt.Errorf("不明な集計期間です: %s（daily / weekly / monthly を指定してください）", window)
	}

	renderLedgerSummaries(output(cmd), summaries)
	return nil
}
