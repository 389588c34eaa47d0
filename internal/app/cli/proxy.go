package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/linkforge/internal/core/proxy"
)

// ProxyListAction はプロキシ一覧を表示するコマンドのアクション
func ProxyListAction(ctx context.Context, cmd *cli.Command) error {
	var status *proxy.Status
	if raw := cmd.String("status"); raw != "" {
		s := proxy.Status(raw)
		status = &s
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	proxies, err := appCtx.Container.Proxies.List(ctx, status)
	if err != nil {
		return fmt.Errorf("プロキシ一覧の取得に失敗: %w", err)
	}

	renderProxiesTable(output(cmd), proxies)
	return nil
}

// ProxyAddAction はプロキシを登録するコマンドのアクション
func ProxyAddAction(ctx context.Context, cmd *cli.Command) error {
	params := proxy.AddParams{
		Host:     cmd.String("host"),
		Port:     cmd.Int("port"),
		Username: cmd.String("username"),
		Password: cmd.String("password"),
		Type:     proxy.Type(cmd.String("type")),
		Country:  cmd.String("country"),
	}
	if err := params.Validate(); err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	px, err := appCtx.Container.Proxies.Add(ctx, params)
	if err != nil {
		return fmt.Errorf("プロキシの登録に失敗: %w", err)
	}

	slog.Info("プロキシを登録しました", "proxy_id", px.ID, "address", px.Address())
	fmt.Fprintf(output(cmd), "✓ プロキシ %s を登録しました（ID: %s）\n", px.Address(), px.ID)
	return nil
}

// ProxyResetAction はプロキシのエラー数をリセットしてブラックリストを解除するコマンドのアクション
func ProxyResetAction(ctx context.Context, cmd *cli.Command) error {
	id, err := parseID("id", cmd.String("id"))
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	px, err := appCtx.Container.Proxies.ResetErrors(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(output(cmd), "✓ プロキシ %s をリセットしました（status: %s）\n", px.Address(), px.Status)
	return nil
}
