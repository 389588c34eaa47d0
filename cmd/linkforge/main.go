package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	appcli "github.com/jinford/linkforge/internal/app/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// envFlag は全コマンド共通の --env フラグ
func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func idFlag(usage string) cli.Flag {
	return &cli.StringFlag{
		Name:     "id",
		Usage:    usage,
		Required: true,
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "linkforge",
		Usage: "バックリンク配置ジョブのオーケストレーションエンジン",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "API サーバコマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "HTTP API サーバとスケジューラを起動",
						Flags: []cli.Flag{
							envFlag(),
							&cli.BoolFlag{
								Name:  "memory",
								Usage: "PostgreSQL の代わりにプロセス内ストアを使う（開発用）",
							},
							&cli.BoolFlag{
								Name:  "with-workers",
								Usage: "同じプロセスでワーカープールも起動する",
							},
						},
						Action: appcli.ServerStartAction,
					},
				},
			},
			{
				Name:  "worker",
				Usage: "ワーカーコマンド",
				Commands: []*cli.Command{
					{
						Name:  "run",
						Usage: "ジョブをポーリングして実行するワーカープールを起動",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "concurrency",
								Usage: "並列数（省略時は WORKER_CONCURRENCY）",
							},
						},
						Action: appcli.WorkerRunAction,
					},
				},
			},
			{
				Name:  "migrate",
				Usage: "データベースマイグレーションコマンド",
				Commands: []*cli.Command{
					{
						Name:   "up",
						Usage:  "未適用のマイグレーションを適用",
						Flags:  []cli.Flag{envFlag()},
						Action: appcli.MigrateUpAction,
					},
					{
						Name:  "down",
						Usage: "マイグレーションを戻す",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "steps",
								Usage: "戻すステップ数",
								Value: 1,
							},
						},
						Action: appcli.MigrateDownAction,
					},
					{
						Name:   "version",
						Usage:  "現在のスキーマバージョンを表示",
						Flags:  []cli.Flag{envFlag()},
						Action: appcli.MigrateVersionAction,
					},
				},
			},
			{
				Name:  "job",
				Usage: "ジョブ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "ジョブ一覧を表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "campaign",
								Usage: "キャンペーン ID（絞り込み）",
							},
							&cli.StringFlag{
								Name:  "status",
								Usage: "ステータス（queued, leased, running, success, failed, skipped）",
							},
							&cli.IntFlag{
								Name:  "limit",
								Usage: "最大表示件数",
								Value: 50,
							},
						},
						Action: appcli.JobListAction,
					},
					{
						Name:   "show",
						Usage:  "ジョブ詳細と試行ログを表示",
						Flags:  []cli.Flag{envFlag(), idFlag("ジョブ ID")},
						Action: appcli.JobShowAction,
					},
					{
						Name:   "cancel",
						Usage:  "ジョブをキャンセル",
						Flags:  []cli.Flag{envFlag(), idFlag("ジョブ ID")},
						Action: appcli.JobCancelAction,
					},
					{
						Name:   "retry",
						Usage:  "failed / skipped のジョブを再キュー",
						Flags:  []cli.Flag{envFlag(), idFlag("ジョブ ID")},
						Action: appcli.JobRetryAction,
					},
				},
			},
			{
				Name:  "campaign",
				Usage: "キャンペーン管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "totals",
						Usage: "集計を再計算して表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "id",
								Usage: "キャンペーン ID（省略時は全件）",
							},
						},
						Action: appcli.CampaignTotalsAction,
					},
					{
						Name:   "pause",
						Usage:  "キャンペーンを一時停止",
						Flags:  []cli.Flag{envFlag(), idFlag("キャンペーン ID")},
						Action: appcli.CampaignPauseAction,
					},
					{
						Name:   "resume",
						Usage:  "一時停止中のキャンペーンを再開",
						Flags:  []cli.Flag{envFlag(), idFlag("キャンペーン ID")},
						Action: appcli.CampaignResumeAction,
					},
					{
						Name:   "cancel",
						Usage:  "キャンペーンと未完了ジョブをキャンセル",
						Flags:  []cli.Flag{envFlag(), idFlag("キャンペーン ID")},
						Action: appcli.CampaignCancelAction,
					},
					{
						Name:  "import-targets",
						Usage: "CSV ファイルからターゲットを取り込む",
						Flags: []cli.Flag{
							envFlag(),
							idFlag("キャンペーン ID"),
							&cli.StringFlag{
								Name:     "file",
								Usage:    "CSV ファイルパス（url, anchor_text, link_url 列）",
								Required: true,
							},
						},
						Action: appcli.CampaignImportTargetsAction,
					},
				},
			},
			{
				Name:  "proxy",
				Usage: "プロキシ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "プロキシ一覧を表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "status",
								Usage: "ステータス（active, disabled, blacklisted）",
							},
						},
						Action: appcli.ProxyListAction,
					},
					{
						Name:  "add",
						Usage: "プロキシを登録",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "host",
								Usage:    "ホスト名または IP アドレス",
								Required: true,
							},
							&cli.IntFlag{
								Name:     "port",
								Usage:    "ポート番号",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "username",
								Usage: "認証ユーザー名",
							},
							&cli.StringFlag{
								Name:  "password",
								Usage: "認証パスワード",
							},
							&cli.StringFlag{
								Name:  "type",
								Usage: "種別（http, https, socks5）",
								Value: "http",
							},
							&cli.StringFlag{
								Name:  "country",
								Usage: "国コード",
							},
						},
						Action: appcli.ProxyAddAction,
					},
					{
						Name:   "reset",
						Usage:  "エラー数をリセットしてブラックリストを解除",
						Flags:  []cli.Flag{envFlag(), idFlag("プロキシ ID")},
						Action: appcli.ProxyResetAction,
					},
				},
			},
			{
				Name:  "opportunity",
				Usage: "候補サイト管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "match",
						Usage: "キャンペーンに適合する候補サイトを表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "campaign",
								Usage:    "キャンペーン ID",
								Required: true,
							},
							&cli.IntFlag{
								Name:  "count",
								Usage: "取得件数",
								Value: 10,
							},
							&cli.StringFlag{
								Name:  "site-type",
								Usage: "サイト種別（blog, forum, profile, guest_post, directory, wiki）",
							},
						},
						Action: appcli.OpportunityMatchAction,
					},
					{
						Name:  "status",
						Usage: "候補サイトの状態を変更",
						Flags: []cli.Flag{
							envFlag(),
							idFlag("候補サイト ID"),
							&cli.StringFlag{
								Name:     "status",
								Usage:    "状態（active, inactive, banned）",
								Required: true,
							},
						},
						Action: appcli.OpportunityStatusAction,
					},
				},
			},
			{
				Name:  "ledger",
				Usage: "CAPTCHA 費用台帳コマンド",
				Commands: []*cli.Command{
					{
						Name:  "summary",
						Usage: "日次・週次・月次の費用を集計",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "window",
								Usage: "集計期間（daily, weekly, monthly。省略時はすべて）",
							},
						},
						Action: appcli.LedgerSummaryAction,
					},
				},
			},
		},
	}
}
