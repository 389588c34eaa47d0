package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/linkforge/internal/infra/postgres"
)

func newMigrator(envFile string) (*postgres.Migrator, error) {
	cfg, appLogger, err := loadConfig(envFile)
	if err != nil {
		return nil, err
	}
	m, err := postgres.NewMigrator(postgres.MigrationParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	}, appLogger)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションの初期化に失敗: %w", err)
	}
	return m, nil
}

// MigrateUpAction は未適用のマイグレーションを適用するコマンドのアクション
func MigrateUpAction(_ context.Context, cmd *cli.Command) error {
	m, err := newMigrator(cmd.String("env"))
	if err != nil {
		return err
	}
	defer m.Close()

	slog.Info("マイグレーションを適用します")
	return m.Up()
}

// MigrateDownAction は指定数のマイグレーションを戻すコマンドのアクション
func MigrateDownAction(_ context.Context, cmd *cli.Command) error {
	steps := cmd.Int("steps")

	m, err := newMigrator(cmd.String("env"))
	if err != nil {
		return err
	}
	defer m.Close()

	slog.Info("マイグレーションを戻します", "steps", steps)
	return m.Down(steps)
}

// MigrateVersionAction は現在のスキーマバージョンを表示するコマンドのアクション
func MigrateVersionAction(_ context.Context, cmd *cli.Command) error {
	m, err := newMigrator(cmd.String("env"))
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(output(cmd), "version: %d (dirty: %t)\n", version, dirty)
	return nil
}
