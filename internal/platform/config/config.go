package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// HTTP API設定
	HTTP HTTPConfig

	// ログ設定
	Log LogConfig

	// ワーカー設定
	Worker WorkerConfig

	// SettingsPath は実行時に再読み込み可能な YAML 設定ファイルのパス
	SettingsPath string

	// SecretKey は認証情報の暗号化鍵（hex 64 文字）。空の場合は平文で保存する
	SecretKey string

	// SchedulerEnabled が true の場合 server start でメンテナンスジョブを起動する
	SchedulerEnabled bool
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// HTTPConfig は HTTP サーバ設定
type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	AdminToken      string // 空の場合 /admin は認証なし
}

// LogConfig はロガー設定
type LogConfig struct {
	Level  string
	Format string
}

// WorkerConfig はワーカー設定
type WorkerConfig struct {
	ID          string
	Concurrency int

	// PlacerURL はプレースメントを委譲する外部サービスのベース URL
	PlacerURL        string
	PlacementTimeout time.Duration
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "linkforge"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "linkforge"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			AdminToken:      getEnv("LINKFORGE_ADMIN_TOKEN", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Worker: WorkerConfig{
			ID:               getEnv("WORKER_ID", hostname),
			Concurrency:      getEnvAsInt("WORKER_CONCURRENCY", 4),
			PlacerURL:        getEnv("PLACER_URL", ""),
			PlacementTimeout: getEnvAsDuration("PLACEMENT_TIMEOUT", 5*time.Minute),
		},
		SettingsPath:     getEnv("SETTINGS_PATH", "settings.yaml"),
		SecretKey:        getEnv("LINKFORGE_SECRET_KEY", ""),
		SchedulerEnabled: getEnvAsBool("SCHEDULER_ENABLED", true),
	}

	if cfg.Worker.Concurrency <= 0 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be positive: %d", cfg.Worker.Concurrency)
	}

	return cfg, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
