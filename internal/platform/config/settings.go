package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings は再起動なしで変更できる実行時設定
type Settings struct {
	LeaseTTL                 time.Duration            `yaml:"lease_ttl"`
	MaxAttempts              int                      `yaml:"max_attempts"`
	MessageLimit             int                      `yaml:"message_limit"`
	RetryDelays              map[string]time.Duration `yaml:"retry_delays"`
	EmailVerificationTimeout time.Duration            `yaml:"email_verification_timeout"`
	Captcha                  CaptchaSettings          `yaml:"captcha"`
	Worker                   WorkerSettings           `yaml:"worker"`
}

// CaptchaSettings は CAPTCHA 解決サービスの料金表
type CaptchaSettings struct {
	DefaultService string             `yaml:"default_service"`
	Pricing        map[string]float64 `yaml:"pricing"`
}

// WorkerSettings はワーカーのポーリング間隔
type WorkerSettings struct {
	PollMin time.Duration `yaml:"poll_min"`
	PollMax time.Duration `yaml:"poll_max"`
}

// DefaultSettings は設定ファイルが無い場合の既定値
func DefaultSettings() Settings {
	return Settings{
		LeaseTTL:                 30 * time.Minute,
		MaxAttempts:              3,
		MessageLimit:             5000,
		RetryDelays:              map[string]time.Duration{},
		EmailVerificationTimeout: 24 * time.Hour,
		Captcha: CaptchaSettings{
			DefaultService: "2captcha",
			Pricing: map[string]float64{
				"2captcha":    0.003,
				"anticaptcha": 0.002,
			},
		},
		Worker: WorkerSettings{
			PollMin: time.Second,
			PollMax: 30 * time.Second,
		},
	}
}

// Validate は値の整合性を検証する
func (s Settings) Validate() error {
	if s.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive: %s", s.LeaseTTL)
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive: %d", s.MaxAttempts)
	}
	if s.MessageLimit <= 0 {
		return fmt.Errorf("message_limit must be positive: %d", s.MessageLimit)
	}
	for code, d := range s.RetryDelays {
		if d < 0 {
			return fmt.Errorf("retry_delays.%s must not be negative: %s", code, d)
		}
	}
	if s.EmailVerificationTimeout <= 0 {
		return fmt.Errorf("email_verification_timeout must be positive: %s", s.EmailVerificationTimeout)
	}
	if s.Worker.PollMin <= 0 || s.Worker.PollMax < s.Worker.PollMin {
		return fmt.Errorf("worker poll interval is invalid: min=%s max=%s", s.Worker.PollMin, s.Worker.PollMax)
	}
	for service, cost := range s.Captcha.Pricing {
		if cost < 0 {
			return fmt.Errorf("captcha.pricing.%s must not be negative: %v", service, cost)
		}
	}
	return nil
}

// ParseSettings は YAML を既定値の上に読み込む
func ParseSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings: %w", err)
	}
	if s.RetryDelays == nil {
		s.RetryDelays = map[string]time.Duration{}
	}
	if s.Captcha.Pricing == nil {
		s.Captcha.Pricing = map[string]float64{}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// SettingsStore は設定ファイルを読み込み、最新の Settings を保持する
type SettingsStore struct {
	path    string
	current atomic.Pointer[Settings]
	logger  *slog.Logger
}

// NewSettingsStore は path から設定を読み込んだ SettingsStore を作成する。
// path が空またはファイルが存在しない場合は既定値を使う。
func NewSettingsStore(path string, logger *slog.Logger) (*SettingsStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SettingsStore{path: path, logger: logger}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current は現在の設定を返す
func (s *SettingsStore) Current() Settings {
	return *s.current.Load()
}

// Reload は設定ファイルを再読み込みする。失敗した場合は現在の設定を維持する。
func (s *SettingsStore) Reload() (Settings, error) {
	next, err := s.read()
	if err != nil {
		return Settings{}, err
	}
	s.current.Store(&next)
	s.logger.Info("settings loaded",
		"path", s.path,
		"lease_ttl", next.LeaseTTL,
		"max_attempts", next.MaxAttempts,
	)
	return next, nil
}

func (s *SettingsStore) read() (Settings, error) {
	if s.path == "" {
		return DefaultSettings(), nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("settings file not found, using defaults", "path", s.path)
			return DefaultSettings(), nil
		}
		return Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}
	return ParseSettings(data)
}
