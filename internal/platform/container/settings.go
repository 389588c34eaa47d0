package container

import (
	"maps"

	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/ledger"
	"github.com/jinford/linkforge/internal/platform/config"
)

// settingsTuning は SettingsStore の現在値を job.Tuning として返す
type settingsTuning struct {
	store *config.SettingsStore
}

func (s settingsTuning) JobTuning() job.Tuning {
	return jobTuning(s.store.Current())
}

func jobTuning(s config.Settings) job.Tuning {
	delays := job.DefaultRetryDelays()
	for code, d := range s.RetryDelays {
		delays[job.ParseErrorCode(code)] = d
	}
	return job.Tuning{
		LeaseTTL:     s.LeaseTTL,
		MaxAttempts:  s.MaxAttempts,
		MessageLimit: s.MessageLimit,
		RetryDelays:  delays,
	}
}

// settingsPricing は SettingsStore の現在値を CAPTCHA 料金表として返す
type settingsPricing struct {
	store *config.SettingsStore
}

func (s settingsPricing) CaptchaPricing() ledger.Pricing {
	return captchaPricing(s.store.Current())
}

func captchaPricing(s config.Settings) ledger.Pricing {
	return ledger.Pricing{
		DefaultService: s.Captcha.DefaultService,
		Costs:          maps.Clone(s.Captcha.Pricing),
	}
}
