package job

import (
	"strings"
	"time"
)

// ErrorCode はワーカーが報告する失敗の分類
type ErrorCode string

const (
	ErrorCaptcha                   ErrorCode = "CAPTCHA"
	ErrorLoginRequired             ErrorCode = "LOGIN_REQUIRED"
	ErrorEmailVerificationRequired ErrorCode = "EMAIL_VERIFICATION_REQUIRED"
	ErrorElementNotFound           ErrorCode = "ELEMENT_NOT_FOUND"
	ErrorTimeout                   ErrorCode = "TIMEOUT"
	ErrorBlockedByCloudflare       ErrorCode = "BLOCKED_BY_CLOUDFLARE"
	ErrorRateLimit                 ErrorCode = "RATE_LIMIT"
	ErrorFormSubmitFailed          ErrorCode = "FORM_SUBMIT_FAILED"
	ErrorUnknown                   ErrorCode = "UNKNOWN"
)

// Effect は失敗報告時に次回試行へ適用する副作用
type Effect int

const (
	EffectNone Effect = iota
	// EffectSolveCaptcha は CAPTCHA 解決リクエストを台帳に積む
	EffectSolveCaptcha
	// EffectRouteAccount は次回試行をアカウントライフサイクル経由にする
	EffectRouteAccount
	// EffectLowerPriority は優先度を 1 下げる
	EffectLowerPriority
	// EffectRotateProxy は次回試行で別のプロキシを要求する
	EffectRotateProxy
)

// Policy はエラーコードごとのリトライ方針
type Policy struct {
	Retryable    bool
	Effect       Effect
	DefaultDelay time.Duration
}

var policies = map[ErrorCode]Policy{
	ErrorCaptcha:                   {Retryable: true, Effect: EffectSolveCaptcha, DefaultDelay: time.Minute},
	ErrorLoginRequired:             {Retryable: true, Effect: EffectRouteAccount, DefaultDelay: 5 * time.Minute},
	ErrorEmailVerificationRequired: {Retryable: true, Effect: EffectRouteAccount, DefaultDelay: 10 * time.Minute},
	ErrorElementNotFound:           {Retryable: true, Effect: EffectLowerPriority},
	ErrorTimeout:                   {Retryable: true},
	ErrorBlockedByCloudflare:       {Retryable: true, Effect: EffectRotateProxy, DefaultDelay: 2 * time.Minute},
	ErrorRateLimit:                 {Retryable: true, Effect: EffectRotateProxy, DefaultDelay: 5 * time.Minute},
	ErrorFormSubmitFailed:          {Retryable: true},
	ErrorUnknown:                   {Retryable: true},
}

// ErrorCodes は全エラーコードを返す
func ErrorCodes() []ErrorCode {
	return []ErrorCode{
		ErrorCaptcha,
		ErrorLoginRequired,
		ErrorEmailVerificationRequired,
		ErrorElementNotFound,
		ErrorTimeout,
		ErrorBlockedByCloudflare,
		ErrorRateLimit,
		ErrorFormSubmitFailed,
		ErrorUnknown,
	}
}

// ParseErrorCode は文字列をエラーコードに変換する。未知の値は UNKNOWN になる。
func ParseErrorCode(s string) ErrorCode {
	code := ErrorCode(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := policies[code]; ok {
		return code
	}
	return ErrorUnknown
}

// Policy はコードのリトライ方針を返す
func (c ErrorCode) Policy() Policy {
	if p, ok := policies[c]; ok {
		return p
	}
	return policies[ErrorUnknown]
}

// DefaultRetryDelays は既定の再試行待ち時間を返す
func DefaultRetryDelays() map[ErrorCode]time.Duration {
	delays := make(map[ErrorCode]time.Duration, len(policies))
	for code, p := range policies {
		delays[code] = p.DefaultDelay
	}
	return delays
}
