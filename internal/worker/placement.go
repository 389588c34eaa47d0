package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jinford/linkforge/internal/core/account"
	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/opportunity"
	"github.com/jinford/linkforge/internal/core/proxy"
)

// PlacementRequest は 1 回のプレースメントに必要な情報
type PlacementRequest struct {
	Job         *job.Job
	Opportunity *opportunity.Opportunity
	Proxy       *proxy.Proxy
	// Credentials はアカウント経由のジョブでのみ設定される
	Credentials *account.Credentials
	// SolveCaptcha は CAPTCHA に遭遇したときに呼び出す。解決できなければ CAPTCHA の PlacementError を返す。
	SolveCaptcha func(ctx context.Context, challenge CaptchaChallenge) (string, error)
}

// PlacementResult は成功したプレースメントの結果
type PlacementResult struct {
	PlacedURL string
	Result    json.RawMessage
}

// Placer はブラウザ操作によるプレースメントを行う外部コンポーネント
type Placer interface {
	Place(ctx context.Context, req PlacementRequest) (*PlacementResult, error)
}

// CaptchaChallenge は解決を依頼する CAPTCHA
type CaptchaChallenge struct {
	Kind    string
	SiteKey string
	PageURL string
}

// CaptchaSolution は解決結果。Cost が nil なら料金表の既定値で記録する。
type CaptchaSolution struct {
	Token string
	Cost  *float64
}

// CaptchaSolver は CAPTCHA 解決サービス
type CaptchaSolver interface {
	Service() string
	Solve(ctx context.Context, challenge CaptchaChallenge) (*CaptchaSolution, error)
}

// Registration はサイト上で作成したアカウントの情報
type Registration struct {
	Username string
	Email    string
	Password string
	// EmailVerification はメール認証が必要かどうか
	EmailVerification bool
}

// AccountProvisioner はサイトへのアカウント登録と受信箱の確認を行う外部コンポーネント
type AccountProvisioner interface {
	Register(ctx context.Context, site *opportunity.Opportunity, px *proxy.Proxy) (*Registration, error)
	CheckEmail(ctx context.Context, a *account.SiteAccount) (bool, error)
}

// PlacementError は分類済みの失敗
type PlacementError struct {
	Code    job.ErrorCode
	Message string
	Err     error
}

// NewPlacementError は PlacementError を作成する
func NewPlacementError(code job.ErrorCode, message string) *PlacementError {
	return &PlacementError{Code: code, Message: message}
}

func (e *PlacementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PlacementError) Unwrap() error { return e.Err }

// Classify はエラーをエラーコードとメッセージに変換する。
// 期限超過は TIMEOUT、分類されていないエラーは UNKNOWN になる。
func Classify(err error) (job.ErrorCode, string) {
	var pe *PlacementError
	if errors.As(err, &pe) {
		msg := pe.Message
		if msg == "" && pe.Err != nil {
			msg = pe.Err.Error()
		}
		return job.ParseErrorCode(string(pe.Code)), msg
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return job.ErrorTimeout, err.Error()
	}
	return job.ErrorUnknown, err.Error()
}

// isFatal はリトライしても結果が変わらない失敗かを返す
func isFatal(err error) bool {
	return errors.Is(err, opportunity.ErrCategoryRequired)
}

// blamesProxy はプロキシの健全性に関わるエラーかを返す
func blamesProxy(code job.ErrorCode) bool {
	switch code {
	case job.ErrorBlockedByCloudflare, job.ErrorRateLimit, job.ErrorTimeout:
		return true
	}
	return false
}

// siteTypeFor はアクションに対応する候補サイト種別
func siteTypeFor(a job.Action) opportunity.SiteType {
	switch a {
	case job.ActionProfile:
		return opportunity.SiteTypeProfile
	case job.ActionForum:
		return opportunity.SiteTypeForum
	case job.ActionGuest:
		return opportunity.SiteTypeGuestPost
	default:
		return opportunity.SiteTypeBlog
	}
}
