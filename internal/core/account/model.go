package account

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound はアカウントが存在しない場合のエラー
	ErrNotFound = errors.New("site account not found")
	// ErrInvalidTransition は許可されていない状態遷移のエラー
	ErrInvalidTransition = errors.New("invalid site account transition")
	// ErrAccountNotVerified は検証済みアカウントが存在しない場合のエラー
	ErrAccountNotVerified = errors.New("site account not verified")
	// ErrAlreadyExists は同じ (user, domain, campaign) のアカウントが既にある場合のエラー
	ErrAlreadyExists = errors.New("site account already exists")
)

// Status はアカウントのライフサイクル状態
type Status string

const (
	StatusCreated      Status = "created"
	StatusWaitingEmail Status = "waiting_email"
	StatusVerified     Status = "verified"
	StatusFailed       Status = "failed"
)

// EmailStatus はメール認証の状態
type EmailStatus string

const (
	EmailPending EmailStatus = "pending"
	EmailFound   EmailStatus = "found"
	EmailTimeout EmailStatus = "timeout"
)

// SiteAccount は外部サイト上に作成したアカウント
type SiteAccount struct {
	ID                      uuid.UUID    `json:"id"`
	UserID                  uuid.UUID    `json:"userId"`
	CampaignID              uuid.UUID    `json:"campaignId"`
	SiteDomain              string       `json:"siteDomain"`
	Username                string       `json:"username"`
	Email                   string       `json:"email"`
	PasswordCipher          string       `json:"-"`
	Status                  Status       `json:"status"`
	EmailVerificationStatus *EmailStatus `json:"emailVerificationStatus,omitempty"`
	FailureReason           string       `json:"failureReason,omitempty"`
	CreatedAt               time.Time    `json:"createdAt"`
	UpdatedAt               time.Time    `json:"updatedAt"`
	VerifiedAt              *time.Time   `json:"verifiedAt,omitempty"`
}

// Key はアカウントの一意キー
type Key struct {
	UserID     uuid.UUID
	SiteDomain string
	CampaignID uuid.UUID
}

// NormalizeDomain はドメインを比較用に正規化する
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(d, "www.")
}

// Credentials は復号済みのログイン情報
type Credentials struct {
	Username string
	Email    string
	Password string
}

// transitions は from → 許可される to の一覧
var transitions = map[Status][]Status{
	StatusCreated:      {StatusWaitingEmail, StatusVerified, StatusFailed},
	StatusWaitingEmail: {StatusVerified, StatusFailed},
}

// CanTransition は from から to への遷移が許可されているかを返す
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RegisterParams は Register の入力
type RegisterParams struct {
	UserID     uuid.UUID
	CampaignID uuid.UUID
	SiteDomain string
	Username   string
	Email      string
	Password   string
}
