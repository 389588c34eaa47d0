package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound はジョブが存在しない場合のエラー
	ErrNotFound = errors.New("job not found")
	// ErrStaleLease はリーストークンが現在のリースと一致しない場合のエラー
	ErrStaleLease = errors.New("stale lease")
	// ErrInvalidTransition は許可されていない状態遷移のエラー
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Status はジョブの状態
type Status string

const (
	StatusQueued   Status = "queued"
	StatusLeased   Status = "leased"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRetrying Status = "retrying"
	StatusSkipped  Status = "skipped"
)

// AllStatuses は全ステータスを返す
func AllStatuses() []Status {
	return []Status{StatusQueued, StatusLeased, StatusRunning, StatusSuccess, StatusFailed, StatusRetrying, StatusSkipped}
}

// IsValid は既知のステータスかどうかを返す
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusLeased, StatusRunning, StatusSuccess, StatusFailed, StatusRetrying, StatusSkipped:
		return true
	}
	return false
}

// IsTerminal は終端状態（以降更新されない）かどうかを返す
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// IsOpen はまだ完了していない状態かどうかを返す
func (s Status) IsOpen() bool {
	return s.IsValid() && !s.IsTerminal()
}

// Action はプレースメントの種類
type Action string

const (
	ActionComment Action = "comment"
	ActionProfile Action = "profile"
	ActionForum   Action = "forum"
	ActionGuest   Action = "guest"
)

// IsValid は既知のアクションかどうかを返す
func (a Action) IsValid() bool {
	switch a {
	case ActionComment, ActionProfile, ActionForum, ActionGuest:
		return true
	}
	return false
}

// ParseAction は文字列を Action に変換する
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.IsValid() {
		return "", fmt.Errorf("unknown action: %q", s)
	}
	return a, nil
}

// Lease はジョブに対する排他的な実行権
type Lease struct {
	Token    string     `json:"token,omitempty"`
	WorkerID string     `json:"workerId,omitempty"`
	LeasedAt *time.Time `json:"leasedAt,omitempty"`
}

// Active はリースが保持されているかを返す
func (l Lease) Active() bool {
	return l.Token != "" && l.LeasedAt != nil
}

// ExpiresAt はリースの有効期限を返す
func (l Lease) ExpiresAt(ttl time.Duration) time.Time {
	if l.LeasedAt == nil {
		return time.Time{}
	}
	return l.LeasedAt.Add(ttl)
}

// NewLeaseToken はワーカー ID を含む一意なリーストークンを生成する
func NewLeaseToken(workerID string) string {
	return workerID + ":" + uuid.NewString()
}

// Job はターゲットに対する 1 回分のプレースメント作業
type Job struct {
	ID            uuid.UUID  `json:"id"`
	CampaignID    uuid.UUID  `json:"campaignId"`
	UserID        uuid.UUID  `json:"userId"`
	TargetID      uuid.UUID  `json:"targetId"`
	TargetURL     string     `json:"targetUrl"`
	AnchorText    string     `json:"anchorText,omitempty"`
	LinkURL       string     `json:"linkUrl,omitempty"`
	OpportunityID *uuid.UUID `json:"opportunityId,omitempty"`
	Action        Action     `json:"action"`
	Status        Status     `json:"status"`
	Priority      int        `json:"priority"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"maxAttempts"`
	Lease         Lease      `json:"lease"`

	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`

	LastErrorCode    *ErrorCode      `json:"lastErrorCode,omitempty"`
	LastErrorMessage string          `json:"lastErrorMessage,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`

	// 次回試行へのヒント
	RequiresAccount bool       `json:"requiresAccount"`
	RotateProxy     bool       `json:"rotateProxy"`
	LastProxyID     *uuid.UUID `json:"lastProxyId,omitempty"`

	RetryOf   *uuid.UUID `json:"retryOf,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Claimable は now 時点で Claim 可能かどうかを返す
func (j *Job) Claimable(now time.Time, ttl time.Duration) bool {
	switch j.Status {
	case StatusQueued:
		return j.NextAttemptAt == nil || !j.NextAttemptAt.After(now)
	case StatusLeased, StatusRunning:
		return j.Lease.LeasedAt != nil && j.Lease.LeasedAt.Before(now.Add(-ttl))
	}
	return false
}

// HoldsLease は token が現在のリースと一致するかを返す
func (j *Job) HoldsLease(token string) bool {
	return token != "" && j.Lease.Token == token
}

// Filter はジョブ一覧の絞り込み条件
type Filter struct {
	CampaignID *uuid.UUID
	Status     *Status
	Limit      int
}

// BacklinkStatus はバックリンクの検証状態
type BacklinkStatus string

const (
	BacklinkPending   BacklinkStatus = "pending"
	BacklinkSubmitted BacklinkStatus = "submitted"
	BacklinkVerified  BacklinkStatus = "verified"
	BacklinkError     BacklinkStatus = "error"
)

// CanAdvance は from から to への遷移が許可されているかを返す
func (from BacklinkStatus) CanAdvance(to BacklinkStatus) bool {
	switch from {
	case BacklinkPending:
		return to == BacklinkSubmitted
	case BacklinkSubmitted:
		return to == BacklinkVerified || to == BacklinkError
	}
	return false
}

// Backlink は成功したプレースメントの証跡
type Backlink struct {
	ID            uuid.UUID      `json:"id"`
	JobID         uuid.UUID      `json:"jobId"`
	CampaignID    uuid.UUID      `json:"campaignId"`
	TargetID      uuid.UUID      `json:"targetId"`
	OpportunityID *uuid.UUID     `json:"opportunityId,omitempty"`
	PlacedURL     string         `json:"placedUrl"`
	LinkURL       string         `json:"linkUrl"`
	AnchorText    string         `json:"anchorText"`
	Status        BacklinkStatus `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// LogLevel はジョブログの重要度
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// Log はジョブの追記専用ログ
type Log struct {
	ID        uuid.UUID  `json:"id"`
	JobID     uuid.UUID  `json:"jobId"`
	Attempt   int        `json:"attempt"`
	Level     LogLevel   `json:"level"`
	Code      *ErrorCode `json:"code,omitempty"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"createdAt"`
}
