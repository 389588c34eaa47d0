package campaign

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/opportunity"
)

var (
	// ErrNotFound はキャンペーンが存在しない場合のエラー
	ErrNotFound = errors.New("campaign not found")
	// ErrInvalidTransition は許可されていない状態遷移のエラー
	ErrInvalidTransition = errors.New("invalid campaign transition")
	// ErrDuplicateTarget は同じ URL のターゲットが既に登録されている場合のエラー
	ErrDuplicateTarget = errors.New("duplicate target")
	// ErrInvalidTarget はターゲット定義が不正な場合のエラー
	ErrInvalidTarget = errors.New("invalid target")
)

// Status はキャンペーンの状態
type Status string

const (
	StatusDraft     Status = "draft"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsValid は既知のステータスかどうかを返す
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusQueued, StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// AcceptsWork はワーカーがジョブを取得してよい状態かを返す
func (s Status) AcceptsWork() bool {
	return s == StatusQueued || s == StatusRunning
}

// PausedReason は一時停止の理由
type PausedReason string

const (
	PausedManual   PausedReason = "manual"
	PausedSchedule PausedReason = "schedule"
)

// Schedule は UTC の稼働時間帯 [StartHour, EndHour)。StartHour > EndHour は日付をまたぐ。
type Schedule struct {
	StartHour int `json:"start_hour" yaml:"start_hour"`
	EndHour   int `json:"end_hour" yaml:"end_hour"`
}

// Active は t が稼働時間帯に含まれるかを返す
func (s Schedule) Active(t time.Time) bool {
	if s.StartHour == s.EndHour {
		return true
	}
	h := t.UTC().Hour()
	if s.StartHour < s.EndHour {
		return h >= s.StartHour && h < s.EndHour
	}
	return h >= s.StartHour || h < s.EndHour
}

// Rules はキャンペーンの実行ルール
type Rules struct {
	AllowedActions    []job.Action `json:"allowed_actions"`
	CategoryID        *uuid.UUID   `json:"category_id,omitempty"`
	SubcategoryID     *uuid.UUID   `json:"subcategory_id,omitempty"`
	DailyLimit        *int         `json:"daily_limit,omitempty"`
	TotalLimit        *int         `json:"total_limit,omitempty"`
	PerSiteDailyLimit *int         `json:"per_site_daily_limit,omitempty"`
	Schedule          *Schedule    `json:"schedule,omitempty"`
	Priority          int          `json:"priority"`
}

// Totals はジョブから導出される集計値
type Totals struct {
	Total        int        `json:"total"`
	Success      int        `json:"success"`
	Failed       int        `json:"failed"`
	Skipped      int        `json:"skipped"`
	Pending      int        `json:"pending"`
	FailureRate  float64    `json:"failure_rate"`
	RecomputedAt *time.Time `json:"recomputed_at,omitempty"`
}

// Campaign は顧客のバックリンク施策
type Campaign struct {
	ID           uuid.UUID              `json:"id"`
	UserID       uuid.UUID              `json:"user_id"`
	DomainID     uuid.UUID              `json:"domain_id"`
	Name         string                 `json:"name"`
	Status       Status                 `json:"status"`
	Rules        Rules                  `json:"rules"`
	Plan         opportunity.PlanLimits `json:"plan"`
	Totals       Totals                 `json:"totals"`
	PausedReason *PausedReason          `json:"paused_reason,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Profile はマッチングに必要な情報を取り出す
func (c *Campaign) Profile() *opportunity.CampaignProfile {
	return &opportunity.CampaignProfile{
		ID:                c.ID,
		Name:              c.Name,
		CategoryID:        c.Rules.CategoryID,
		SubcategoryID:     c.Rules.SubcategoryID,
		Plan:              c.Plan,
		DailyLimit:        c.Rules.DailyLimit,
		TotalLimit:        c.Rules.TotalLimit,
		PerSiteDailyLimit: c.Rules.PerSiteDailyLimit,
	}
}

// TargetSource はターゲットの登録経路
type TargetSource string

const (
	SourceManual      TargetSource = "manual"
	SourceCSV         TargetSource = "csv"
	SourceBacklinkRun TargetSource = "backlink_run"
	SourceInsights    TargetSource = "insights"
)

// Target はキャンペーン内で一意な URL
type Target struct {
	ID         uuid.UUID         `json:"id"`
	CampaignID uuid.UUID         `json:"campaign_id"`
	URL        string            `json:"url"`
	URLHash    string            `json:"url_hash"`
	AnchorText string            `json:"anchor_text,omitempty"`
	LinkURL    string            `json:"link_url,omitempty"`
	Source     TargetSource      `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// TargetInput は AddTargets の入力
type TargetInput struct {
	URL        string
	AnchorText string
	LinkURL    string
	Source     TargetSource
	Metadata   map[string]string
}

// AddResult は AddTargets の結果
type AddResult struct {
	Added      []*Target
	Duplicates int
	Jobs       int
}
