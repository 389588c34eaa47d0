package opportunity

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound は機会（候補サイト）が存在しない場合のエラー
	ErrNotFound = errors.New("opportunity not found")
	// ErrCategoryRequired はカテゴリ未設定のキャンペーンに対してマッチングを行った場合のエラー
	ErrCategoryRequired = errors.New("campaign must have a category or subcategory selected")
	// ErrInvalidStatus は未知のステータスが指定された場合のエラー
	ErrInvalidStatus = errors.New("invalid opportunity status")
)

// Status は候補サイトのキュレーション状態
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusBanned   Status = "banned"
)

// IsValid は既知のステータスかどうかを返す
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusBanned:
		return true
	}
	return false
}

// SiteType は候補サイトの種別
type SiteType string

const (
	SiteTypeBlog      SiteType = "blog"
	SiteTypeForum     SiteType = "forum"
	SiteTypeProfile   SiteType = "profile"
	SiteTypeGuestPost SiteType = "guest_post"
	SiteTypeDirectory SiteType = "directory"
	SiteTypeWiki      SiteType = "wiki"
)

// Opportunity はプレースメント先として利用可能な候補サイトのカタログエントリ
type Opportunity struct {
	ID             uuid.UUID   `json:"id"`
	URL            string      `json:"url"`
	Domain         string      `json:"domain"`
	PA             *int        `json:"pa"`
	DA             *int        `json:"da"`
	SiteType       SiteType    `json:"siteType"`
	Status         Status      `json:"status"`
	DailySiteLimit *int        `json:"dailySiteLimit,omitempty"` // nil = 無制限
	CategoryIDs    []uuid.UUID `json:"categories"`
	LastUsedAt     *time.Time  `json:"lastUsedAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// InCategory は id のいずれかのカテゴリに属しているかを返す
func (o *Opportunity) InCategory(ids ...uuid.UUID) bool {
	for _, id := range ids {
		if slices.Contains(o.CategoryIDs, id) {
			return true
		}
	}
	return false
}

// PlanLimits はキャンペーンのプランから導出される品質・種別の制約
type PlanLimits struct {
	Name             string     `json:"name"`
	MinPA            int        `json:"min_pa"`
	MaxPA            int        `json:"max_pa"`
	MinDA            int        `json:"min_da"`
	MaxDA            int        `json:"max_da"`
	AllowedSiteTypes []SiteType `json:"allowed_site_types"`
}

// AllowsSiteType はプランが種別 t を許可しているかを返す
func (p PlanLimits) AllowsSiteType(t SiteType) bool {
	return slices.Contains(p.AllowedSiteTypes, t)
}

// CampaignProfile はマッチングに必要なキャンペーン情報
type CampaignProfile struct {
	ID                uuid.UUID  `json:"id"`
	Name              string     `json:"name"`
	CategoryID        *uuid.UUID `json:"category_id"`
	SubcategoryID     *uuid.UUID `json:"subcategory_id"`
	Plan              PlanLimits `json:"-"`
	DailyLimit        *int       `json:"daily_limit,omitempty"`
	TotalLimit        *int       `json:"total_limit,omitempty"`
	PerSiteDailyLimit *int       `json:"per_site_daily_limit,omitempty"`
}

// HasCategory はカテゴリまたはサブカテゴリが設定されているかを返す
func (c *CampaignProfile) HasCategory() bool {
	return c.CategoryID != nil || c.SubcategoryID != nil
}

// CategoryIDs は設定済みのカテゴリ ID を返す
func (c *CampaignProfile) CategoryIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, 2)
	if c.CategoryID != nil {
		ids = append(ids, *c.CategoryID)
	}
	if c.SubcategoryID != nil {
		ids = append(ids, *c.SubcategoryID)
	}
	return ids
}

// MatchResult はキャンペーン向けマッチングの結果
type MatchResult struct {
	Opportunities []*Opportunity
	Campaign      *CampaignProfile
	PlanLimits    PlanLimits
}
