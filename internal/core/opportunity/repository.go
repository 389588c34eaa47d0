package opportunity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// CandidateFilter はストレージ側で行う粗い絞り込み条件。
// 最終的な判定は常に Match が行う。
type CandidateFilter struct {
	SiteTypes   []SiteType
	CategoryIDs []uuid.UUID
}

// Repository は候補サイトカタログとバックリンク件数の参照を抽象化する
type Repository interface {
	GetOpportunity(ctx context.Context, id uuid.UUID) (mo.Option[*Opportunity], error)
	ListOpportunities(ctx context.Context, status *Status) ([]*Opportunity, error)
	ListMatchCandidates(ctx context.Context, filter CandidateFilter) ([]*Opportunity, error)
	UpsertOpportunity(ctx context.Context, o *Opportunity) (*Opportunity, error)
	SetOpportunityStatus(ctx context.Context, id uuid.UUID, status Status, at time.Time) (*Opportunity, error)
	TouchOpportunity(ctx context.Context, id uuid.UUID, at time.Time) error

	// CountBacklinksSince は since 以降に作成されたバックリンク数を候補ごとに返す
	CountBacklinksSince(ctx context.Context, ids []uuid.UUID, since time.Time) (map[uuid.UUID]int, error)
	// CountCampaignBacklinksBySite は since 以降にキャンペーンが候補ごとに作成したバックリンク数を返す
	CountCampaignBacklinksBySite(ctx context.Context, campaignID uuid.UUID, ids []uuid.UUID, since time.Time) (map[uuid.UUID]int, error)
	// CountCampaignBacklinks は since 以降にキャンペーンが作成したバックリンク総数を返す
	CountCampaignBacklinks(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error)
}

// CampaignSource はマッチングに必要なキャンペーン情報の取得元
type CampaignSource interface {
	MatchProfile(ctx context.Context, campaignID uuid.UUID) (*CampaignProfile, error)
}
