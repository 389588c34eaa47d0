package opportunity

import (
	"slices"

	"github.com/google/uuid"
)

// MatchInput はマッチングの入力
type MatchInput struct {
	Campaign *CampaignProfile
	// SiteType は任意の明示フィルタ（空なら未指定）
	SiteType SiteType
	Count    int
	// UsageToday は候補ごとの本日作成済みバックリンク数（全キャンペーン合計）
	UsageToday map[uuid.UUID]int
	// CampaignUsageToday は候補ごとの本日作成済みバックリンク数（このキャンペーンのみ）
	CampaignUsageToday map[uuid.UUID]int
}

// Match はフィルタチェーンを適用し、最も長く使われていない順に最大 Count 件を返す。
// 入力スライスは変更しない。カテゴリのないキャンペーンは ErrCategoryRequired。
func Match(candidates []*Opportunity, in MatchInput) ([]*Opportunity, error) {
	if in.Campaign == nil || !in.Campaign.HasCategory() {
		return nil, ErrCategoryRequired
	}
	if in.Count <= 0 {
		return []*Opportunity{}, nil
	}

	plan := in.Campaign.Plan
	categories := in.Campaign.CategoryIDs()

	eligible := make([]*Opportunity, 0, len(candidates))
	seen := make(map[uuid.UUID]struct{}, len(candidates))
	for _, o := range candidates {
		if _, dup := seen[o.ID]; dup {
			continue
		}
		if !isEligible(o, in, plan, categories) {
			continue
		}
		seen[o.ID] = struct{}{}
		eligible = append(eligible, o)
	}

	slices.SortStableFunc(eligible, compareLeastRecentlyUsed)

	if len(eligible) > in.Count {
		eligible = eligible[:in.Count]
	}
	return eligible, nil
}

func isEligible(o *Opportunity, in MatchInput, plan PlanLimits, categories []uuid.UUID) bool {
	if o.Status != StatusActive {
		return false
	}
	if !plan.AllowsSiteType(o.SiteType) {
		return false
	}
	if in.SiteType != "" && o.SiteType != in.SiteType {
		return false
	}
	if !o.InCategory(categories...) {
		return false
	}
	// PA/DA が null の候補は範囲チェックを通過させない
	if o.PA == nil || o.DA == nil {
		return false
	}
	if *o.PA < plan.MinPA || *o.PA > plan.MaxPA {
		return false
	}
	if *o.DA < plan.MinDA || *o.DA > plan.MaxDA {
		return false
	}
	if o.DailySiteLimit != nil && in.UsageToday[o.ID] >= *o.DailySiteLimit {
		return false
	}
	if limit := in.Campaign.PerSiteDailyLimit; limit != nil && in.CampaignUsageToday[o.ID] >= *limit {
		return false
	}
	return true
}

func compareLeastRecentlyUsed(a, b *Opportunity) int {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return -1
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return 1
	case a.LastUsedAt != nil && b.LastUsedAt != nil:
		if c := a.LastUsedAt.Compare(*b.LastUsedAt); c != 0 {
			return c
		}
	}
	return slices.Compare(a.ID[:], b.ID[:])
}
