package memory

import (
	"context"
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/core/campaign"
)

func cloneCampaign(c *campaign.Campaign) *campaign.Campaign {
	out := *c
	out.Rules.AllowedActions = slices.Clone(c.Rules.AllowedActions)
	out.Rules.CategoryID = clonePtr(c.Rules.CategoryID)
	out.Rules.SubcategoryID = clonePtr(c.Rules.SubcategoryID)
	out.Rules.DailyLimit = clonePtr(c.Rules.DailyLimit)
	out.Rules.TotalLimit = clonePtr(c.Rules.TotalLimit)
	out.Rules.PerSiteDailyLimit = clonePtr(c.Rules.PerSiteDailyLimit)
	out.Rules.Schedule = clonePtr(c.Rules.Schedule)
	out.Plan.AllowedSiteTypes = slices.Clone(c.Plan.AllowedSiteTypes)
	out.Totals.RecomputedAt = clonePtr(c.Totals.RecomputedAt)
	out.PausedReason = clonePtr(c.PausedReason)
	return &out
}

func cloneTarget(t *campaign.Target) *campaign.Target {
	out := *t
	out.Metadata = maps.Clone(t.Metadata)
	return &out
}

// CreateCampaign はキャンペーンを保存する
func (s *Store) CreateCampaign(_ context.Context, c *campaign.Campaign) (*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = cloneCampaign(c)
	return cloneCampaign(c), nil
}

// GetCampaign はキャンペーンを取得する
func (s *Store) GetCampaign(_ context.Context, id uuid.UUID) (mo.Option[*campaign.Campaign], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return mo.None[*campaign.Campaign](), nil
	}
	return mo.Some(cloneCampaign(c)), nil
}

// ListCampaigns はキャンペーン一覧を作成順に返す
func (s *Store) ListCampaigns(_ context.Context, status *campaign.Status) ([]*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*campaign.Campaign{}
	for _, c := range s.campaigns {
		if status != nil && c.Status != *status {
			continue
		}
		out = append(out, cloneCampaign(c))
	}
	slices.SortFunc(out, func(a, b *campaign.Campaign) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// TransitionCampaign は現在の状態が t.From に含まれる場合のみ遷移させる
func (s *Store) TransitionCampaign(_ context.Context, id uuid.UUID, t campaign.Transition) (mo.Option[*campaign.Campaign], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || !slices.Contains(t.From, c.Status) {
		return mo.None[*campaign.Campaign](), nil
	}
	c.Status = t.To
	c.PausedReason = clonePtr(t.PausedReason)
	c.UpdatedAt = t.At
	return mo.Some(cloneCampaign(c)), nil
}

// UpdateTotals は集計値を上書きする
func (s *Store) UpdateTotals(_ context.Context, id uuid.UUID, totals campaign.Totals) (*campaign.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	c.Totals = totals
	c.Totals.RecomputedAt = clonePtr(totals.RecomputedAt)
	return cloneCampaign(c), nil
}

// InsertTargets は URL ハッシュが未登録のターゲットのみ挿入する
func (s *Store) InsertTargets(_ context.Context, targets []*campaign.Target) ([]*campaign.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := map[string]struct{}{}
	for _, t := range s.targets {
		existing[t.CampaignID.String()+t.URLHash] = struct{}{}
	}

	inserted := []*campaign.Target{}
	for _, t := range targets {
		key := t.CampaignID.String() + t.URLHash
		if _, dup := existing[key]; dup {
			continue
		}
		existing[key] = struct{}{}
		s.targets[t.ID] = cloneTarget(t)
		inserted = append(inserted, cloneTarget(t))
	}
	return inserted, nil
}

// ListTargets はキャンペーンのターゲットを作成順に返す
func (s *Store) ListTargets(_ context.Context, campaignID uuid.UUID) ([]*campaign.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*campaign.Target{}
	for _, t := range s.targets {
		if t.CampaignID == campaignID {
			out = append(out, cloneTarget(t))
		}
	}
	slices.SortFunc(out, func(a, b *campaign.Target) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
	return out, nil
}
