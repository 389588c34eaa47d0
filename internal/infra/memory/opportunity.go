package memory

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/core/opportunity"
)

func cloneOpportunity(o *opportunity.Opportunity) *opportunity.Opportunity {
	out := *o
	out.PA = clonePtr(o.PA)
	out.DA = clonePtr(o.DA)
	out.DailySiteLimit = clonePtr(o.DailySiteLimit)
	out.LastUsedAt = clonePtr(o.LastUsedAt)
	out.CategoryIDs = slices.Clone(o.CategoryIDs)
	return &out
}

// GetOpportunity は候補サイトを取得する
func (s *Store) GetOpportunity(_ context.Context, id uuid.UUID) (mo.Option[*opportunity.Opportunity], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.opportunities[id]
	if !ok {
		return mo.None[*opportunity.Opportunity](), nil
	}
	return mo.Some(cloneOpportunity(o)), nil
}

// ListOpportunities は候補サイト一覧を URL 順に返す
func (s *Store) ListOpportunities(_ context.Context, status *opportunity.Status) ([]*opportunity.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*opportunity.Opportunity, 0, len(s.opportunities))
	for _, o := range s.opportunities {
		if status != nil && o.Status != *status {
			continue
		}
		out = append(out, cloneOpportunity(o))
	}
	slices.SortFunc(out, func(a, b *opportunity.Opportunity) int {
		if a.URL < b.URL {
			return -1
		}
		if a.URL > b.URL {
			return 1
		}
		return 0
	})
	return out, nil
}

// ListMatchCandidates は active で種別・カテゴリが一致する候補を返す
func (s *Store) ListMatchCandidates(_ context.Context, filter opportunity.CandidateFilter) ([]*opportunity.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*opportunity.Opportunity{}
	for _, o := range s.opportunities {
		if o.Status != opportunity.StatusActive {
			continue
		}
		if len(filter.SiteTypes) > 0 && !slices.Contains(filter.SiteTypes, o.SiteType) {
			continue
		}
		if len(filter.CategoryIDs) > 0 && !o.InCategory(filter.CategoryIDs...) {
			continue
		}
		out = append(out, cloneOpportunity(o))
	}
	return out, nil
}

// UpsertOpportunity は候補サイトを作成または更新する
func (s *Store) UpsertOpportunity(_ context.Context, o *opportunity.Opportunity) (*opportunity.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.opportunities[o.ID]; ok {
		o.CreatedAt = existing.CreatedAt
		if o.LastUsedAt == nil {
			o.LastUsedAt = clonePtr(existing.LastUsedAt)
		}
	}
	s.opportunities[o.ID] = cloneOpportunity(o)
	return cloneOpportunity(o), nil
}

// SetOpportunityStatus は状態を更新する
func (s *Store) SetOpportunityStatus(_ context.Context, id uuid.UUID, status opportunity.Status, at time.Time) (*opportunity.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.opportunities[id]
	if !ok {
		return nil, opportunity.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = at
	return cloneOpportunity(o), nil
}

// TouchOpportunity は最終利用時刻を更新する
func (s *Store) TouchOpportunity(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.opportunities[id]
	if !ok {
		return opportunity.ErrNotFound
	}
	o.LastUsedAt = ptr(at)
	return nil
}

// CountBacklinksSince は候補ごとのバックリンク数を返す
func (s *Store) CountBacklinksSince(_ context.Context, ids []uuid.UUID, since time.Time) (map[uuid.UUID]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[uuid.UUID]int, len(ids))
	for _, b := range s.backlinks {
		if b.OpportunityID == nil || b.CreatedAt.Before(since) {
			continue
		}
		if slices.Contains(ids, *b.OpportunityID) {
			counts[*b.OpportunityID]++
		}
	}
	return counts, nil
}

// CountCampaignBacklinksBySite はキャンペーンの候補ごとのバックリンク数を返す
func (s *Store) CountCampaignBacklinksBySite(_ context.Context, campaignID uuid.UUID, ids []uuid.UUID, since time.Time) (map[uuid.UUID]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[uuid.UUID]int, len(ids))
	for _, b := range s.backlinks {
		if b.CampaignID != campaignID || b.OpportunityID == nil || b.CreatedAt.Before(since) {
			continue
		}
		if slices.Contains(ids, *b.OpportunityID) {
			counts[*b.OpportunityID]++
		}
	}
	return counts, nil
}

// CountCampaignBacklinks はキャンペーンのバックリンク総数を返す
func (s *Store) CountCampaignBacklinks(_ context.Context, campaignID uuid.UUID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.backlinks {
		if b.CampaignID == campaignID && !b.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
