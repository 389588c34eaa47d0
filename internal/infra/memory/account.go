package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/core/account"
)

func cloneAccount(a *account.SiteAccount) *account.SiteAccount {
	out := *a
	out.EmailVerificationStatus = clonePtr(a.EmailVerificationStatus)
	out.VerifiedAt = clonePtr(a.VerifiedAt)
	return &out
}

// CreateAccount はアカウントを保存する。(user, domain, campaign) は一意。
func (s *Store) CreateAccount(_ context.Context, a *account.SiteAccount) (*account.SiteAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.UserID == a.UserID && existing.SiteDomain == a.SiteDomain && existing.CampaignID == a.CampaignID {
			return nil, fmt.Errorf("%w: %s", account.ErrAlreadyExists, a.SiteDomain)
		}
	}
	s.accounts[a.ID] = cloneAccount(a)
	return cloneAccount(a), nil
}

// GetAccount はアカウントを取得する
func (s *Store) GetAccount(_ context.Context, id uuid.UUID) (mo.Option[*account.SiteAccount], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return mo.None[*account.SiteAccount](), nil
	}
	return mo.Some(cloneAccount(a)), nil
}

// FindAccount は一意キーでアカウントを検索する
func (s *Store) FindAccount(_ context.Context, key account.Key) (mo.Option[*account.SiteAccount], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.UserID == key.UserID && a.SiteDomain == key.SiteDomain && a.CampaignID == key.CampaignID {
			return mo.Some(cloneAccount(a)), nil
		}
	}
	return mo.None[*account.SiteAccount](), nil
}

// ListAccounts はキャンペーンのアカウントを作成順に返す
func (s *Store) ListAccounts(_ context.Context, campaignID uuid.UUID) ([]*account.SiteAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*account.SiteAccount{}
	for _, a := range s.accounts {
		if a.CampaignID == campaignID {
			out = append(out, cloneAccount(a))
		}
	}
	slices.SortFunc(out, func(a, b *account.SiteAccount) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// TransitionAccount は現在の状態が t.From に含まれる場合のみ遷移させる
func (s *Store) TransitionAccount(_ context.Context, id uuid.UUID, t account.Transition) (mo.Option[*account.SiteAccount], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || !slices.Contains(t.From, a.Status) {
		return mo.None[*account.SiteAccount](), nil
	}
	a.Status = t.To
	if t.EmailStatus != nil {
		a.EmailVerificationStatus = clonePtr(t.EmailStatus)
	}
	if t.FailureReason != "" {
		a.FailureReason = t.FailureReason
	}
	if t.VerifiedAt != nil {
		a.VerifiedAt = clonePtr(t.VerifiedAt)
	}
	a.UpdatedAt = t.At
	return mo.Some(cloneAccount(a)), nil
}

// ListWaitingSince は before より前からメール認証待ちのアカウントを返す
func (s *Store) ListWaitingSince(_ context.Context, before time.Time) ([]*account.SiteAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*account.SiteAccount{}
	for _, a := range s.accounts {
		if a.Status == account.StatusWaitingEmail && a.UpdatedAt.Before(before) {
			out = append(out, cloneAccount(a))
		}
	}
	return out, nil
}
