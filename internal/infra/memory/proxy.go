package memory

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/core/proxy"
)

func cloneProxy(p *proxy.Proxy) *proxy.Proxy {
	out := *p
	out.LastUsedAt = clonePtr(p.LastUsedAt)
	out.LastErrorAt = clonePtr(p.LastErrorAt)
	return &out
}

// CreateProxy はプロキシを保存する
func (s *Store) CreateProxy(_ context.Context, p *proxy.Proxy) (*proxy.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies[p.ID] = cloneProxy(p)
	return cloneProxy(p), nil
}

// GetProxy はプロキシを取得する
func (s *Store) GetProxy(_ context.Context, id uuid.UUID) (mo.Option[*proxy.Proxy], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return mo.None[*proxy.Proxy](), nil
	}
	return mo.Some(cloneProxy(p)), nil
}

// ListProxies はプロキシ一覧を作成順に返す
func (s *Store) ListProxies(_ context.Context, status *proxy.Status) ([]*proxy.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*proxy.Proxy, 0, len(s.proxies))
	for _, p := range s.proxies {
		if status != nil && p.Status != *status {
			continue
		}
		out = append(out, cloneProxy(p))
	}
	slices.SortFunc(out, func(a, b *proxy.Proxy) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// SelectProxy は選択順で先頭のプロキシを返す
func (s *Store) SelectProxy(_ context.Context, filter proxy.Filter) (mo.Option[*proxy.Proxy], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *proxy.Proxy
	for _, p := range s.proxies {
		if !p.Selectable() || !filter.Matches(p) {
			continue
		}
		if best == nil || proxy.Less(p, best) {
			best = p
		}
	}
	if best == nil {
		return mo.None[*proxy.Proxy](), nil
	}
	return mo.Some(cloneProxy(best)), nil
}

// TouchProxy は最終利用時刻を更新する
func (s *Store) TouchProxy(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return proxy.ErrNotFound
	}
	p.LastUsedAt = ptr(at)
	return nil
}

// IncrementProxyErrors はエラー数を加算し、閾値到達でブラックリスト化する
func (s *Store) IncrementProxyErrors(_ context.Context, id uuid.UUID, at time.Time, threshold int) (*proxy.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return nil, proxy.ErrNotFound
	}
	p.ErrorCount++
	p.LastErrorAt = ptr(at)
	if p.ErrorCount >= threshold {
		p.Status = proxy.StatusBlacklisted
	}
	return cloneProxy(p), nil
}

// ResetProxyErrors はエラー数を 0 にして active に戻す
func (s *Store) ResetProxyErrors(_ context.Context, id uuid.UUID) (*proxy.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return nil, proxy.ErrNotFound
	}
	p.ErrorCount = 0
	p.Status = proxy.StatusActive
	return cloneProxy(p), nil
}

// SetProxyStatus は状態を更新する。blacklisted は ResetProxyErrors 以外では変えない。
func (s *Store) SetProxyStatus(_ context.Context, id uuid.UUID, status proxy.Status) (*proxy.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return nil, proxy.ErrNotFound
	}
	if p.Status != proxy.StatusBlacklisted {
		p.Status = status
	}
	return cloneProxy(p), nil
}
