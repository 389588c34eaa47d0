// Package memory はプロセス内で完結するリポジトリ実装を提供する。
// すべての条件付き更新は 1 つのミューテックスの下で行われ、
// PostgreSQL 実装と同じ原子性を持つ。テストと --memory 開発モードで使う。
package memory

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jinford/linkforge/internal/core/account"
	"github.com/jinford/linkforge/internal/core/campaign"
	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/ledger"
	"github.com/jinford/linkforge/internal/core/opportunity"
	"github.com/jinford/linkforge/internal/core/proxy"
)

// Store は全リポジトリを実装するインメモリストア
type Store struct {
	mu sync.Mutex

	proxies       map[uuid.UUID]*proxy.Proxy
	opportunities map[uuid.UUID]*opportunity.Opportunity
	accounts      map[uuid.UUID]*account.SiteAccount
	campaigns     map[uuid.UUID]*campaign.Campaign
	targets       map[uuid.UUID]*campaign.Target
	jobs          map[uuid.UUID]*job.Job
	logs          []*job.Log
	backlinks     map[uuid.UUID]*job.Backlink
	ledger        []*ledger.Entry
}

var (
	_ proxy.Repository       = (*Store)(nil)
	_ opportunity.Repository = (*Store)(nil)
	_ account.Repository     = (*Store)(nil)
	_ campaign.Repository    = (*Store)(nil)
	_ job.Repository         = (*Store)(nil)
	_ ledger.Repository      = (*Store)(nil)
)

// New は空の Store を作成する
func New() *Store {
	return &Store{
		proxies:       map[uuid.UUID]*proxy.Proxy{},
		opportunities: map[uuid.UUID]*opportunity.Opportunity{},
		accounts:      map[uuid.UUID]*account.SiteAccount{},
		campaigns:     map[uuid.UUID]*campaign.Campaign{},
		targets:       map[uuid.UUID]*campaign.Target{},
		jobs:          map[uuid.UUID]*job.Job{},
		backlinks:     map[uuid.UUID]*job.Backlink{},
	}
}

func ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
