package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/linkforge/pkg/lock"
)

// Repositories は全リポジトリを同じ接続（プールまたはトランザクション）上に束ねる
type Repositories struct {
	Proxies       *ProxyRepository
	Opportunities *OpportunityRepository
	Accounts      *AccountRepository
	Campaigns     *CampaignRepository
	Jobs          *JobRepository
	Ledger        *LedgerRepository
}

// NewRepositories は db 上の全リポジトリを作成します
func NewRepositories(db DBTX) *Repositories {
	return &Repositories{
		Proxies:       NewProxyRepository(db),
		Opportunities: NewOpportunityRepository(db),
		Accounts:      NewAccountRepository(db),
		Campaigns:     NewCampaignRepository(db),
		Jobs:          NewJobRepository(db),
		Ledger:        NewLedgerRepository(db),
	}
}

// TransactionProvider follows the pattern described in https://threedots.tech/post/database-transactions-in-go/
// It hides pgx transactions behind a callback that receives data-access adapters.
type TransactionProvider struct {
	pool *pgxpool.Pool
}

// NewTransactionProvider は新しいTransactionProviderを作成します
func NewTransactionProvider(pool *pgxpool.Pool) *TransactionProvider {
	return &TransactionProvider{pool: pool}
}

// Adapter bundles repository adapters that operate inside a single transaction.
type Adapter struct {
	*Repositories
	Locks *lock.Manager
}

func newAdapter(tx pgx.Tx) *Adapter {
	return &Adapter{
		Repositories: NewRepositories(tx),
		Locks:        lock.NewManager(tx),
	}
}

// Transact opens a transaction, builds adapters, and passes them to fn.
func Transact[T any](ctx context.Context, p *TransactionProvider, fn func(*Adapter) (T, error)) (T, error) {
	var zero T
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	adapters := newAdapter(tx)

	result, err := fn(adapters)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return zero, fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}
