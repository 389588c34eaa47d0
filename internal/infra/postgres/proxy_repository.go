package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/core/proxy"
)

const proxyColumns = `id, host, port, username, password, type, country, status, error_count, last_used_at, last_error_at, created_at`

// ProxyRepository は proxy.Repository の PostgreSQL 実装
type ProxyRepository struct {
	db DBTX
}

// NewProxyRepository は新しい ProxyRepository を作成します
func NewProxyRepository(db DBTX) *ProxyRepository {
	return &ProxyRepository{db: db}
}

// コンパイル時の型チェック
var _ proxy.Repository = (*ProxyRepository)(nil)

func scanProxy(row pgx.Row) (*proxy.Proxy, error) {
	var (
		p                 proxy.Proxy
		id                pgtype.UUID
		typ, status       string
		lastUsed, lastErr pgtype.Timestamptz
		createdAt         pgtype.Timestamptz
	)
	if err := row.Scan(&id, &p.Host, &p.Port, &p.Username, &p.Password, &typ, &p.Country, &status,
		&p.ErrorCount, &lastUsed, &lastErr, &createdAt); err != nil {
		return nil, err
	}
	p.ID = PgtypeToUUID(id)
	p.Type = proxy.Type(typ)
	p.Status = proxy.Status(status)
	p.LastUsedAt = PgtypeToTimePtr(lastUsed)
	p.LastErrorAt = PgtypeToTimePtr(lastErr)
	p.CreatedAt = PgtypeToTime(createdAt)
	return &p, nil
}

func collectProxies(rows pgx.Rows) ([]*proxy.Proxy, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*proxy.Proxy, error) {
		return scanProxy(row)
	})
}

// CreateProxy はプロキシを登録します
func (r *ProxyRepository) CreateProxy(ctx context.Context, p *proxy.Proxy) (*proxy.Proxy, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO proxies (`+proxyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+proxyColumns,
		UUIDToPgtype(p.ID), p.Host, p.Port, p.Username, p.Password, string(p.Type), p.Country, string(p.Status),
		p.ErrorCount, TimePtrToPgtype(p.LastUsedAt), TimePtrToPgtype(p.LastErrorAt), TimeToPgtype(p.CreatedAt),
	)
	created, err := scanProxy(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}
	return created, nil
}

// GetProxy は ID でプロキシを取得します
func (r *ProxyRepository) GetProxy(ctx context.Context, id uuid.UUID) (mo.Option[*proxy.Proxy], error) {
	p, err := scanProxy(r.db.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE id = $1`, UUIDToPgtype(id)))
	if err != nil {
		if isNoRows(err) {
			return mo.None[*proxy.Proxy](), nil
		}
		return mo.None[*proxy.Proxy](), fmt.Errorf("failed to get proxy: %w", err)
	}
	return mo.Some(p), nil
}

// ListProxies はプロキシ一覧を作成順に返します
func (r *ProxyRepository) ListProxies(ctx context.Context, status *proxy.Status) ([]*proxy.Proxy, error) {
	var filter pgtype.Text
	if status != nil {
		filter = pgtype.Text{String: string(*status), Valid: true}
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+proxyColumns+` FROM proxies
		WHERE $1::text IS NULL OR status = $1
		ORDER BY created_at, id`, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}
	proxies, err := collectProxies(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan proxies: %w", err)
	}
	return proxies, nil
}

// SelectProxy はエラー数が少なく最終利用が古いプロキシを 1 件返します
func (r *ProxyRepository) SelectProxy(ctx context.Context, filter proxy.Filter) (mo.Option[*proxy.Proxy], error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+proxyColumns+` FROM proxies
		WHERE status = 'active'
		  AND error_count < $1
		  AND ($2 = '' OR country = $2)
		  AND ($3 = '' OR type = $3)
		  AND NOT (id = ANY($4::uuid[]))
		ORDER BY error_count ASC, last_used_at ASC NULLS FIRST, id::text ASC
		LIMIT 1`,
		proxy.BlacklistThreshold, filter.Country, string(filter.Type), UUIDsToPgtype(filter.Exclude),
	)
	p, err := scanProxy(row)
	if err != nil {
		if isNoRows(err) {
			return mo.None[*proxy.Proxy](), nil
		}
		return mo.None[*proxy.Proxy](), fmt.Errorf("failed to select proxy: %w", err)
	}
	return mo.Some(p), nil
}

// TouchProxy は最終利用時刻を更新します
func (r *ProxyRepository) TouchProxy(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE proxies SET last_used_at = $2 WHERE id = $1`, UUIDToPgtype(id), TimeToPgtype(at))
	if err != nil {
		return fmt.Errorf("failed to touch proxy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return proxy.ErrNotFound
	}
	return nil
}

// IncrementProxyErrors はエラー数の加算とブラックリスト化を 1 つの UPDATE で行います
func (r *ProxyRepository) IncrementProxyErrors(ctx context.Context, id uuid.UUID, at time.Time, threshold int) (*proxy.Proxy, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE proxies SET
			error_count = error_count + 1,
			last_error_at = $2,
			status = CASE WHEN error_count + 1 >= $3 THEN 'blacklisted' ELSE status END
		WHERE id = $1
		RETURNING `+proxyColumns,
		UUIDToPgtype(id), TimeToPgtype(at), threshold,
	)
	return r.one(row, "increment proxy errors")
}

// ResetProxyErrors はエラー数を 0 にして active に戻します
func (r *ProxyRepository) ResetProxyErrors(ctx context.Context, id uuid.UUID) (*proxy.Proxy, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE proxies SET error_count = 0, status = 'active'
		WHERE id = $1
		RETURNING `+proxyColumns,
		UUIDToPgtype(id),
	)
	return r.one(row, "reset proxy errors")
}

// SetProxyStatus は状態を更新します。blacklisted の行は ResetProxyErrors 以外では変わりません
func (r *ProxyRepository) SetProxyStatus(ctx context.Context, id uuid.UUID, status proxy.Status) (*proxy.Proxy, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE proxies SET status = CASE WHEN status = 'blacklisted' THEN status ELSE $2 END
		WHERE id = $1
		RETURNING `+proxyColumns,
		UUIDToPgtype(id), string(status),
	)
	return r.one(row, "set proxy status")
}

func (r *ProxyRepository) one(row pgx.Row, op string) (*proxy.Proxy, error) {
	p, err := scanProxy(row)
	if err != nil {
		if isNoRows(err) {
			return nil, proxy.ErrNotFound
		}
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return p, nil
}
