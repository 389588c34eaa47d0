package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/core/opportunity"
)

const opportunityColumns = `id, url, domain, pa, da, site_type, status, daily_site_limit, category_ids, last_used_at, created_at, updated_at`

// OpportunityRepository は opportunity.Repository の PostgreSQL 実装
type OpportunityRepository struct {
	db DBTX
}

// NewOpportunityRepository は新しい OpportunityRepository を作成します
func NewOpportunityRepository(db DBTX) *OpportunityRepository {
	return &OpportunityRepository{db: db}
}

// コンパイル時の型チェック
var _ opportunity.Repository = (*OpportunityRepository)(nil)

func scanOpportunity(row pgx.Row) (*opportunity.Opportunity, error) {
	var (
		o                    opportunity.Opportunity
		id                   pgtype.UUID
		pa, da, limit        pgtype.Int4
		siteType, status     string
		categoryIDs          []pgtype.UUID
		lastUsed             pgtype.Timestamptz
		createdAt, updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &o.URL, &o.Domain, &pa, &da, &siteType, &status, &limit, &categoryIDs,
		&lastUsed, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	o.ID = PgtypeToUUID(id)
	o.PA = PgtypeToIntPtr(pa)
	o.DA = PgtypeToIntPtr(da)
	o.SiteType = opportunity.SiteType(siteType)
	o.Status = opportunity.Status(status)
	o.DailySiteLimit = PgtypeToIntPtr(limit)
	o.CategoryIDs = PgtypeToUUIDs(categoryIDs)
	o.LastUsedAt = PgtypeToTimePtr(lastUsed)
	o.CreatedAt = PgtypeToTime(createdAt)
	o.UpdatedAt = PgtypeToTime(updatedAt)
	return &o, nil
}

func collectOpportunities(rows pgx.Rows) ([]*opportunity.Opportunity, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*opportunity.Opportunity, error) {
		return scanOpportunity(row)
	})
}

// GetOpportunity は ID で候補サイトを取得します
func (r *OpportunityRepository) GetOpportunity(ctx context.Context, id uuid.UUID) (mo.Option[*opportunity.Opportunity], error) {
	o, err := scanOpportunity(r.db.QueryRow(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`, UUIDToPgtype(id)))
	if err != nil {
		if isNoRows(err) {
			return mo.None[*opportunity.Opportunity](), nil
		}
		return mo.None[*opportunity.Opportunity](), fmt.Errorf("failed to get opportunity: %w", err)
	}
	return mo.Some(o), nil
}

// ListOpportunities は候補サイト一覧を URL 順に返します
func (r *OpportunityRepository) ListOpportunities(ctx context.Context, status *opportunity.Status) ([]*opportunity.Opportunity, error) {
	var filter pgtype.Text
	if status != nil {
		filter = pgtype.Text{String: string(*status), Valid: true}
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+opportunityColumns+` FROM opportunities
		WHERE $1::text IS NULL OR status = $1
		ORDER BY url`, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list opportunities: %w", err)
	}
	out, err := collectOpportunities(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan opportunities: %w", err)
	}
	return out, nil
}

// ListMatchCandidates は active で種別・カテゴリが一致する候補を返します
func (r *OpportunityRepository) ListMatchCandidates(ctx context.Context, filter opportunity.CandidateFilter) ([]*opportunity.Opportunity, error) {
	siteTypes := make([]string, len(filter.SiteTypes))
	for i, t := range filter.SiteTypes {
		siteTypes[i] = string(t)
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+opportunityColumns+` FROM opportunities
		WHERE status = 'active'
		  AND (cardinality($1::text[]) = 0 OR site_type = ANY($1::text[]))
		  AND (cardinality($2::uuid[]) = 0 OR category_ids && $2::uuid[])`,
		siteTypes, UUIDsToPgtype(filter.CategoryIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list match candidates: %w", err)
	}
	out, err := collectOpportunities(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan match candidates: %w", err)
	}
	return out, nil
}

// UpsertOpportunity は候補サイトを作成または更新します。既存行の created_at は保持します。
func (r *OpportunityRepository) UpsertOpportunity(ctx context.Context, o *opportunity.Opportunity) (*opportunity.Opportunity, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO opportunities (`+opportunityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			domain = EXCLUDED.domain,
			pa = EXCLUDED.pa,
			da = EXCLUDED.da,
			site_type = EXCLUDED.site_type,
			status = EXCLUDED.status,
			daily_site_limit = EXCLUDED.daily_site_limit,
			category_ids = EXCLUDED.category_ids,
			last_used_at = COALESCE(EXCLUDED.last_used_at, opportunities.last_used_at),
			updated_at = EXCLUDED.updated_at
		RETURNING `+opportunityColumns,
		UUIDToPgtype(o.ID), o.URL, o.Domain, IntPtrToPgtype(o.PA), IntPtrToPgtype(o.DA), string(o.SiteType),
		string(o.Status), IntPtrToPgtype(o.DailySiteLimit), UUIDsToPgtype(o.CategoryIDs),
		TimePtrToPgtype(o.LastUsedAt), TimeToPgtype(o.CreatedAt), TimeToPgtype(o.UpdatedAt),
	)
	saved, err := scanOpportunity(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert opportunity: %w", err)
	}
	return saved, nil
}

// SetOpportunityStatus は状態を更新します
func (r *OpportunityRepository) SetOpportunityStatus(ctx context.Context, id uuid.UUID, status opportunity.Status, at time.Time) (*opportunity.Opportunity, error) {
	o, err := scanOpportunity(r.db.QueryRow(ctx, `
		UPDATE opportunities SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+opportunityColumns,
		UUIDToPgtype(id), string(status), TimeToPgtype(at),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, opportunity.ErrNotFound
		}
		return nil, fmt.Errorf("failed to set opportunity status: %w", err)
	}
	return o, nil
}

// TouchOpportunity は最終利用時刻を更新します
func (r *OpportunityRepository) TouchOpportunity(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE opportunities SET last_used_at = $2 WHERE id = $1`, UUIDToPgtype(id), TimeToPgtype(at))
	if err != nil {
		return fmt.Errorf("failed to touch opportunity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return opportunity.ErrNotFound
	}
	return nil
}

// CountBacklinksSince は since 以降のバックリンク数を候補ごとに返します
func (r *OpportunityRepository) CountBacklinksSince(ctx context.Context, ids []uuid.UUID, since time.Time) (map[uuid.UUID]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT opportunity_id, count(*) FROM backlinks
		WHERE opportunity_id = ANY($1::uuid[]) AND created_at >= $2
		GROUP BY opportunity_id`,
		UUIDsToPgtype(ids), TimeToPgtype(since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count backlinks: %w", err)
	}
	return collectCounts(rows)
}

// CountCampaignBacklinksBySite はキャンペーンの候補ごとのバックリンク数を返します
func (r *OpportunityRepository) CountCampaignBacklinksBySite(ctx context.Context, campaignID uuid.UUID, ids []uuid.UUID, since time.Time) (map[uuid.UUID]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT opportunity_id, count(*) FROM backlinks
		WHERE campaign_id = $1 AND opportunity_id = ANY($2::uuid[]) AND created_at >= $3
		GROUP BY opportunity_id`,
		UUIDToPgtype(campaignID), UUIDsToPgtype(ids), TimeToPgtype(since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count campaign backlinks by site: %w", err)
	}
	return collectCounts(rows)
}

// CountCampaignBacklinks はキャンペーンのバックリンク総数を返します
func (r *OpportunityRepository) CountCampaignBacklinks(ctx context.Context, campaignID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT count(*) FROM backlinks WHERE campaign_id = $1 AND created_at >= $2`,
		UUIDToPgtype(campaignID), TimeToPgtype(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count campaign backlinks: %w", err)
	}
	return n, nil
}

func collectCounts(rows pgx.Rows) (map[uuid.UUID]int, error) {
	counts := map[uuid.UUID]int{}
	var (
		id pgtype.UUID
		n  int
	)
	_, err := pgx.ForEachRow(rows, []any{&id, &n}, func() error {
		counts[PgtypeToUUID(id)] = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan counts: %w", err)
	}
	return counts, nil
}
