package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/core/campaign"
)

const campaignColumns = `id, user_id, domain_id, name, status, rules, plan, totals, paused_reason, created_at, updated_at`

const targetColumns = `id, campaign_id, url, url_hash, anchor_text, link_url, source, metadata, created_at`

// CampaignRepository は campaign.Repository の PostgreSQL 実装。
// rules / plan / totals は JSONB 列に保存する。
type CampaignRepository struct {
	db DBTX
}

// NewCampaignRepository は新しい CampaignRepository を作成します
func NewCampaignRepository(db DBTX) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// コンパイル時の型チェック
var _ campaign.Repository = (*CampaignRepository)(nil)

func scanCampaign(row pgx.Row) (*campaign.Campaign, error) {
	var (
		c                    campaign.Campaign
		id, userID, domainID pgtype.UUID
		status               string
		pausedReason         pgtype.Text
		createdAt, updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &userID, &domainID, &c.Name, &status, &c.Rules, &c.Plan, &c.Totals,
		&pausedReason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.ID = PgtypeToUUID(id)
	c.UserID = PgtypeToUUID(userID)
	c.DomainID = PgtypeToUUID(domainID)
	c.Status = campaign.Status(status)
	if pausedReason.Valid {
		r := campaign.PausedReason(pausedReason.String)
		c.PausedReason = &r
	}
	c.CreatedAt = PgtypeToTime(createdAt)
	c.UpdatedAt = PgtypeToTime(updatedAt)
	return &c, nil
}

func pausedReasonToPgtext(r *campaign.PausedReason) pgtype.Text {
	if r == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: string(*r), Valid: true}
}

func scanTarget(row pgx.Row) (*campaign.Target, error) {
	var (
		t              campaign.Target
		id, campaignID pgtype.UUID
		source         string
		createdAt      pgtype.Timestamptz
	)
	if err := row.Scan(&id, &campaignID, &t.URL, &t.URLHash, &t.AnchorText, &t.LinkURL, &source,
		&t.Metadata, &createdAt); err != nil {
		return nil, err
	}
	t.ID = PgtypeToUUID(id)
	t.CampaignID = PgtypeToUUID(campaignID)
	t.Source = campaign.TargetSource(source)
	t.CreatedAt = PgtypeToTime(createdAt)
	return &t, nil
}

// CreateCampaign はキャンペーンを登録します
func (r *CampaignRepository) CreateCampaign(ctx context.Context, c *campaign.Campaign) (*campaign.Campaign, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+campaignColumns,
		UUIDToPgtype(c.ID), UUIDToPgtype(c.UserID), UUIDToPgtype(c.DomainID), c.Name, string(c.Status),
		c.Rules, c.Plan, c.Totals, pausedReasonToPgtext(c.PausedReason),
		TimeToPgtype(c.CreatedAt), TimeToPgtype(c.UpdatedAt),
	)
	created, err := scanCampaign(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}
	return created, nil
}

// GetCampaign は ID でキャンペーンを取得します
func (r *CampaignRepository) GetCampaign(ctx context.Context, id uuid.UUID) (mo.Option[*campaign.Campaign], error) {
	return r.optional(r.db.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, UUIDToPgtype(id)), "get campaign")
}

// ListCampaigns はキャンペーン一覧を作成順に返します
func (r *CampaignRepository) ListCampaigns(ctx context.Context, status *campaign.Status) ([]*campaign.Campaign, error) {
	var filter pgtype.Text
	if status != nil {
		filter = pgtype.Text{String: string(*status), Valid: true}
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE $1::text IS NULL OR status = $1
		ORDER BY created_at, id`, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*campaign.Campaign, error) {
		return scanCampaign(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan campaigns: %w", err)
	}
	return out, nil
}

// TransitionCampaign は現在の状態が t.From に含まれる場合のみ遷移させます
func (r *CampaignRepository) TransitionCampaign(ctx context.Context, id uuid.UUID, t campaign.Transition) (mo.Option[*campaign.Campaign], error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	return r.optional(r.db.QueryRow(ctx, `
		UPDATE campaigns SET status = $3, paused_reason = $4, updated_at = $5
		WHERE id = $1 AND status = ANY($2::text[])
		RETURNING `+campaignColumns,
		UUIDToPgtype(id), from, string(t.To), pausedReasonToPgtext(t.PausedReason), TimeToPgtype(t.At),
	), "transition campaign")
}

// UpdateTotals は集計値を上書きします
func (r *CampaignRepository) UpdateTotals(ctx context.Context, id uuid.UUID, totals campaign.Totals) (*campaign.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRow(ctx, `
		UPDATE campaigns SET totals = $2
		WHERE id = $1
		RETURNING `+campaignColumns,
		UUIDToPgtype(id), totals,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, campaign.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update campaign totals: %w", err)
	}
	return c, nil
}

// InsertTargets は URL ハッシュが未登録のターゲットのみ挿入し、挿入できたものを返します
func (r *CampaignRepository) InsertTargets(ctx context.Context, targets []*campaign.Target) ([]*campaign.Target, error) {
	inserted := []*campaign.Target{}
	if len(targets) == 0 {
		return inserted, nil
	}

	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, t := range targets {
			metadata := t.Metadata
			if metadata == nil {
				metadata = map[string]string{}
			}
			batch.Queue(`
				INSERT INTO targets (`+targetColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (campaign_id, url_hash) DO NOTHING
				RETURNING `+targetColumns,
				UUIDToPgtype(t.ID), UUIDToPgtype(t.CampaignID), t.URL, t.URLHash, t.AnchorText, t.LinkURL,
				string(t.Source), metadata, TimeToPgtype(t.CreatedAt),
			)
		}

		results := tx.SendBatch(ctx, batch)
		for range targets {
			t, err := scanTarget(results.QueryRow())
			if err != nil {
				if isNoRows(err) {
					continue // 既存の URL
				}
				_ = results.Close()
				return fmt.Errorf("failed to insert target: %w", err)
			}
			inserted = append(inserted, t)
		}
		return results.Close()
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// ListTargets はキャンペーンのターゲットを作成順に返します
func (r *CampaignRepository) ListTargets(ctx context.Context, campaignID uuid.UUID) ([]*campaign.Target, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+targetColumns+` FROM targets
		WHERE campaign_id = $1
		ORDER BY created_at, id`, UUIDToPgtype(campaignID))
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*campaign.Target, error) {
		return scanTarget(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan targets: %w", err)
	}
	return out, nil
}

func (r *CampaignRepository) optional(row pgx.Row, op string) (mo.Option[*campaign.Campaign], error) {
	c, err := scanCampaign(row)
	if err != nil {
		if isNoRows(err) {
			return mo.None[*campaign.Campaign](), nil
		}
		return mo.None[*campaign.Campaign](), fmt.Errorf("failed to %s: %w", op, err)
	}
	return mo.Some(c), nil
}
