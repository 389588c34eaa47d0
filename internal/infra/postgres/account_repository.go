package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/core/account"
)

const accountColumns = `id, user_id, campaign_id, site_domain, username, email, password_cipher, status,
	email_verification_status, failure_reason, created_at, updated_at, verified_at`

// AccountRepository は account.Repository の PostgreSQL 実装
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository は新しい AccountRepository を作成します
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

// コンパイル時の型チェック
var _ account.Repository = (*AccountRepository)(nil)

func scanAccount(row pgx.Row) (*account.SiteAccount, error) {
	var (
		a                      account.SiteAccount
		id, userID, campaignID pgtype.UUID
		status                 string
		emailStatus            pgtype.Text
		createdAt, updatedAt   pgtype.Timestamptz
		verifiedAt             pgtype.Timestamptz
	)
	if err := row.Scan(&id, &userID, &campaignID, &a.SiteDomain, &a.Username, &a.Email, &a.PasswordCipher,
		&status, &emailStatus, &a.FailureReason, &createdAt, &updatedAt, &verifiedAt); err != nil {
		return nil, err
	}
	a.ID = PgtypeToUUID(id)
	a.UserID = PgtypeToUUID(userID)
	a.CampaignID = PgtypeToUUID(campaignID)
	a.Status = account.Status(status)
	if emailStatus.Valid {
		s := account.EmailStatus(emailStatus.String)
		a.EmailVerificationStatus = &s
	}
	a.CreatedAt = PgtypeToTime(createdAt)
	a.UpdatedAt = PgtypeToTime(updatedAt)
	a.VerifiedAt = PgtypeToTimePtr(verifiedAt)
	return &a, nil
}

func collectAccounts(rows pgx.Rows) ([]*account.SiteAccount, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*account.SiteAccount, error) {
		return scanAccount(row)
	})
}

func emailStatusToPgtext(s *account.EmailStatus) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: string(*s), Valid: true}
}

// CreateAccount はアカウントを登録します。(user, domain, campaign) の重複は ErrAlreadyExists
func (r *AccountRepository) CreateAccount(ctx context.Context, a *account.SiteAccount) (*account.SiteAccount, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO site_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+accountColumns,
		UUIDToPgtype(a.ID), UUIDToPgtype(a.UserID), UUIDToPgtype(a.CampaignID), a.SiteDomain, a.Username, a.Email,
		a.PasswordCipher, string(a.Status), emailStatusToPgtext(a.EmailVerificationStatus), a.FailureReason,
		TimeToPgtype(a.CreatedAt), TimeToPgtype(a.UpdatedAt), TimePtrToPgtype(a.VerifiedAt),
	)
	created, err := scanAccount(row)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", account.ErrAlreadyExists, a.SiteDomain)
		}
		return nil, fmt.Errorf("failed to create site account: %w", err)
	}
	return created, nil
}

// GetAccount は ID でアカウントを取得します
func (r *AccountRepository) GetAccount(ctx context.Context, id uuid.UUID) (mo.Option[*account.SiteAccount], error) {
	return r.optional(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM site_accounts WHERE id = $1`, UUIDToPgtype(id)), "get site account")
}

// FindAccount は一意キーでアカウントを検索します
func (r *AccountRepository) FindAccount(ctx context.Context, key account.Key) (mo.Option[*account.SiteAccount], error) {
	return r.optional(r.db.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM site_accounts
		WHERE user_id = $1 AND site_domain = $2 AND campaign_id = $3`,
		UUIDToPgtype(key.UserID), key.SiteDomain, UUIDToPgtype(key.CampaignID),
	), "find site account")
}

// ListAccounts はキャンペーンのアカウントを作成順に返します
func (r *AccountRepository) ListAccounts(ctx context.Context, campaignID uuid.UUID) ([]*account.SiteAccount, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+accountColumns+` FROM site_accounts
		WHERE campaign_id = $1
		ORDER BY created_at, id`, UUIDToPgtype(campaignID))
	if err != nil {
		return nil, fmt.Errorf("failed to list site accounts: %w", err)
	}
	out, err := collectAccounts(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan site accounts: %w", err)
	}
	return out, nil
}

// TransitionAccount は現在の状態が t.From に含まれる場合のみ遷移させます
func (r *AccountRepository) TransitionAccount(ctx context.Context, id uuid.UUID, t account.Transition) (mo.Option[*account.SiteAccount], error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	return r.optional(r.db.QueryRow(ctx, `
		UPDATE site_accounts SET
			status = $3,
			email_verification_status = COALESCE($4, email_verification_status),
			failure_reason = CASE WHEN $5 = '' THEN failure_reason ELSE $5 END,
			verified_at = COALESCE($6, verified_at),
			updated_at = $7
		WHERE id = $1 AND status = ANY($2::text[])
		RETURNING `+accountColumns,
		UUIDToPgtype(id), from, string(t.To), emailStatusToPgtext(t.EmailStatus), t.FailureReason,
		TimePtrToPgtype(t.VerifiedAt), TimeToPgtype(t.At),
	), "transition site account")
}

// ListWaitingSince は before より前からメール認証待ちのアカウントを返します
func (r *AccountRepository) ListWaitingSince(ctx context.Context, before time.Time) ([]*account.SiteAccount, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+accountColumns+` FROM site_accounts
		WHERE status = 'waiting_email' AND updated_at < $1
		ORDER BY updated_at`, TimeToPgtype(before))
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting site accounts: %w", err)
	}
	out, err := collectAccounts(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan waiting site accounts: %w", err)
	}
	return out, nil
}

func (r *AccountRepository) optional(row pgx.Row, op string) (mo.Option[*account.SiteAccount], error) {
	a, err := scanAccount(row)
	if err != nil {
		if isNoRows(err) {
			return mo.None[*account.SiteAccount](), nil
		}
		return mo.None[*account.SiteAccount](), fmt.Errorf("failed to %s: %w", op, err)
	}
	return mo.Some(a), nil
}
