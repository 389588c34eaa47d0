package account

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Transition は CAS で適用する状態遷移
type Transition struct {
	From          []Status
	To            Status
	EmailStatus   *EmailStatus
	FailureReason string
	VerifiedAt    *time.Time
	At            time.Time
}

// Repository はサイトアカウントの永続化を抽象化する。
// TransitionAccount は現在の状態が From に含まれる場合のみ更新し、含まれなければ None を返す。
type Repository interface {
	CreateAccount(ctx context.Context, a *SiteAccount) (*SiteAccount, error)
	GetAccount(ctx context.Context, id uuid.UUID) (mo.Option[*SiteAccount], error)
	FindAccount(ctx context.Context, key Key) (mo.Option[*SiteAccount], error)
	ListAccounts(ctx context.Context, campaignID uuid.UUID) ([]*SiteAccount, error)
	TransitionAccount(ctx context.Context, id uuid.UUID, t Transition) (mo.Option[*SiteAccount], error)
	ListWaitingSince(ctx context.Context, before time.Time) ([]*SiteAccount, error)
}
