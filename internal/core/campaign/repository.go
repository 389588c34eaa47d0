package campaign

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Transition は CAS で適用する状態遷移
type Transition struct {
	From         []Status
	To           Status
	PausedReason *PausedReason
	At           time.Time
}

// Repository はキャンペーンとターゲットの永続化を抽象化する
type Repository interface {
	CreateCampaign(ctx context.Context, c *Campaign) (*Campaign, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (mo.Option[*Campaign], error)
	ListCampaigns(ctx context.Context, status *Status) ([]*Campaign, error)
	// TransitionCampaign は現在の状態が From に含まれる場合のみ更新し、含まれなければ None を返す
	TransitionCampaign(ctx context.Context, id uuid.UUID, t Transition) (mo.Option[*Campaign], error)
	UpdateTotals(ctx context.Context, id uuid.UUID, totals Totals) (*Campaign, error)

	// InsertTargets は URL ハッシュが未登録のターゲットのみ挿入し、挿入できたものを返す
	InsertTargets(ctx context.Context, targets []*Target) ([]*Target, error)
	ListTargets(ctx context.Context, campaignID uuid.UUID) ([]*Target, error)
}
