package proxy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Repository はプロキシプールの永続化を抽象化する。
// IncrementProxyErrors は加算とブラックリスト化を 1 つのアトミックな更新で行うこと。
type Repository interface {
	CreateProxy(ctx context.Context, p *Proxy) (*Proxy, error)
	GetProxy(ctx context.Context, id uuid.UUID) (mo.Option[*Proxy], error)
	ListProxies(ctx context.Context, status *Status) ([]*Proxy, error)
	SelectProxy(ctx context.Context, filter Filter) (mo.Option[*Proxy], error)
	TouchProxy(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementProxyErrors(ctx context.Context, id uuid.UUID, at time.Time, threshold int) (*Proxy, error)
	ResetProxyErrors(ctx context.Context, id uuid.UUID) (*Proxy, error)
	SetProxyStatus(ctx context.Context, id uuid.UUID, status Status) (*Proxy, error)
}
