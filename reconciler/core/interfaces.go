package core

import (
	"context"

	"github.com/AbstractSDK/ans-scraper/reconciler/reader"
	"github.com/AbstractSDK/ans-scraper/reconciler/registry"
	"github.com/AbstractSDK/ans-scraper/reconciler/rpcpool"
	"github.com/AbstractSDK/ans-scraper/reconciler/submitter"
)

// DesiredSource produces the normalized desired state of a network.
type DesiredSource interface {
	FetchDesired(ctx context.Context, network string) (*registry.DesiredState, error)
}

// ActualReader materializes the on-chain registry of a network.
type ActualReader interface {
	Read(ctx context.Context, network string, conns reader.ConnSource) (*registry.ActualState, error)
}

// OpSubmitter drains ops into transactions.
type OpSubmitter interface {
	Submit(ctx context.Context, target submitter.Target, ops []registry.Op) (*submitter.Outcome, error)
}

// ConnPool is the connection pool as seen by the reconciler.
type ConnPool interface {
	Acquire(ctx context.Context, network string) (*rpcpool.Conn, error)
	Health(network string) rpcpool.NetworkHealth
	HealthStatus(network string) (*rpcpool.HealthStatus, error)
}
