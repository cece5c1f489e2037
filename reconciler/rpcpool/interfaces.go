package rpcpool

import (
	"context"
)

// Client defines a generic interface for chain clients that can be pooled.
// The gRPC chain client implements it directly.
type Client interface {
	// Ping performs a basic health check on the client
	Ping(ctx context.Context) error

	// Close closes the client connection
	Close() error
}

// ClientFactory creates a client for a given endpoint URL.
type ClientFactory func(url string) (Client, error)

// HealthChecker defines the interface for checking endpoint health
type HealthChecker interface {
	CheckHealth(ctx context.Context, client Client) error
}

// PingHealthChecker checks health with Client.Ping.
type PingHealthChecker struct{}

// CheckHealth implements HealthChecker.
func (PingHealthChecker) CheckHealth(ctx context.Context, client Client) error {
	return client.Ping(ctx)
}
