package rpcpool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	rerrors "github.com/AbstractSDK/ans-scraper/reconciler/errors"
)

// Pool is the connection pool across all target networks. Each network has
// its own Manager, so one network's failures never affect another's leases.
type Pool struct {
	config        *Config
	clientFactory ClientFactory
	healthChecker HealthChecker
	logger        zerolog.Logger

	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewPool creates an empty pool. checker may be nil for passive monitoring.
func NewPool(cfg *Config, factory ClientFactory, checker HealthChecker, logger zerolog.Logger) *Pool {
	return &Pool{
		config:        cfg,
		clientFactory: factory,
		healthChecker: checker,
		logger:        logger,
		managers:      make(map[string]*Manager),
	}
}

// AddNetwork registers the candidate endpoints of a network.
func (p *Pool) AddNetwork(network string, urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("network %s: no endpoints", network)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.managers[network]; exists {
		return fmt.Errorf("network %s already registered", network)
	}

	manager := NewManager(network, urls, p.config, p.clientFactory, p.logger)
	if p.healthChecker != nil {
		manager.HealthMonitor.SetHealthChecker(p.healthChecker)
	}
	p.managers[network] = manager
	return nil
}

// Start initializes every network's endpoints and health monitors.
func (p *Pool) Start(ctx context.Context) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, manager := range p.managers {
		manager.Start(ctx)
	}
}

// Stop stops monitors and closes all clients.
func (p *Pool) Stop() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, manager := range p.managers {
		manager.Stop()
	}
}

func (p *Pool) manager(network string) (*Manager, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	manager, ok := p.managers[network]
	if !ok {
		return nil, rerrors.NewConfigError(network, "network not registered in pool")
	}
	return manager, nil
}

// Acquire leases a connection to network.
func (p *Pool) Acquire(ctx context.Context, network string) (*Conn, error) {
	manager, err := p.manager(network)
	if err != nil {
		return nil, err
	}
	return manager.Acquire(ctx)
}

// Release returns a leased connection.
func (p *Pool) Release(conn *Conn) {
	if conn != nil {
		conn.Release()
	}
}

// Health reports a network's aggregate health. Unknown networks are Down.
func (p *Pool) Health(network string) NetworkHealth {
	manager, err := p.manager(network)
	if err != nil {
		return Down
	}
	return manager.Health()
}

// HealthStatus returns the detailed status of a network.
func (p *Pool) HealthStatus(network string) (*HealthStatus, error) {
	manager, err := p.manager(network)
	if err != nil {
		return nil, err
	}
	return manager.GetHealthStatus(), nil
}

// Networks returns registered network ids, sorted.
func (p *Pool) Networks() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.managers))
	for network := range p.managers {
		out = append(out, network)
	}
	sort.Strings(out)
	return out
}

// Manager exposes a network's manager, e.g. for forced exclusion.
func (p *Pool) Manager(network string) (*Manager, error) {
	return p.manager(network)
}
