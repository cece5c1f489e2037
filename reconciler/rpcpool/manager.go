package rpcpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	rerrors "github.com/AbstractSDK/ans-scraper/reconciler/errors"
)

// Manager manages the endpoints of one network: exclusive leases, failover
// and health checking.
type Manager struct {
	network       string
	endpoints     []*Endpoint
	selector      *EndpointSelector
	config        *Config
	logger        zerolog.Logger
	HealthMonitor *HealthMonitor
	clientFactory ClientFactory
	wg            sync.WaitGroup

	// mu guards endpoint leases and the released channel.
	mu       sync.Mutex
	released chan struct{}
}

// NewManager creates a new pool manager for one network
func NewManager(
	network string,
	urls []string,
	poolConfig *Config,
	clientFactory ClientFactory,
	logger zerolog.Logger,
) *Manager {
	if len(urls) == 0 {
		logger.Warn().Str("network", network).Msg("no endpoint URLs provided for pool")
		return nil
	}

	endpoints := make([]*Endpoint, len(urls))
	for i, url := range urls {
		endpoints[i] = NewEndpoint(url)
	}

	manager := &Manager{
		network:       network,
		endpoints:     endpoints,
		selector:      NewEndpointSelector(poolConfig.LoadBalancingStrategy),
		config:        poolConfig,
		logger:        logger.With().Str("component", "rpc_pool").Str("network", network).Logger(),
		clientFactory: clientFactory,
		released:      make(chan struct{}),
	}
	manager.HealthMonitor = NewHealthMonitor(manager, poolConfig, logger)

	return manager
}

// Start initializes all endpoints and starts health monitoring. Endpoints
// that cannot be initialized are excluded and left to the recovery loop; a
// network with no usable endpoint is reported Down, not an error.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info().
		Int("endpoint_count", len(m.endpoints)).
		Str("strategy", string(m.selector.GetStrategy())).
		Msg("starting rpc pool manager")

	for _, endpoint := range m.endpoints {
		if _, err := m.ensureClient(endpoint); err != nil {
			m.logger.Warn().
				Str("url", endpoint.URL).
				Err(err).
				Msg("failed to initialize endpoint")
			endpoint.UpdateState(StateExcluded)
		}
	}

	healthy := m.GetHealthyEndpointCount()
	if healthy < m.config.MinHealthyEndpoints {
		m.logger.Warn().
			Int("healthy_endpoints", healthy).
			Int("minimum", m.config.MinHealthyEndpoints).
			Msg("insufficient healthy endpoints")
	}

	if m.config.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.HealthMonitor.Start(ctx, &m.wg)
	}

	m.logger.Info().
		Int("healthy_endpoints", healthy).
		Int("total_endpoints", len(m.endpoints)).
		Msg("rpc pool manager started")
}

// Stop stops health monitoring and closes every client.
func (m *Manager) Stop() {
	m.logger.Info().Msg("stopping rpc pool manager")

	m.HealthMonitor.Stop()
	m.wg.Wait()

	for _, endpoint := range m.endpoints {
		if client := endpoint.GetClient(); client != nil {
			if err := client.Close(); err != nil {
				m.logger.Warn().
					Str("url", endpoint.URL).
					Err(err).
					Msg("failed to close client connection")
			}
		}
	}

	m.logger.Info().Msg("rpc pool manager stopped")
}

// ensureClient creates the endpoint's client on first use.
func (m *Manager) ensureClient(endpoint *Endpoint) (Client, error) {
	if client := endpoint.GetClient(); client != nil {
		return client, nil
	}

	client, err := m.clientFactory(endpoint.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", endpoint.URL, err)
	}
	endpoint.SetClient(client)

	m.logger.Debug().
		Str("url", endpoint.URL).
		Msg("endpoint client initialized")
	return client, nil
}

// Acquire leases a usable endpoint exclusively. When every usable endpoint is
// leased it waits for a release or ctx. When no endpoint is usable it fails
// with a NetworkUnreachable error.
func (m *Manager) Acquire(ctx context.Context) (*Conn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.mu.Lock()
		usable := 0
		free := make([]*Endpoint, 0, len(m.endpoints))
		for _, endpoint := range m.endpoints {
			if !endpoint.IsHealthy() {
				continue
			}
			usable++
			if !endpoint.leased {
				free = append(free, endpoint)
			}
		}

		if usable == 0 {
			m.mu.Unlock()
			return nil, rerrors.NewNetworkUnreachable(m.network,
				fmt.Errorf("%d endpoints excluded", len(m.endpoints)))
		}

		if len(free) > 0 {
			endpoint := m.selector.SelectEndpoint(free)
			endpoint.leased = true
			m.mu.Unlock()

			client, err := m.ensureClient(endpoint)
			if err != nil {
				m.UpdateEndpointMetrics(endpoint, false, 0, err)
				m.release(endpoint)
				continue
			}

			endpoint.touch()
			return &Conn{
				Network:  m.network,
				URL:      endpoint.URL,
				Client:   client,
				endpoint: endpoint,
				manager:  m,
			}, nil
		}

		wait := m.released
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// release returns an endpoint lease and wakes waiters.
func (m *Manager) release(endpoint *Endpoint) {
	m.mu.Lock()
	endpoint.leased = false
	m.broadcastLocked()
	m.mu.Unlock()
}

// notify wakes waiters after an endpoint changed state.
func (m *Manager) notify() {
	m.mu.Lock()
	m.broadcastLocked()
	m.mu.Unlock()
}

func (m *Manager) broadcastLocked() {
	close(m.released)
	m.released = make(chan struct{})
}

// Health summarizes endpoint availability.
func (m *Manager) Health() NetworkHealth {
	usable := m.GetHealthyEndpointCount()
	switch {
	case usable == 0:
		return Down
	case usable < len(m.endpoints):
		return Degraded
	default:
		return Healthy
	}
}

// GetHealthyEndpointCount returns the count of usable endpoints
func (m *Manager) GetHealthyEndpointCount() int {
	count := 0
	for _, endpoint := range m.endpoints {
		if endpoint.IsHealthy() {
			count++
		}
	}
	return count
}

// UpdateEndpointMetrics updates metrics for an endpoint after a request
func (m *Manager) UpdateEndpointMetrics(endpoint *Endpoint, success bool, latency time.Duration, err error) {
	metrics := endpoint.metrics()
	if success {
		metrics.UpdateSuccess(latency)

		if endpoint.GetState() == StateDegraded && metrics.GetSuccessRate() > 0.8 {
			endpoint.UpdateState(StateHealthy)
			m.logger.Info().
				Str("url", endpoint.URL).
				Float64("success_rate", metrics.GetSuccessRate()).
				Msg("endpoint promoted to healthy")
		}
		return
	}

	metrics.UpdateFailure(err, latency)
	consecutiveFailures := metrics.GetConsecutiveFailures()

	if consecutiveFailures >= m.config.UnhealthyThreshold {
		if endpoint.GetState() != StateExcluded {
			endpoint.UpdateState(StateExcluded)
			m.logger.Warn().
				Str("url", endpoint.URL).
				Int("consecutive_failures", consecutiveFailures).
				Err(err).
				Msg("endpoint excluded due to consecutive failures")
			m.notify()
		}
	} else if metrics.GetSuccessRate() < 0.5 && endpoint.GetState() == StateHealthy {
		endpoint.UpdateState(StateDegraded)
		m.logger.Warn().
			Str("url", endpoint.URL).
			Float64("success_rate", metrics.GetSuccessRate()).
			Msg("endpoint downgraded to degraded")
	}
}

// GetHealthStatus returns a summary of endpoint health
func (m *Manager) GetHealthStatus() *HealthStatus {
	status := &HealthStatus{
		Network:        m.network,
		Health:         m.Health(),
		TotalEndpoints: len(m.endpoints),
		Strategy:       string(m.selector.GetStrategy()),
		Endpoints:      make([]EndpointStatus, len(m.endpoints)),
	}

	m.mu.Lock()
	leased := make([]bool, len(m.endpoints))
	for i, endpoint := range m.endpoints {
		leased[i] = endpoint.leased
	}
	m.mu.Unlock()

	for i, endpoint := range m.endpoints {
		state := endpoint.GetState()
		switch state {
		case StateHealthy:
			status.HealthyCount++
		case StateDegraded:
			status.DegradedCount++
		case StateUnhealthy:
			status.UnhealthyCount++
		case StateExcluded:
			status.ExcludedCount++
		}
		if leased[i] {
			status.LeasedCount++
		}

		snap := endpoint.metrics().snapshot()
		var lastError string
		if snap.lastError != nil {
			lastError = snap.lastError.Error()
		}
		status.Endpoints[i] = EndpointStatus{
			URL:          endpoint.URL,
			State:        state.String(),
			Leased:       leased[i],
			HealthScore:  snap.score,
			ResponseTime: snap.latency.Milliseconds(),
			LastUsed:     endpoint.lastUsed(),
			RequestCount: snap.total,
			FailureCount: snap.failed,
			LastError:    lastError,
		}
	}
	return status
}

// GetEndpoints returns all endpoints (for health monitor access)
func (m *Manager) GetEndpoints() []*Endpoint {
	endpoints := make([]*Endpoint, len(m.endpoints))
	copy(endpoints, m.endpoints)
	return endpoints
}

// Conn is an exclusive lease on one endpoint. Callers report the outcome of
// their requests and must Release it when done.
type Conn struct {
	Network string
	URL     string
	Client  Client

	endpoint *Endpoint
	manager  *Manager
	released atomic.Bool
}

// ReportSuccess records a successful request on the leased endpoint.
func (c *Conn) ReportSuccess(latency time.Duration) {
	c.manager.UpdateEndpointMetrics(c.endpoint, true, latency, nil)
}

// ReportFailure records a failed request. Enough consecutive failures exclude
// the endpoint so the next Acquire fails over.
func (c *Conn) ReportFailure(err error, latency time.Duration) {
	c.manager.UpdateEndpointMetrics(c.endpoint, false, latency, err)
}

// Release returns the lease. Safe to call more than once.
func (c *Conn) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.manager.release(c.endpoint)
	}
}
