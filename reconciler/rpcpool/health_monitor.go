package rpcpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthMonitor checks endpoints periodically and recovers excluded ones
// after the recovery interval.
type HealthMonitor struct {
	manager       *Manager
	config        *Config
	logger        zerolog.Logger
	healthChecker HealthChecker
	stopOnce      sync.Once
	stopCh        chan struct{}
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(manager *Manager, config *Config, logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		manager: manager,
		config:  config,
		logger:  logger.With().Str("component", "health_monitor").Str("network", manager.network).Logger(),
		stopCh:  make(chan struct{}),
	}
}

// SetHealthChecker sets the health checker implementation
func (h *HealthMonitor) SetHealthChecker(checker HealthChecker) {
	h.healthChecker = checker
}

// Start begins the health monitoring loop
func (h *HealthMonitor) Start(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	h.logger.Info().
		Dur("interval", h.config.HealthCheckInterval).
		Msg("starting health monitor")

	ticker := time.NewTicker(h.config.HealthCheckInterval)
	defer ticker.Stop()

	h.performHealthChecks(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("health monitor stopping: context cancelled")
			return
		case <-h.stopCh:
			h.logger.Info().Msg("health monitor stopping: stop signal received")
			return
		case <-ticker.C:
			h.performHealthChecks(ctx)
		}
	}
}

// Stop stops the health monitor
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *HealthMonitor) performHealthChecks(ctx context.Context) {
	h.logger.Debug().Msg("performing health checks on all endpoints")

	var wg sync.WaitGroup
	for _, endpoint := range h.manager.GetEndpoints() {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			h.checkEndpointHealth(ctx, ep)
		}(endpoint)
	}
	wg.Wait()
}

func (h *HealthMonitor) checkEndpointHealth(ctx context.Context, endpoint *Endpoint) {
	if h.healthChecker == nil {
		// passive monitoring only
		return
	}

	excluded := endpoint.GetState() == StateExcluded
	if excluded && time.Since(endpoint.excludedSince()) < h.config.RecoveryInterval {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	client, err := h.manager.ensureClient(endpoint)
	if err == nil {
		err = h.healthChecker.CheckHealth(checkCtx, client)
	}
	latency := time.Since(start)

	if excluded {
		h.handleExcludedEndpointCheck(endpoint, latency, err)
		return
	}

	h.manager.UpdateEndpointMetrics(endpoint, err == nil, latency, err)

	if err == nil {
		h.logger.Debug().
			Str("url", endpoint.URL).
			Dur("latency", latency).
			Msg("endpoint health check passed")
	} else {
		h.logger.Warn().
			Str("url", endpoint.URL).
			Dur("latency", latency).
			Err(err).
			Msg("endpoint health check failed")
	}
}

// handleExcludedEndpointCheck promotes a recovered endpoint to degraded, or
// restarts its exclusion period.
func (h *HealthMonitor) handleExcludedEndpointCheck(endpoint *Endpoint, latency time.Duration, err error) {
	if err == nil {
		endpoint.resetMetrics(70.0)
		endpoint.UpdateState(StateDegraded)
		h.manager.notify()

		h.logger.Info().
			Str("url", endpoint.URL).
			Dur("recovery_latency", latency).
			Msg("endpoint recovered, promoted to degraded state")
		return
	}

	endpoint.mu.Lock()
	endpoint.ExcludedAt = time.Now()
	endpoint.mu.Unlock()

	h.logger.Warn().
		Str("url", endpoint.URL).
		Err(err).
		Msg("endpoint recovery failed, extending exclusion period")
}

// ForceExcludeEndpoint manually excludes an endpoint
func (h *HealthMonitor) ForceExcludeEndpoint(url string) error {
	for _, endpoint := range h.manager.GetEndpoints() {
		if endpoint.URL == url {
			endpoint.UpdateState(StateExcluded)
			h.manager.notify()
			h.logger.Info().Str("url", url).Msg("endpoint manually excluded")
			return nil
		}
	}
	return fmt.Errorf("endpoint not found: %s", url)
}

// RunOnce performs a single round of health checks.
func (h *HealthMonitor) RunOnce(ctx context.Context) {
	h.performHealthChecks(ctx)
}
