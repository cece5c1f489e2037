package rpcpool

import (
	"time"

	"github.com/AbstractSDK/ans-scraper/reconciler/config"
)

// NetworkHealth is the aggregate health of a network's endpoints.
type NetworkHealth string

const (
	// Healthy means every endpoint can serve requests.
	Healthy NetworkHealth = "healthy"
	// Degraded means some endpoints are excluded but at least one is usable.
	Degraded NetworkHealth = "degraded"
	// Down means no endpoint is usable; acquires fail with NetworkUnreachable.
	Down NetworkHealth = "down"
)

// Config is the runtime form of config.RPCPoolConfig.
type Config struct {
	HealthCheckInterval   time.Duration
	UnhealthyThreshold    int
	RecoveryInterval      time.Duration
	MinHealthyEndpoints   int
	RequestTimeout        time.Duration
	LoadBalancingStrategy LoadBalancingStrategy
}

// NewConfig converts the file configuration into durations.
func NewConfig(c config.RPCPoolConfig) *Config {
	return &Config{
		HealthCheckInterval:   time.Duration(c.HealthCheckIntervalSeconds) * time.Second,
		UnhealthyThreshold:    c.UnhealthyThreshold,
		RecoveryInterval:      time.Duration(c.RecoveryIntervalSeconds) * time.Second,
		MinHealthyEndpoints:   c.MinHealthyEndpoints,
		RequestTimeout:        time.Duration(c.RequestTimeoutSeconds) * time.Second,
		LoadBalancingStrategy: LoadBalancingStrategy(c.LoadBalancingStrategy),
	}
}

// HealthStatus represents the health status of one network's endpoints
type HealthStatus struct {
	Network        string           `json:"network"`
	Health         NetworkHealth    `json:"health"`
	TotalEndpoints int              `json:"total_endpoints"`
	HealthyCount   int              `json:"healthy_count"`
	UnhealthyCount int              `json:"unhealthy_count"`
	DegradedCount  int              `json:"degraded_count"`
	ExcludedCount  int              `json:"excluded_count"`
	LeasedCount    int              `json:"leased_count"`
	Strategy       string           `json:"strategy"`
	Endpoints      []EndpointStatus `json:"endpoints"`
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	URL          string    `json:"url"`
	State        string    `json:"state"`
	Leased       bool      `json:"leased"`
	HealthScore  float64   `json:"health_score"`
	ResponseTime int64     `json:"response_time_ms"`
	LastUsed     time.Time `json:"last_used"`
	RequestCount uint64    `json:"request_count"`
	FailureCount uint64    `json:"failure_count"`
	LastError    string    `json:"last_error,omitempty"`
}
