package rpcpool

import (
	"math/rand"
	"sync/atomic"
)

// LoadBalancingStrategy defines how leases are distributed across endpoints
type LoadBalancingStrategy string

const (
	StrategyRoundRobin LoadBalancingStrategy = "round-robin"
	StrategyWeighted   LoadBalancingStrategy = "weighted"
)

// EndpointSelector handles endpoint selection based on different strategies
type EndpointSelector struct {
	strategy     LoadBalancingStrategy
	currentIndex atomic.Uint32
}

// NewEndpointSelector creates a new endpoint selector with the specified strategy
func NewEndpointSelector(strategy LoadBalancingStrategy) *EndpointSelector {
	if strategy != StrategyRoundRobin && strategy != StrategyWeighted {
		strategy = StrategyRoundRobin
	}

	return &EndpointSelector{
		strategy: strategy,
	}
}

// SelectEndpoint selects one of the candidate endpoints based on the configured strategy
func (s *EndpointSelector) SelectEndpoint(candidates []*Endpoint) *Endpoint {
	if len(candidates) == 0 {
		return nil
	}

	switch s.strategy {
	case StrategyWeighted:
		return s.selectWeighted(candidates)
	default:
		return s.selectRoundRobin(candidates)
	}
}

func (s *EndpointSelector) selectRoundRobin(endpoints []*Endpoint) *Endpoint {
	if len(endpoints) == 1 {
		return endpoints[0]
	}

	index := s.currentIndex.Add(1) % uint32(len(endpoints))
	return endpoints[index]
}

// selectWeighted picks an endpoint with probability proportional to its health score
func (s *EndpointSelector) selectWeighted(endpoints []*Endpoint) *Endpoint {
	if len(endpoints) == 1 {
		return endpoints[0]
	}

	totalWeight := 0.0
	for _, endpoint := range endpoints {
		totalWeight += endpoint.metrics().GetHealthScore()
	}

	if totalWeight == 0 {
		return s.selectRoundRobin(endpoints)
	}

	target := rand.Float64() * totalWeight

	currentWeight := 0.0
	for _, endpoint := range endpoints {
		currentWeight += endpoint.metrics().GetHealthScore()
		if currentWeight >= target {
			return endpoint
		}
	}

	return endpoints[len(endpoints)-1]
}

// GetStrategy returns the current strategy
func (s *EndpointSelector) GetStrategy() LoadBalancingStrategy {
	return s.strategy
}
