package rpcpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	rerrors "github.com/AbstractSDK/ans-scraper/reconciler/errors"
)

// mockClient represents a pooled client for testing
type mockClient struct {
	url     string
	healthy atomic.Bool
	closed  atomic.Bool
}

func (m *mockClient) Ping(ctx context.Context) error {
	if m.healthy.Load() {
		return nil
	}
	return errors.New("unhealthy")
}

func (m *mockClient) Close() error {
	m.closed.Store(true)
	return nil
}

// MockHealthChecker is a mock implementation of HealthChecker
type MockHealthChecker struct {
	mock.Mock
}

func (m *MockHealthChecker) CheckHealth(ctx context.Context, client Client) error {
	args := m.Called(ctx, client)
	return args.Error(0)
}

func testConfig() *Config {
	return &Config{
		HealthCheckInterval:   0,
		UnhealthyThreshold:    3,
		RecoveryInterval:      time.Minute,
		MinHealthyEndpoints:   1,
		RequestTimeout:        time.Second,
		LoadBalancingStrategy: StrategyRoundRobin,
	}
}

func mockClientFactory(clients map[string]*mockClient) ClientFactory {
	var mu sync.Mutex
	return func(url string) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		c := &mockClient{url: url}
		c.healthy.Store(true)
		if clients != nil {
			clients[url] = c
		}
		return c, nil
	}
}

func failingFactory() ClientFactory {
	return func(url string) (Client, error) {
		return nil, assert.AnError
	}
}

func TestNewManager(t *testing.T) {
	assert.Nil(t, NewManager("juno", nil, testConfig(), mockClientFactory(nil), zerolog.Nop()))

	m := NewManager("juno", []string{"a", "b"}, testConfig(), mockClientFactory(nil), zerolog.Nop())
	require.NotNil(t, m)
	assert.Len(t, m.endpoints, 2)
	assert.NotNil(t, m.HealthMonitor)
	assert.Equal(t, Healthy, m.Health())
}

func TestAcquireIsExclusive(t *testing.T) {
	m := NewManager("juno", []string{"a", "b"}, testConfig(), mockClientFactory(nil), zerolog.Nop())

	c1, err := m.Acquire(context.Background())
	require.NoError(t, err)
	c2, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, c1.URL, c2.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	status := m.GetHealthStatus()
	assert.Equal(t, 2, status.LeasedCount)

	c1.Release()
	c1.Release()
	c3, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c1.URL, c3.URL)
	c2.Release()
	c3.Release()
}

func TestAcquireWaitsForRelease(t *testing.T) {
	m := NewManager("juno", []string{"only"}, testConfig(), mockClientFactory(nil), zerolog.Nop())

	held, err := m.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, err := m.Acquire(context.Background())
		if err == nil {
			got <- c
		}
	}()

	select {
	case <-got:
		t.Fatal("acquire returned while endpoint was leased")
	case <-time.After(20 * time.Millisecond):
	}

	held.Release()

	select {
	case c := <-got:
		assert.Equal(t, "only", c.URL)
		c.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestFailoverAfterThreshold(t *testing.T) {
	m := NewManager("juno", []string{"a", "b"}, testConfig(), mockClientFactory(nil), zerolog.Nop())

	var failed string
	for i := 0; i < 3; i++ {
		c, err := m.Acquire(context.Background())
		require.NoError(t, err)
		if failed == "" {
			failed = c.URL
		}
		if c.URL == failed {
			c.ReportFailure(errors.New("timeout"), time.Millisecond)
		} else {
			i--
		}
		c.Release()
	}

	assert.Equal(t, Degraded, m.Health())

	for i := 0; i < 4; i++ {
		c, err := m.Acquire(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, failed, c.URL)
		c.ReportSuccess(time.Millisecond)
		c.Release()
	}
}

func TestAllEndpointsDown(t *testing.T) {
	m := NewManager("juno", []string{"a"}, testConfig(), mockClientFactory(nil), zerolog.Nop())

	for i := 0; i < 3; i++ {
		c, err := m.Acquire(context.Background())
		require.NoError(t, err)
		c.ReportFailure(errors.New("unavailable"), 0)
		c.Release()
	}

	assert.Equal(t, Down, m.Health())
	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, rerrors.IsNetworkUnreachable(err))
}

func TestWaiterFailsWhenLastEndpointExcluded(t *testing.T) {
	m := NewManager("juno", []string{"a"}, testConfig(), mockClientFactory(nil), zerolog.Nop())

	held, err := m.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.HealthMonitor.ForceExcludeEndpoint("a"))

	select {
	case err := <-errCh:
		assert.True(t, rerrors.IsNetworkUnreachable(err))
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by exclusion")
	}
	held.Release()
}

func TestFactoryFailureExcludesEndpoint(t *testing.T) {
	m := NewManager("juno", []string{"a"}, testConfig(), failingFactory(), zerolog.Nop())
	m.Start(context.Background())
	defer m.Stop()

	assert.Equal(t, Down, m.Health())
	_, err := m.Acquire(context.Background())
	assert.True(t, rerrors.IsNetworkUnreachable(err))
}

func TestHealthMonitorRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.RecoveryInterval = 0
	clients := map[string]*mockClient{}
	m := NewManager("juno", []string{"a"}, cfg, mockClientFactory(clients), zerolog.Nop())

	checker := new(MockHealthChecker)
	checker.On("CheckHealth", mock.Anything, mock.Anything).Return(errors.New("still down")).Once()
	checker.On("CheckHealth", mock.Anything, mock.Anything).Return(nil)
	m.HealthMonitor.SetHealthChecker(checker)

	require.NoError(t, m.HealthMonitor.ForceExcludeEndpoint("a"))
	assert.Equal(t, Down, m.Health())

	m.HealthMonitor.RunOnce(context.Background())
	assert.Equal(t, Down, m.Health())

	m.HealthMonitor.RunOnce(context.Background())
	assert.Equal(t, Healthy, m.Health())
	assert.Equal(t, StateDegraded, m.endpoints[0].GetState())

	checker.AssertNumberOfCalls(t, "CheckHealth", 2)
}

func TestHealthMonitorSkipsBeforeRecoveryInterval(t *testing.T) {
	m := NewManager("juno", []string{"a"}, testConfig(), mockClientFactory(nil), zerolog.Nop())
	checker := new(MockHealthChecker)
	m.HealthMonitor.SetHealthChecker(checker)

	require.NoError(t, m.HealthMonitor.ForceExcludeEndpoint("a"))
	m.HealthMonitor.RunOnce(context.Background())

	checker.AssertNotCalled(t, "CheckHealth", mock.Anything, mock.Anything)
	assert.Equal(t, Down, m.Health())
}

func TestPool(t *testing.T) {
	pool := NewPool(testConfig(), mockClientFactory(nil), PingHealthChecker{}, zerolog.Nop())
	require.NoError(t, pool.AddNetwork("juno", []string{"j1"}))
	require.NoError(t, pool.AddNetwork("osmosis", []string{"o1", "o2"}))
	require.Error(t, pool.AddNetwork("juno", []string{"j2"}))
	require.Error(t, pool.AddNetwork("neutron", nil))

	pool.Start(context.Background())
	defer pool.Stop()

	assert.Equal(t, []string{"juno", "osmosis"}, pool.Networks())

	conn, err := pool.Acquire(context.Background(), "osmosis")
	require.NoError(t, err)
	assert.Equal(t, "osmosis", conn.Network)
	pool.Release(conn)

	_, err = pool.Acquire(context.Background(), "unknown")
	require.Error(t, err)
	assert.Equal(t, Down, pool.Health("unknown"))

	// take juno down; osmosis is unaffected
	m, err := pool.Manager("juno")
	require.NoError(t, err)
	require.NoError(t, m.HealthMonitor.ForceExcludeEndpoint("j1"))
	assert.Equal(t, Down, pool.Health("juno"))
	assert.Equal(t, Healthy, pool.Health("osmosis"))

	status, err := pool.HealthStatus("juno")
	require.NoError(t, err)
	assert.Equal(t, 1, status.ExcludedCount)
}

func TestStopClosesClients(t *testing.T) {
	clients := map[string]*mockClient{}
	m := NewManager("juno", []string{"a", "b"}, testConfig(), mockClientFactory(clients), zerolog.Nop())
	m.Start(context.Background())
	m.Stop()

	require.Len(t, clients, 2)
	for _, c := range clients {
		assert.True(t, c.closed.Load())
	}
}

func TestEndpointMetrics(t *testing.T) {
	metrics := &EndpointMetrics{HealthScore: 100}
	metrics.UpdateSuccess(100 * time.Millisecond)
	metrics.UpdateFailure(errors.New("x"), 0)

	assert.Equal(t, 0.5, metrics.GetSuccessRate())
	assert.Equal(t, 1, metrics.GetConsecutiveFailures())
	assert.InDelta(t, 40.0, metrics.GetHealthScore(), 0.001)
}

func TestSelectorStrategies(t *testing.T) {
	endpoints := []*Endpoint{NewEndpoint("a"), NewEndpoint("b"), NewEndpoint("c")}

	rr := NewEndpointSelector(StrategyRoundRobin)
	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		seen[rr.SelectEndpoint(endpoints).URL]++
	}
	assert.Equal(t, map[string]int{"a": 3, "b": 3, "c": 3}, seen)

	endpoints[0].Metrics = &EndpointMetrics{HealthScore: 0}
	endpoints[1].Metrics = &EndpointMetrics{HealthScore: 0}
	weighted := NewEndpointSelector(StrategyWeighted)
	for i := 0; i < 10; i++ {
		assert.Equal(t, "c", weighted.SelectEndpoint(endpoints).URL)
	}

	assert.Equal(t, StrategyRoundRobin, NewEndpointSelector("bogus").GetStrategy())
	assert.Nil(t, rr.SelectEndpoint(nil))
}
