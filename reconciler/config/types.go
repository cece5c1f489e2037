package config

import (
	"fmt"
	"sort"
	"time"
)

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Node Config
	NodeHome string `json:"node_home"` // Home directory (default: ~/.ansd)

	// Registry feed
	FeedBaseURL        string `json:"feed_base_url"`        // Remote snapshot base URL; <base>/<network>.json
	FeedDir            string `json:"feed_dir"`             // Local snapshot directory, used instead of the remote when set
	FeedCacheDir       string `json:"feed_cache_dir"`       // Last good remote snapshots (default: <home>/cache/feed)
	FeedTimeoutSeconds int    `json:"feed_timeout_seconds"` // Per request timeout (default: 30)
	FeedMaxRetries     int    `json:"feed_max_retries"`     // Feed fetch attempts before SourceUnavailable (default: 3)

	// Cycle scheduling
	CycleIntervalSeconds int `json:"cycle_interval_seconds"` // Time between cycles (default: 300)
	CycleTimeoutSeconds  int `json:"cycle_timeout_seconds"`  // Whole cycle deadline (default: 600)

	// CorrectDrift rewrites on-chain entries that changed under a checkpoint
	// that already covers their revision (default: true)
	CorrectDrift *bool `json:"correct_drift,omitempty"`

	// Query Server Config
	QueryServerPort int `json:"query_server_port"` // Port for the status API (default: 8080)

	RPCPoolConfig    RPCPoolConfig    `json:"rpc_pool_config"`
	SubmissionConfig SubmissionConfig `json:"submission_config"`
	ReaderConfig     ReaderConfig     `json:"reader_config"`

	// Per network configuration keyed by network id
	Networks map[string]NetworkConfig `json:"networks"`
}

// RPCPoolConfig controls endpoint health tracking and failover.
type RPCPoolConfig struct {
	HealthCheckIntervalSeconds int    `json:"health_check_interval_seconds"`
	UnhealthyThreshold         int    `json:"unhealthy_threshold"`
	RecoveryIntervalSeconds    int    `json:"recovery_interval_seconds"`
	MinHealthyEndpoints        int    `json:"min_healthy_endpoints"`
	RequestTimeoutSeconds      int    `json:"request_timeout_seconds"`
	LoadBalancingStrategy      string `json:"load_balancing_strategy"` // "round-robin" or "weighted"
}

// SubmissionConfig controls batching and the retry state machine.
type SubmissionConfig struct {
	MaxAttempts               int `json:"max_attempts"`
	InitialBackoffSeconds     int `json:"initial_backoff_seconds"`
	MaxBackoffSeconds         int `json:"max_backoff_seconds"`
	CommitTimeoutSeconds      int `json:"commit_timeout_seconds"`
	CommitPollIntervalSeconds int `json:"commit_poll_interval_seconds"`
	MaxOpsPerTx               int `json:"max_ops_per_tx"`
}

// ReaderConfig controls registry contract paging.
type ReaderConfig struct {
	PageSize        int `json:"page_size"`
	MaxReadAttempts int `json:"max_read_attempts"`
	MaxPages        int `json:"max_pages"`
}

// NetworkConfig holds everything specific to one target network.
type NetworkConfig struct {
	ChainID          string   `json:"chain_id"`
	GRPCURLs         []string `json:"grpc_urls"`
	RegistryContract string   `json:"registry_contract"`
	Bech32Prefix     string   `json:"bech32_prefix"`

	// Signer
	SignerMnemonicEnv string `json:"signer_mnemonic_env"` // Env var holding the signer mnemonic
	CoinType          uint32 `json:"coin_type,omitempty"` // HD coin type (default: 118)

	// Fees
	FeeDenom     string `json:"fee_denom"`
	GasPrice     string `json:"gas_price"`       // Decimal price per gas unit, e.g. "0.025"
	GasPerOp     uint64 `json:"gas_per_op"`      // Gas budget per execute message (default: 250000)
	BaseGasPerTx uint64 `json:"base_gas_per_tx"` // Fixed gas added per tx (default: 100000)
	MaxOpsPerTx  *int   `json:"max_ops_per_tx,omitempty"`
	Disabled     bool   `json:"disabled,omitempty"`
}

// NetworkIDs returns the enabled network ids in sorted order.
func (c *Config) NetworkIDs() []string {
	ids := make([]string, 0, len(c.Networks))
	for id, n := range c.Networks {
		if n.Disabled {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetNetworkConfig returns the configuration for a network.
func (c *Config) GetNetworkConfig(network string) (*NetworkConfig, error) {
	if c.Networks == nil {
		return nil, fmt.Errorf("no network configs found")
	}
	cfg, ok := c.Networks[network]
	if !ok {
		return nil, fmt.Errorf("no config found for network %s", network)
	}
	return &cfg, nil
}

// MaxOpsPerTxFor returns the batch size for a network, falling back to the
// global submission setting.
func (c *Config) MaxOpsPerTxFor(network string) int {
	if n, ok := c.Networks[network]; ok && n.MaxOpsPerTx != nil && *n.MaxOpsPerTx > 0 {
		return *n.MaxOpsPerTx
	}
	return c.SubmissionConfig.MaxOpsPerTx
}

// DriftCorrection reports whether drift below the checkpoint is corrected
// without an explicit force.
func (c *Config) DriftCorrection() bool {
	return c.CorrectDrift == nil || *c.CorrectDrift
}

func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSeconds) * time.Second
}

func (c *Config) CycleTimeout() time.Duration {
	return time.Duration(c.CycleTimeoutSeconds) * time.Second
}

func (c *Config) FeedTimeout() time.Duration {
	return time.Duration(c.FeedTimeoutSeconds) * time.Second
}
