package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cosmossdk.io/math"
)

const (
	configSubdir   = "config"
	configFileName = "ansd_config.json"

	// DefaultNodeDirName is the home directory name under $HOME.
	DefaultNodeDirName = ".ansd"
)

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	// Feed defaults
	if cfg.FeedTimeoutSeconds == 0 {
		cfg.FeedTimeoutSeconds = 30
	}
	if cfg.FeedMaxRetries == 0 {
		cfg.FeedMaxRetries = 3
	}
	if cfg.FeedBaseURL == "" && cfg.FeedDir == "" {
		return fmt.Errorf("one of feed_base_url or feed_dir is required")
	}

	// Cycle defaults
	if cfg.CycleIntervalSeconds == 0 {
		cfg.CycleIntervalSeconds = 300
	}
	if cfg.CycleTimeoutSeconds == 0 {
		cfg.CycleTimeoutSeconds = 600
	}

	// Set defaults for query server
	if cfg.QueryServerPort == 0 {
		cfg.QueryServerPort = 8080
	}

	// Set defaults for RPC pool config
	if cfg.RPCPoolConfig.HealthCheckIntervalSeconds == 0 {
		cfg.RPCPoolConfig.HealthCheckIntervalSeconds = 30
	}
	if cfg.RPCPoolConfig.UnhealthyThreshold == 0 {
		cfg.RPCPoolConfig.UnhealthyThreshold = 3
	}
	if cfg.RPCPoolConfig.RecoveryIntervalSeconds == 0 {
		cfg.RPCPoolConfig.RecoveryIntervalSeconds = 300
	}
	if cfg.RPCPoolConfig.MinHealthyEndpoints == 0 {
		cfg.RPCPoolConfig.MinHealthyEndpoints = 1
	}
	if cfg.RPCPoolConfig.RequestTimeoutSeconds == 0 {
		cfg.RPCPoolConfig.RequestTimeoutSeconds = 10
	}
	if cfg.RPCPoolConfig.LoadBalancingStrategy == "" {
		cfg.RPCPoolConfig.LoadBalancingStrategy = "round-robin"
	}

	// Validate load balancing strategy
	if cfg.RPCPoolConfig.LoadBalancingStrategy != "round-robin" &&
		cfg.RPCPoolConfig.LoadBalancingStrategy != "weighted" {
		return fmt.Errorf("load balancing strategy must be 'round-robin' or 'weighted'")
	}

	// Submission defaults
	if cfg.SubmissionConfig.MaxAttempts == 0 {
		cfg.SubmissionConfig.MaxAttempts = 3
	}
	if cfg.SubmissionConfig.InitialBackoffSeconds == 0 {
		cfg.SubmissionConfig.InitialBackoffSeconds = 1
	}
	if cfg.SubmissionConfig.MaxBackoffSeconds == 0 {
		cfg.SubmissionConfig.MaxBackoffSeconds = 30
	}
	if cfg.SubmissionConfig.CommitTimeoutSeconds == 0 {
		cfg.SubmissionConfig.CommitTimeoutSeconds = 60
	}
	if cfg.SubmissionConfig.CommitPollIntervalSeconds == 0 {
		cfg.SubmissionConfig.CommitPollIntervalSeconds = 2
	}
	if cfg.SubmissionConfig.MaxOpsPerTx == 0 {
		cfg.SubmissionConfig.MaxOpsPerTx = 20
	}
	if cfg.SubmissionConfig.MaxAttempts < 0 || cfg.SubmissionConfig.MaxOpsPerTx < 0 {
		return fmt.Errorf("submission max_attempts and max_ops_per_tx must be positive")
	}

	// Reader defaults
	if cfg.ReaderConfig.PageSize == 0 {
		cfg.ReaderConfig.PageSize = 50
	}
	if cfg.ReaderConfig.MaxReadAttempts == 0 {
		cfg.ReaderConfig.MaxReadAttempts = 3
	}
	if cfg.ReaderConfig.MaxPages == 0 {
		cfg.ReaderConfig.MaxPages = 10000
	}

	// Initialize Networks if empty
	if len(cfg.Networks) == 0 {
		var defaultCfg Config
		if err := json.Unmarshal(defaultConfigJSON, &defaultCfg); err == nil {
			cfg.Networks = defaultCfg.Networks
		} else {
			cfg.Networks = make(map[string]NetworkConfig)
		}
	}

	for id, n := range cfg.Networks {
		if err := validateNetwork(id, &n); err != nil {
			return err
		}
		cfg.Networks[id] = n
	}

	return nil
}

func validateNetwork(id string, n *NetworkConfig) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("network id must not be empty")
	}
	if n.Disabled {
		return nil
	}
	if len(n.GRPCURLs) == 0 {
		return fmt.Errorf("network %s: at least one grpc url is required", id)
	}
	if n.Bech32Prefix == "" {
		return fmt.Errorf("network %s: bech32_prefix is required", id)
	}
	if n.CoinType == 0 {
		n.CoinType = 118
	}
	if n.GasPerOp == 0 {
		n.GasPerOp = 250000
	}
	if n.BaseGasPerTx == 0 {
		n.BaseGasPerTx = 100000
	}
	if n.GasPrice != "" {
		if _, err := math.LegacyNewDecFromStr(n.GasPrice); err != nil {
			return fmt.Errorf("network %s: invalid gas_price %q: %w", id, n.GasPrice, err)
		}
	}
	if n.MaxOpsPerTx != nil && *n.MaxOpsPerTx < 0 {
		return fmt.Errorf("network %s: max_ops_per_tx must be positive", id)
	}
	return nil
}

// Validate fills defaults and checks the config.
func Validate(cfg *Config) error {
	return validateConfig(cfg)
}

// Save writes the given config to <home>/config/ansd_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Join(basePath, configSubdir)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := filepath.Join(configDir, configFileName)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads the config from <home>/config/ansd_config.json and fills defaults.
func Load(basePath string) (Config, error) {
	configFile := filepath.Join(basePath, configSubdir, configFileName)
	data, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.NodeHome == "" {
		cfg.NodeHome = basePath
	}
	if err := validateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefaultConfig loads the default configuration from embedded JSON
func LoadDefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}

// ConfigPath returns the config file location under a home directory.
func ConfigPath(basePath string) string {
	return filepath.Join(basePath, configSubdir, configFileName)
}

// CacheDir returns the feed cache directory, defaulting under the home dir.
func (c *Config) CacheDir() string {
	if c.FeedCacheDir != "" {
		return c.FeedCacheDir
	}
	return filepath.Join(c.NodeHome, "cache", "feed")
}
