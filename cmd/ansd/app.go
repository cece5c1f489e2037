package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/AbstractSDK/ans-scraper/reconciler/chain"
	"github.com/AbstractSDK/ans-scraper/reconciler/config"
	"github.com/AbstractSDK/ans-scraper/reconciler/core"
	"github.com/AbstractSDK/ans-scraper/reconciler/db"
	"github.com/AbstractSDK/ans-scraper/reconciler/logger"
	"github.com/AbstractSDK/ans-scraper/reconciler/reader"
	"github.com/AbstractSDK/ans-scraper/reconciler/rpcpool"
	"github.com/AbstractSDK/ans-scraper/reconciler/source"
	"github.com/AbstractSDK/ans-scraper/reconciler/submitter"
)

// app holds the wired components of the daemon.
type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	pool       *rpcpool.Pool
	dbm        *db.NetworkDBManager
	feed       source.Feed
	reconciler *core.Reconciler
}

// loadConfig reads the config file under --home and applies flag and
// ANSD_* environment overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	home := v.GetString(flagHome)
	cfg, err := config.Load(home)
	if err != nil {
		return nil, fmt.Errorf("%w (run `ansd init --home %s` to create one)", err, home)
	}
	cfg.NodeHome = home

	if raw := v.GetString(flagLogLevel); raw != "" {
		level, err := cast.ToIntE(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", raw, err)
		}
		cfg.LogLevel = level
	}
	if format := v.GetString(flagLogFormat); format != "" {
		cfg.LogFormat = format
	}
	if err := config.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func newFeed(cfg *config.Config, log zerolog.Logger) source.Feed {
	if cfg.FeedDir != "" {
		return source.NewFileFeed(cfg.FeedDir)
	}
	return source.NewHTTPFeed(cfg.FeedBaseURL, cfg.CacheDir(), cfg.FeedTimeout(), cfg.FeedMaxRetries, log)
}

// newApp wires every component. With requireSigners, a network whose signer
// mnemonic is missing is a configuration error; otherwise the network can
// only be dry-run.
func newApp(v *viper.Viper, requireSigners bool) (*app, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	log := logger.Init(*cfg)

	pool := rpcpool.NewPool(rpcpool.NewConfig(cfg.RPCPoolConfig), chain.Factory(), rpcpool.PingHealthChecker{}, log)
	prefixes := make(map[string]string)
	contracts := make(map[string]string)
	for _, id := range cfg.NetworkIDs() {
		n := cfg.Networks[id]
		if err := pool.AddNetwork(id, n.GRPCURLs); err != nil {
			return nil, fmt.Errorf("network %s: %w", id, err)
		}
		prefixes[id] = n.Bech32Prefix
		contracts[id] = n.RegistryContract
	}

	targets, err := newTargets(cfg, log, requireSigners)
	if err != nil {
		return nil, err
	}

	feed := newFeed(cfg, log)
	dbm := db.NewNetworkDBManager(cfg.NodeHome, log)
	rec := core.New(
		cfg,
		pool,
		source.NewAdapter(feed, prefixes, log),
		reader.New(cfg.ReaderConfig, contracts, log),
		submitter.New(pool, submitter.NewConfig(cfg.SubmissionConfig), log),
		dbm,
		targets,
		log,
	)

	return &app{cfg: cfg, log: log, pool: pool, dbm: dbm, feed: feed, reconciler: rec}, nil
}

func newTargets(cfg *config.Config, log zerolog.Logger, requireSigners bool) (map[string]core.Target, error) {
	targets := make(map[string]core.Target)
	for _, id := range cfg.NetworkIDs() {
		n := cfg.Networks[id]
		target := core.Target{
			Contract:    n.RegistryContract,
			MaxOpsPerTx: cfg.MaxOpsPerTxFor(id),
		}

		mnemonic := ""
		if n.SignerMnemonicEnv != "" {
			mnemonic = os.Getenv(n.SignerMnemonicEnv)
		}
		if mnemonic == "" {
			if requireSigners {
				return nil, fmt.Errorf("network %s: signer mnemonic env %q is not set", id, n.SignerMnemonicEnv)
			}
			log.Warn().Str("network", id).Msg("no signer mnemonic; network limited to dry runs")
			targets[id] = target
			continue
		}

		enc, err := chain.MakeEncodingConfig(n.Bech32Prefix)
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", id, err)
		}
		signer, err := chain.NewSigner(id, n, mnemonic, enc, log)
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", id, err)
		}
		target.Signer = signer
		targets[id] = target
	}
	return targets, nil
}

func (a *app) close() {
	a.pool.Stop()
	if err := a.dbm.CloseAll(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close databases")
	}
}
