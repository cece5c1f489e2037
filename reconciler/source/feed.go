// Package source fetches the registry feed and normalizes it into the
// desired registry state of each network.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	rerrors "github.com/AbstractSDK/ans-scraper/reconciler/errors"
)

// Snapshot is one versioned feed document for a network.
type Snapshot struct {
	Network  string      `json:"network"`
	Chain    string      `json:"chain_name,omitempty"`
	Revision uint64      `json:"revision"`
	Records  []RawRecord `json:"records"`

	// Assets is the chain-registry asset list of the network, used to name
	// IBC assets by their origin.
	Assets []RegistryAsset `json:"assets,omitempty"`
}

// RawRecord is a feed record before normalization. Which fields are set
// depends on the kind.
type RawRecord struct {
	Kind     string          `json:"kind"`
	Key      string          `json:"key"`
	Revision json.RawMessage `json:"revision,omitempty"`

	Value   string       `json:"value,omitempty"`
	Denom   string       `json:"denom,omitempty"`
	CW20    string       `json:"cw20,omitempty"`
	IBCPath string       `json:"ibc_path,omitempty"`
	Address string       `json:"address,omitempty"`
	Channel *ChannelInfo `json:"channel,omitempty"`
	Pool    *PoolInfo    `json:"pool,omitempty"`
}

// RegistryAsset is a chain-registry asset description.
type RegistryAsset struct {
	Symbol     string      `json:"symbol"`
	Base       string      `json:"base"`
	DenomUnits []DenomUnit `json:"denom_units"`
}

// DenomUnit is one denomination of a registry asset.
type DenomUnit struct {
	Denom    string `json:"denom"`
	Exponent uint32 `json:"exponent"`
}

// Feed returns the current snapshot of a network.
type Feed interface {
	Fetch(ctx context.Context, network string) (*Snapshot, error)
}

// HTTPFeed reads snapshots from <base>/<network>.json. Good snapshots are
// cached on disk and served from there while the remote is unreachable.
type HTTPFeed struct {
	baseURL    string
	cacheDir   string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	logger     zerolog.Logger
}

// NewHTTPFeed creates a remote feed. cacheDir may be empty to disable caching.
func NewHTTPFeed(baseURL, cacheDir string, timeout time.Duration, maxRetries int, logger zerolog.Logger) *HTTPFeed {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &HTTPFeed{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		cacheDir:   cacheDir,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoff:    time.Second,
		logger:     logger.With().Str("component", "http_feed").Logger(),
	}
}

// SetBackoff overrides the delay between fetch attempts.
func (f *HTTPFeed) SetBackoff(d time.Duration) {
	f.backoff = d
}

// Fetch implements Feed.
func (f *HTTPFeed) Fetch(ctx context.Context, network string) (*Snapshot, error) {
	var snap *Snapshot
	retryCfg := &rerrors.RetryConfig{
		MaxAttempts:  f.maxRetries,
		InitialDelay: f.backoff,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		ShouldRetry:  func(err error) bool { return !isPermanent(err) },
	}

	err := rerrors.RetryWithConfig(ctx, func(ctx context.Context) error {
		s, err := f.fetchRemote(ctx, network)
		if err != nil {
			return err
		}
		snap = s
		return nil
	}, retryCfg)
	if err == nil {
		f.writeCache(network, snap)
		return snap, nil
	}

	cached, cacheErr := f.readCache(network)
	if cacheErr == nil {
		f.logger.Warn().
			Str("network", network).
			Uint64("revision", cached.Revision).
			Err(err).
			Msg("registry feed unreachable, using cached snapshot")
		return cached, nil
	}

	return nil, rerrors.NewSourceUnavailable(network, "registry feed unreachable", err)
}

type permanentError struct{ error }

func (e permanentError) Unwrap() error { return e.error }

func isPermanent(err error) bool {
	_, ok := err.(permanentError)
	return ok
}

func (f *HTTPFeed) fetchRemote(ctx context.Context, network string) (*Snapshot, error) {
	url := fmt.Sprintf("%s/%s.json", f.baseURL, network)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, permanentError{err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, permanentError{err}
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	snap, err := decodeSnapshot(body, network)
	if err != nil {
		return nil, permanentError{err}
	}
	return snap, nil
}

func (f *HTTPFeed) cachePath(network string) string {
	return filepath.Join(f.cacheDir, network+".json")
}

func (f *HTTPFeed) writeCache(network string, snap *Snapshot) {
	if f.cacheDir == "" {
		return
	}
	data, err := json.Marshal(snap)
	if err == nil {
		err = os.MkdirAll(f.cacheDir, 0o750)
	}
	if err == nil {
		err = os.WriteFile(f.cachePath(network), data, 0o600)
	}
	if err != nil {
		f.logger.Warn().Str("network", network).Err(err).Msg("failed to cache snapshot")
	}
}

func (f *HTTPFeed) readCache(network string) (*Snapshot, error) {
	if f.cacheDir == "" {
		return nil, fmt.Errorf("cache disabled")
	}
	data, err := os.ReadFile(f.cachePath(network))
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data, network)
}

// FileFeed reads snapshots from a local directory, <dir>/<network>.json.
type FileFeed struct {
	dir string
}

// NewFileFeed creates a feed backed by dir.
func NewFileFeed(dir string) *FileFeed {
	return &FileFeed{dir: dir}
}

// Fetch implements Feed.
func (f *FileFeed) Fetch(ctx context.Context, network string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, rerrors.NewSourceUnavailable(network, "fetch cancelled", err)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, network+".json"))
	if err != nil {
		return nil, rerrors.NewSourceUnavailable(network, "snapshot not readable", err)
	}
	snap, err := decodeSnapshot(data, network)
	if err != nil {
		return nil, rerrors.NewSourceUnavailable(network, "snapshot not decodable", err)
	}
	return snap, nil
}

// decodeSnapshot parses a snapshot and checks it belongs to network. A
// snapshot without a network field is accepted for the requested one.
func decodeSnapshot(data []byte, network string) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	if snap.Network == "" {
		snap.Network = network
	}
	if snap.Network != network {
		return nil, fmt.Errorf("snapshot is for network %q, want %q", snap.Network, network)
	}
	return &snap, nil
}
