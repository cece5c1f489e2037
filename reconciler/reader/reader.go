// Package reader materializes the registry contents stored on-chain.
package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/AbstractSDK/ans-scraper/reconciler/config"
	rerrors "github.com/AbstractSDK/ans-scraper/reconciler/errors"
	"github.com/AbstractSDK/ans-scraper/reconciler/registry"
	"github.com/AbstractSDK/ans-scraper/reconciler/rpcpool"
)

// Querier runs smart queries against a contract.
type Querier interface {
	SmartQuery(ctx context.Context, contract string, query []byte) ([]byte, error)
}

// ConnSource leases connections to a network.
type ConnSource interface {
	Acquire(ctx context.Context, network string) (*rpcpool.Conn, error)
}

// Cursor identifies the last entry of a page.
type Cursor struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

type listEntriesQuery struct {
	ListEntries listEntries `json:"list_entries"`
}

type listEntries struct {
	StartAfter *Cursor `json:"start_after"`
	Limit      int     `json:"limit"`
}

// StoredEntry is one entry as returned by the registry contract.
type StoredEntry struct {
	Kind  string `json:"kind"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Page is one list_entries response.
type Page struct {
	Entries []StoredEntry `json:"entries"`
	Next    *Cursor       `json:"next"`
}

// Reader pages through registry contracts.
type Reader struct {
	contracts    map[string]string
	pageSize     int
	maxPages     int
	maxAttempts  int
	retryBackoff time.Duration
	logger       zerolog.Logger
}

// New creates a reader. contracts maps network id to registry contract.
func New(cfg config.ReaderConfig, contracts map[string]string, logger zerolog.Logger) *Reader {
	r := &Reader{
		contracts:    contracts,
		pageSize:     cfg.PageSize,
		maxPages:     cfg.MaxPages,
		maxAttempts:  cfg.MaxReadAttempts,
		retryBackoff: time.Second,
		logger:       logger.With().Str("component", "state_reader").Logger(),
	}
	if r.pageSize <= 0 {
		r.pageSize = 50
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 1
	}
	return r
}

// SetRetryBackoff overrides the initial delay between whole-read retries.
func (r *Reader) SetRetryBackoff(d time.Duration) {
	r.retryBackoff = d
}

// ReadActual pages through the network's registry contract until the cursor
// is exhausted. Any interruption fails the whole read with a
// PartialReadAborted error; a partial state is never returned.
func (r *Reader) ReadActual(ctx context.Context, network string, q Querier) (*registry.ActualState, error) {
	contract, ok := r.contracts[network]
	if !ok || contract == "" {
		return nil, rerrors.NewConfigError(network, "no registry contract configured")
	}

	log := r.logger.With().Str("network", network).Logger()
	actual := registry.NewActualState(network)
	seen := make(map[Cursor]struct{})

	var cursor *Cursor
	pages := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, rerrors.NewPartialReadAborted(network, "read cancelled", err)
		}
		if r.maxPages > 0 && pages >= r.maxPages {
			return nil, rerrors.NewPartialReadAborted(network,
				fmt.Sprintf("page limit %d reached", r.maxPages), nil)
		}

		page, err := r.fetchPage(ctx, contract, q, cursor)
		if err != nil {
			return nil, rerrors.NewPartialReadAborted(network,
				fmt.Sprintf("page %d failed", pages+1), err)
		}
		pages++

		for _, stored := range page.Entries {
			kind, err := registry.ParseEntryKind(stored.Kind)
			if err != nil {
				log.Warn().Str("kind", stored.Kind).Str("key", stored.Key).Msg("skipping entry of unknown kind")
				continue
			}
			key := registry.Key{Network: network, Kind: kind, Name: stored.Key}
			if prev, existed := actual.Merge(key, stored.Value); existed && prev != stored.Value {
				log.Warn().
					Str("key", key.String()).
					Str("previous", prev).
					Str("value", stored.Value).
					Msg("conflicting duplicate entry across pages")
			}
		}

		if page.Next == nil || len(page.Entries) == 0 {
			break
		}
		if _, dup := seen[*page.Next]; dup {
			return nil, rerrors.NewPartialReadAborted(network,
				fmt.Sprintf("cursor %s/%s did not advance", page.Next.Kind, page.Next.Key), nil)
		}
		seen[*page.Next] = struct{}{}
		cursor = page.Next
	}

	log.Debug().
		Int("pages", pages).
		Int("entries", actual.Len()).
		Msg("registry state read")
	return actual, nil
}

func (r *Reader) fetchPage(ctx context.Context, contract string, q Querier, cursor *Cursor) (*Page, error) {
	query, err := json.Marshal(listEntriesQuery{ListEntries: listEntries{StartAfter: cursor, Limit: r.pageSize}})
	if err != nil {
		return nil, err
	}
	raw, err := q.SmartQuery(ctx, contract, query)
	if err != nil {
		return nil, err
	}
	var page Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("invalid list_entries response: %w", err)
	}
	return &page, nil
}

// Read leases a connection and reads the network's state, retrying the whole
// read on PartialReadAborted. Each attempt leases afresh so a failing
// endpoint is reported to the pool and can be failed over.
func (r *Reader) Read(ctx context.Context, network string, conns ConnSource) (*registry.ActualState, error) {
	var actual *registry.ActualState

	retryCfg := &rerrors.RetryConfig{
		MaxAttempts:  r.maxAttempts,
		InitialDelay: r.retryBackoff,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		ShouldRetry:  rerrors.IsPartialRead,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			r.logger.Warn().
				Str("network", network).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(err).
				Msg("registry read aborted, retrying")
		},
	}

	err := rerrors.RetryWithConfig(ctx, func(ctx context.Context) error {
		conn, err := conns.Acquire(ctx, network)
		if err != nil {
			return err
		}
		defer conn.Release()

		q, ok := conn.Client.(Querier)
		if !ok {
			return rerrors.NewInternalError(network, "pooled client cannot run smart queries", nil)
		}

		start := time.Now()
		state, err := r.ReadActual(ctx, network, q)
		if err != nil {
			conn.ReportFailure(err, time.Since(start))
			return err
		}
		conn.ReportSuccess(time.Since(start))
		actual = state
		return nil
	}, retryCfg)
	if err != nil {
		return nil, err
	}
	return actual, nil
}
