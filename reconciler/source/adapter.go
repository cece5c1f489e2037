package source

import (
	"context"

	"github.com/rs/zerolog"

	rerrors "github.com/AbstractSDK/ans-scraper/reconciler/errors"
	"github.com/AbstractSDK/ans-scraper/reconciler/registry"
)

// Adapter fetches feed snapshots and normalizes them into desired states.
type Adapter struct {
	feed     Feed
	prefixes map[string]string
	logger   zerolog.Logger
}

// NewAdapter creates an adapter. prefixes maps network id to its bech32
// address prefix.
func NewAdapter(feed Feed, prefixes map[string]string, logger zerolog.Logger) *Adapter {
	return &Adapter{
		feed:     feed,
		prefixes: prefixes,
		logger:   logger.With().Str("component", "source_adapter").Logger(),
	}
}

// FetchDesired returns the desired state of a network. It fails with
// SourceUnavailable when the feed cannot be read. Records that cannot be
// normalized are skipped and reported in DesiredState.Warnings.
func (a *Adapter) FetchDesired(ctx context.Context, network string) (*registry.DesiredState, error) {
	prefix, ok := a.prefixes[network]
	if !ok {
		return nil, rerrors.NewConfigError(network, "no bech32 prefix configured")
	}

	snap, err := a.feed.Fetch(ctx, network)
	if err != nil {
		if rerrors.IsChainError(err, rerrors.ErrCodeSourceUnavailable) {
			return nil, err
		}
		return nil, rerrors.NewSourceUnavailable(network, "failed to fetch snapshot", err)
	}

	desired := Normalize(network, prefix, snap)
	for _, w := range desired.Warnings {
		a.logger.Warn().Str("network", network).Err(w).Msg("skipping malformed feed record")
	}
	a.logger.Info().
		Str("network", network).
		Uint64("revision", desired.Revision()).
		Int("entries", desired.Len()).
		Int("skipped", len(desired.Warnings)).
		Msg("desired state fetched")
	return desired, nil
}

// Normalize converts a snapshot into a desired state applying max-wins per
// key. It never fails as a whole.
func Normalize(network, prefix string, snap *Snapshot) *registry.DesiredState {
	desired := registry.NewDesiredState(network)
	desired.Observe(snap.Revision)

	type rejection struct {
		key      registry.Key
		keyed    bool
		revision uint64
	}
	var rejected []rejection

	n := normalizer{network: network, prefix: prefix, revision: snap.Revision}
	for _, rec := range snap.Records {
		entry, err := n.normalize(rec)
		if err != nil {
			rev, revErr := n.recordRevision(rec.Revision)
			if revErr != nil {
				rev = snap.Revision
			}
			rj := rejection{revision: rev}
			if kind, kindErr := registry.ParseEntryKind(rec.Kind); kindErr == nil && kind != registry.KindPool {
				rj.key = registry.Key{Network: network, Kind: kind, Name: normalizeName(rec.Key)}
				rj.keyed = rj.key.Name != ""
			}
			rejected = append(rejected, rj)
			desired.Warnings = append(desired.Warnings,
				rerrors.NewSourceMalformed(network, rec.Kind+"/"+rec.Key, err.Error()))
			continue
		}
		desired.Put(entry)
	}

	// a malformed record superseded by a newer valid one needs no repair
	for _, rj := range rejected {
		if rj.keyed {
			if cur, ok := desired.Get(rj.key); ok && cur.Revision > rj.revision {
				continue
			}
		}
		desired.Reject(rj.revision)
	}
	return desired
}
