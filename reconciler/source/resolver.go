package source

import (
	"context"
	"fmt"
	"strings"

	transfertypes "github.com/cosmos/ibc-go/v10/modules/apps/transfer/types"
	"github.com/rs/zerolog"
)

// DenomQuerier resolves IBC denom hashes on a chain.
type DenomQuerier interface {
	DenomTrace(ctx context.Context, hash string) (*transfertypes.Denom, error)
}

// Resolver names native assets by looking up their origin in the feed's
// chain-registry asset lists.
type Resolver struct {
	feed     Feed
	networks []string
	logger   zerolog.Logger
}

// NewResolver creates a resolver that searches the asset lists of networks.
func NewResolver(feed Feed, networks []string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		feed:     feed,
		networks: networks,
		logger:   logger.With().Str("component", "denom_resolver").Logger(),
	}
}

// ResolveNativeAsset returns the registry name "<chain>><symbol>" of denom.
// IBC vouchers are traced through q first; only assets received over the
// transfer port are resolved.
func (r *Resolver) ResolveNativeAsset(ctx context.Context, q DenomQuerier, denom string) (string, error) {
	base := denom
	if strings.HasPrefix(denom, "ibc/") {
		trace, err := q.DenomTrace(ctx, denom)
		if err != nil {
			return "", err
		}
		if len(trace.Trace) == 0 {
			return "", fmt.Errorf("denom %s has an empty trace", denom)
		}
		if port := trace.Trace[0].PortId; port != transferPort {
			return "", fmt.Errorf("denom %s was received over port %s, not %s", denom, port, transferPort)
		}
		base = trace.Base
		r.logger.Debug().Str("denom", denom).Str("base", base).Str("path", trace.Path()).Msg("denom traced")
	}

	for _, network := range r.networks {
		snap, err := r.feed.Fetch(ctx, network)
		if err != nil {
			r.logger.Warn().Str("network", network).Err(err).Msg("asset list unavailable")
			continue
		}
		if asset, ok := findAsset(snap.Assets, base); ok {
			chain := snap.Chain
			if chain == "" {
				chain = snap.Network
			}
			return strings.ToLower(chain) + ">" + strings.ToLower(asset.Symbol), nil
		}
	}
	return "", fmt.Errorf("no registry asset has denom %s", base)
}

func findAsset(assets []RegistryAsset, denom string) (RegistryAsset, bool) {
	for _, asset := range assets {
		if asset.Base == denom {
			return asset, true
		}
		for _, unit := range asset.DenomUnits {
			if unit.Denom == denom {
				return asset, true
			}
		}
	}
	return RegistryAsset{}, false
}
