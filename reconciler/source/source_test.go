package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cosmos/cosmos-sdk/types/bech32"
	transfertypes "github.com/cosmos/ibc-go/v10/modules/apps/transfer/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/AbstractSDK/ans-scraper/reconciler/errors"
	"github.com/AbstractSDK/ans-scraper/reconciler/registry"
)

func addr(t *testing.T, prefix string, seed byte) string {
	t.Helper()
	bz := make([]byte, 20)
	for i := range bz {
		bz[i] = seed
	}
	out, err := bech32.ConvertAndEncode(prefix, bz)
	require.NoError(t, err)
	return out
}

func rev(v interface{}) json.RawMessage {
	bz, _ := json.Marshal(v)
	return bz
}

func TestNormalizeRecords(t *testing.T) {
	token := addr(t, "juno", 1)
	contract := addr(t, "juno", 2)
	pool := addr(t, "juno", 3)

	tests := []struct {
		name    string
		rec     RawRecord
		key     registry.Key
		value   string
		wantErr bool
	}{
		{
			name:  "native denom",
			rec:   RawRecord{Kind: "asset", Key: " JUNO ", Denom: "ujuno"},
			key:   registry.Key{Network: "juno", Kind: registry.KindAsset, Name: "juno"},
			value: "native:ujuno",
		},
		{
			name:  "explicit native value",
			rec:   RawRecord{Kind: "asset", Key: "usdc", Value: "native:uusdc"},
			key:   registry.Key{Network: "juno", Kind: registry.KindAsset, Name: "usdc"},
			value: "native:uusdc",
		},
		{
			name:  "cw20",
			rec:   RawRecord{Kind: "asset", Key: "raw", CW20: token},
			key:   registry.Key{Network: "juno", Kind: registry.KindAsset, Name: "raw"},
			value: "cw20:" + token,
		},
		{
			name:  "ibc path",
			rec:   RawRecord{Kind: "asset", Key: "cosmoshub>atom", IBCPath: "transfer/channel-0/uatom"},
			key:   registry.Key{Network: "juno", Kind: registry.KindAsset, Name: "cosmoshub>atom"},
			value: "native:ibc/27394FB092D2ECCD56123C74F36E4C1F926001CEADA9CA97EA622B25F41E5EB2",
		},
		{
			name:  "ibc path given as denom",
			rec:   RawRecord{Kind: "asset", Key: "atom", Denom: "transfer/channel-0/uatom"},
			key:   registry.Key{Network: "juno", Kind: registry.KindAsset, Name: "atom"},
			value: "native:ibc/27394FB092D2ECCD56123C74F36E4C1F926001CEADA9CA97EA622B25F41E5EB2",
		},
		{
			name:  "contract",
			rec:   RawRecord{Kind: "contract", Key: "abstract:ans-host", Address: contract},
			key:   registry.Key{Network: "juno", Kind: registry.KindContract, Name: "abstract:ans-host"},
			value: contract,
		},
		{
			name: "channel",
			rec: RawRecord{Kind: "channel", Key: "osmosis", Channel: &ChannelInfo{
				Channel: "channel-0", CounterpartyChain: "Osmosis", CounterpartyChannel: "channel-42",
			}},
			key:   registry.Key{Network: "juno", Kind: registry.KindChannel, Name: "osmosis"},
			value: `{"port":"transfer","channel":"channel-0","counterparty_chain":"osmosis","counterparty_channel":"channel-42"}`,
		},
		{
			name: "pool with pair type alias",
			rec: RawRecord{Kind: "pool", Key: pool, Pool: &PoolInfo{
				Dex: "Astroport", PoolType: "xyk", Assets: []string{"juno>usdc", "JUNO>juno"},
			}},
			key:   registry.Key{Network: "juno", Kind: registry.KindPool, Name: pool},
			value: `{"dex":"astroport","pool_type":"constant_product","assets":["juno>juno","juno>usdc"]}`,
		},
		{name: "missing key", rec: RawRecord{Kind: "asset", Denom: "ujuno"}, wantErr: true},
		{name: "unknown kind", rec: RawRecord{Kind: "nft", Key: "x", Value: "y"}, wantErr: true},
		{name: "asset without value", rec: RawRecord{Kind: "asset", Key: "x"}, wantErr: true},
		{name: "bad denom", rec: RawRecord{Kind: "asset", Key: "x", Denom: "1bad"}, wantErr: true},
		{name: "value without prefix", rec: RawRecord{Kind: "asset", Key: "x", Value: "ujuno"}, wantErr: true},
		{name: "wrong address prefix", rec: RawRecord{Kind: "contract", Key: "x", Address: addr(t, "osmo", 2)}, wantErr: true},
		{name: "unparseable address", rec: RawRecord{Kind: "contract", Key: "x", Address: "juno1nope"}, wantErr: true},
		{name: "ibc path over other port", rec: RawRecord{Kind: "asset", Key: "x", IBCPath: "wasm.juno1abc/channel-0/uatom"}, wantErr: true},
		{name: "ibc path without hops", rec: RawRecord{Kind: "asset", Key: "x", IBCPath: "uatom"}, wantErr: true},
		{
			name:    "channel with bad id",
			rec:     RawRecord{Kind: "channel", Key: "x", Channel: &ChannelInfo{Channel: "chan", CounterpartyChain: "osmosis", CounterpartyChannel: "channel-1"}},
			wantErr: true,
		},
		{
			name:    "channel without counterparty",
			rec:     RawRecord{Kind: "channel", Key: "x", Channel: &ChannelInfo{Channel: "channel-1", CounterpartyChannel: "channel-1"}},
			wantErr: true,
		},
		{
			name:    "pool with unsupported type",
			rec:     RawRecord{Kind: "pool", Key: pool, Pool: &PoolInfo{Dex: "d", PoolType: "custom", Assets: []string{"a", "b"}}},
			wantErr: true,
		},
		{
			name:    "pool with one asset",
			rec:     RawRecord{Kind: "pool", Key: pool, Pool: &PoolInfo{Dex: "d", PoolType: "stable", Assets: []string{"a"}}},
			wantErr: true,
		},
		{name: "bad revision", rec: RawRecord{Kind: "asset", Key: "x", Denom: "ux", Revision: rev("soon")}, wantErr: true},
		{name: "negative revision", rec: RawRecord{Kind: "asset", Key: "x", Denom: "ux", Revision: rev(-1)}, wantErr: true},
	}

	n := normalizer{network: "juno", prefix: "juno", revision: 9}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := n.normalize(tt.rec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.key, entry.Key)
			assert.Equal(t, tt.value, entry.Value)
			assert.Equal(t, uint64(9), entry.Revision)
		})
	}
}

func TestRecordRevision(t *testing.T) {
	n := normalizer{revision: 4}

	v, err := n.recordRevision(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)

	v, err = n.recordRevision(rev(12))
	require.NoError(t, err)
	assert.Equal(t, uint64(12), v)

	v, err = n.recordRevision(rev("13"))
	require.NoError(t, err)
	assert.Equal(t, uint64(13), v)
}

func TestNormalizeSnapshotMaxWins(t *testing.T) {
	snap := &Snapshot{
		Network:  "juno",
		Revision: 6,
		Records: []RawRecord{
			{Kind: "asset", Key: "usdc", Denom: "uusdc", Revision: rev(6)},
			{Kind: "asset", Key: "usdc", Denom: "uold", Revision: rev(5)},
			{Kind: "asset", Key: "bad", Denom: "1bad", Revision: rev(8)},
			{Kind: "asset", Key: "juno", Denom: "ujuno", Revision: rev(2)},
		},
	}

	desired := Normalize("juno", "juno", snap)
	assert.Equal(t, 2, desired.Len())
	assert.Equal(t, uint64(8), desired.Revision())
	require.Len(t, desired.Warnings, 1)
	assert.True(t, rerrors.IsChainError(desired.Warnings[0], rerrors.ErrCodeSourceMalformed))

	e, ok := desired.Get(registry.Key{Network: "juno", Kind: registry.KindAsset, Name: "usdc"})
	require.True(t, ok)
	assert.Equal(t, "native:uusdc", e.Value)
	assert.Equal(t, uint64(6), e.Revision)

	assert.Equal(t, uint64(6), desired.Settled())

	// record order does not matter
	reversed := *snap
	reversed.Records = []RawRecord{snap.Records[3], snap.Records[2], snap.Records[1], snap.Records[0]}
	assert.Equal(t, desired.Entries(), Normalize("juno", "juno", &reversed).Entries())
}

func TestNormalizeSettledStopsBelowMalformed(t *testing.T) {
	tests := []struct {
		name        string
		records     []RawRecord
		wantSettled uint64
	}{
		{
			name: "malformed above accepted keeps accepted",
			records: []RawRecord{
				{Kind: "asset", Key: "usdc", Denom: "uusdc", Revision: rev(5)},
				{Kind: "contract", Key: "router", Address: "not-an-address", Revision: rev(9)},
			},
			wantSettled: 5,
		},
		{
			name: "malformed below accepted caps settled",
			records: []RawRecord{
				{Kind: "asset", Key: "usdc", Denom: "uusdc", Revision: rev(9)},
				{Kind: "contract", Key: "router", Address: "not-an-address", Revision: rev(4)},
			},
			wantSettled: 3,
		},
		{
			name: "superseded malformed record is ignored",
			records: []RawRecord{
				{Kind: "asset", Key: "usdc", Denom: "1bad", Revision: rev(4)},
				{Kind: "asset", Key: "usdc", Denom: "uusdc", Revision: rev(9)},
			},
			wantSettled: 9,
		},
		{
			name: "unparseable revision falls back to snapshot revision",
			records: []RawRecord{
				{Kind: "asset", Key: "usdc", Denom: "uusdc", Revision: rev(9)},
				{Kind: "asset", Key: "atom", Denom: "uatom", Revision: json.RawMessage(`"soon"`)},
			},
			wantSettled: 9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desired := Normalize("juno", "juno", &Snapshot{Network: "juno", Revision: 10, Records: tt.records})
			assert.Equal(t, uint64(10), desired.Revision())
			assert.Equal(t, tt.wantSettled, desired.Settled())
			assert.NotEmpty(t, desired.Warnings)
		})
	}
}

type staticFeed struct {
	snaps map[string]*Snapshot
	err   error
}

func (f *staticFeed) Fetch(ctx context.Context, network string) (*Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.snaps[network]
	if !ok {
		return nil, errors.New("no snapshot")
	}
	return s, nil
}

func TestAdapterFetchDesired(t *testing.T) {
	feed := &staticFeed{snaps: map[string]*Snapshot{
		"juno": {Network: "juno", Revision: 5, Records: []RawRecord{
			{Kind: "asset", Key: "usdc", Value: "native:uusdc", Revision: rev(5)},
			{Kind: "contract", Key: "broken"},
		}},
	}}
	a := NewAdapter(feed, map[string]string{"juno": "juno", "osmosis": "osmo"}, zerolog.Nop())

	desired, err := a.FetchDesired(context.Background(), "juno")
	require.NoError(t, err)
	assert.Equal(t, 1, desired.Len())
	assert.Len(t, desired.Warnings, 1)
	assert.Equal(t, uint64(5), desired.Revision())

	_, err = a.FetchDesired(context.Background(), "osmosis")
	require.Error(t, err)
	assert.True(t, rerrors.IsChainError(err, rerrors.ErrCodeSourceUnavailable))

	_, err = a.FetchDesired(context.Background(), "neutron")
	assert.True(t, rerrors.IsChainError(err, rerrors.ErrCodeConfig))
}

func snapshotJSON(t *testing.T, network string, revision uint64) []byte {
	bz, err := json.Marshal(Snapshot{
		Network:  network,
		Revision: revision,
		Records:  []RawRecord{{Kind: "asset", Key: "juno", Denom: "ujuno"}},
	})
	require.NoError(t, err)
	return bz
}

func TestHTTPFeedCachesAndFallsBack(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/juno.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(snapshotJSON(t, "juno", 7))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	feed := NewHTTPFeed(srv.URL+"/", cacheDir, time.Second, 3, zerolog.Nop())
	feed.SetBackoff(time.Millisecond)

	snap, err := feed.Fetch(context.Background(), "juno")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snap.Revision)
	assert.FileExists(t, filepath.Join(cacheDir, "juno.json"))

	healthy.Store(false)
	hits.Store(0)
	snap, err = feed.Fetch(context.Background(), "juno")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snap.Revision)
	assert.Equal(t, int32(3), hits.Load())

	_, err = feed.Fetch(context.Background(), "osmosis")
	require.Error(t, err)
	assert.True(t, rerrors.IsChainError(err, rerrors.ErrCodeSourceUnavailable))
}

func TestHTTPFeedDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	feed := NewHTTPFeed(srv.URL, "", time.Second, 3, zerolog.Nop())
	feed.SetBackoff(time.Millisecond)

	_, err := feed.Fetch(context.Background(), "juno")
	require.Error(t, err)
	assert.True(t, rerrors.IsChainError(err, rerrors.ErrCodeSourceUnavailable))
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPFeedRejectsForeignSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(snapshotJSON(t, "osmosis", 1))
	}))
	defer srv.Close()

	feed := NewHTTPFeed(srv.URL, "", time.Second, 2, zerolog.Nop())
	feed.SetBackoff(time.Millisecond)
	_, err := feed.Fetch(context.Background(), "juno")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "osmosis")
}

func TestFileFeed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "juno.json"), snapshotJSON(t, "juno", 3), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o600))

	feed := NewFileFeed(dir)
	snap, err := feed.Fetch(context.Background(), "juno")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Revision)
	assert.Len(t, snap.Records, 1)

	_, err = feed.Fetch(context.Background(), "bad")
	assert.True(t, rerrors.IsChainError(err, rerrors.ErrCodeSourceUnavailable))

	_, err = feed.Fetch(context.Background(), "missing")
	assert.True(t, rerrors.IsChainError(err, rerrors.ErrCodeSourceUnavailable))
}

type fakeDenoms map[string]*transfertypes.Denom

func (f fakeDenoms) DenomTrace(ctx context.Context, hash string) (*transfertypes.Denom, error) {
	d, ok := f[strings.TrimPrefix(hash, "ibc/")]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

func TestResolveNativeAsset(t *testing.T) {
	feed := &staticFeed{snaps: map[string]*Snapshot{
		"juno": {Network: "juno", Chain: "Juno", Assets: []RegistryAsset{
			{Symbol: "JUNO", Base: "ujuno", DenomUnits: []DenomUnit{{Denom: "ujuno"}, {Denom: "juno", Exponent: 6}}},
		}},
		"cosmoshub": {Network: "cosmoshub", Chain: "cosmoshub", Assets: []RegistryAsset{
			{Symbol: "ATOM", Base: "uatom", DenomUnits: []DenomUnit{{Denom: "uatom"}}},
		}},
	}}
	atom := transfertypes.ExtractDenomFromPath("transfer/channel-1/uatom")
	icaDenom := transfertypes.ExtractDenomFromPath("icahost/channel-2/uatom")
	denoms := fakeDenoms{
		strings.TrimPrefix(atom.IBCDenom(), "ibc/"):     &atom,
		strings.TrimPrefix(icaDenom.IBCDenom(), "ibc/"): &icaDenom,
	}

	r := NewResolver(feed, []string{"juno", "cosmoshub", "missing"}, zerolog.Nop())

	name, err := r.ResolveNativeAsset(context.Background(), denoms, atom.IBCDenom())
	require.NoError(t, err)
	assert.Equal(t, "cosmoshub>atom", name)

	name, err = r.ResolveNativeAsset(context.Background(), denoms, "ujuno")
	require.NoError(t, err)
	assert.Equal(t, "juno>juno", name)

	_, err = r.ResolveNativeAsset(context.Background(), denoms, icaDenom.IBCDenom())
	require.Error(t, err)

	_, err = r.ResolveNativeAsset(context.Background(), denoms, "ibc/0000")
	require.Error(t, err)

	_, err = r.ResolveNativeAsset(context.Background(), denoms, "uosmo")
	require.Error(t, err)
}
