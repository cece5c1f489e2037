package source

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/cosmos/cosmos-sdk/types/bech32"
	transfertypes "github.com/cosmos/ibc-go/v10/modules/apps/transfer/types"
	host "github.com/cosmos/ibc-go/v10/modules/core/24-host"
	"github.com/spf13/cast"

	"github.com/AbstractSDK/ans-scraper/reconciler/registry"
)

// Asset value prefixes.
const (
	NativePrefix = "native:"
	CW20Prefix   = "cw20:"
)

// transferPort is the only port IBC assets may travel through.
const transferPort = "transfer"

// ChannelInfo describes an IBC channel entry.
type ChannelInfo struct {
	Port                string `json:"port"`
	Channel             string `json:"channel"`
	CounterpartyChain   string `json:"counterparty_chain"`
	CounterpartyChannel string `json:"counterparty_channel"`
}

// PoolInfo describes a DEX pool entry.
type PoolInfo struct {
	Dex      string   `json:"dex"`
	PoolType string   `json:"pool_type"`
	Assets   []string `json:"assets"`
}

// poolTypes maps accepted feed pool types, including DEX pair type names, to
// the registry pool type.
var poolTypes = map[string]string{
	"stable":              "stable",
	"constant_product":    "constant_product",
	"xyk":                 "constant_product",
	"weighted":            "weighted",
	"concentrated":        "weighted",
	"liquidity_bootstrap": "liquidity_bootstrap",
}

// normalizer turns raw records of one network into entries.
type normalizer struct {
	network  string
	prefix   string
	revision uint64
}

// recordRevision parses the record revision; records without one inherit the
// snapshot revision.
func (n normalizer) recordRevision(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return n.revision, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("unparseable revision %s", string(raw))
	}
	rev, err := cast.ToUint64E(v)
	if err != nil {
		return 0, fmt.Errorf("unparseable revision %s", string(raw))
	}
	return rev, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// normalize builds the canonical entry of a record.
func (n normalizer) normalize(rec RawRecord) (registry.Entry, error) {
	var entry registry.Entry

	name := normalizeName(rec.Key)
	if name == "" {
		return entry, fmt.Errorf("missing key")
	}

	kind, err := registry.ParseEntryKind(rec.Kind)
	if err != nil {
		return entry, err
	}

	rev, err := n.recordRevision(rec.Revision)
	if err != nil {
		return entry, err
	}

	var value string
	switch kind {
	case registry.KindAsset:
		value, err = n.assetValue(rec)
	case registry.KindContract:
		value, err = n.contractValue(rec)
	case registry.KindChannel:
		value, err = channelValue(rec)
	case registry.KindPool:
		name, value, err = n.poolValue(rec)
	}
	if err != nil {
		return entry, err
	}

	return registry.Entry{
		Key:      registry.Key{Network: n.network, Kind: kind, Name: name},
		Value:    value,
		Revision: rev,
	}, nil
}

func (n normalizer) assetValue(rec RawRecord) (string, error) {
	switch {
	case rec.IBCPath != "":
		return ibcAssetValue(rec.IBCPath)
	case rec.Denom != "":
		if strings.Contains(rec.Denom, "/channel-") && !strings.HasPrefix(rec.Denom, "ibc/") {
			return ibcAssetValue(rec.Denom)
		}
		return nativeValue(rec.Denom)
	case rec.CW20 != "":
		addr, err := n.address(rec.CW20)
		if err != nil {
			return "", err
		}
		return CW20Prefix + addr, nil
	case rec.Value != "":
		value := strings.TrimSpace(rec.Value)
		switch {
		case strings.HasPrefix(value, NativePrefix):
			return nativeValue(strings.TrimPrefix(value, NativePrefix))
		case strings.HasPrefix(value, CW20Prefix):
			addr, err := n.address(strings.TrimPrefix(value, CW20Prefix))
			if err != nil {
				return "", err
			}
			return CW20Prefix + addr, nil
		}
		return "", fmt.Errorf("asset value %q is neither native nor cw20", value)
	}
	return "", fmt.Errorf("asset record has no denom, cw20 or ibc path")
}

func nativeValue(denom string) (string, error) {
	denom = strings.TrimSpace(denom)
	if err := sdk.ValidateDenom(denom); err != nil {
		return "", fmt.Errorf("invalid denom %q: %w", denom, err)
	}
	return NativePrefix + denom, nil
}

// ibcAssetValue converts a trace path such as transfer/channel-0/uatom into
// the hashed voucher denom held on this network.
func ibcAssetValue(path string) (string, error) {
	denom := transfertypes.ExtractDenomFromPath(strings.TrimSpace(path))
	if len(denom.Trace) == 0 {
		return "", fmt.Errorf("ibc path %q has no hops", path)
	}
	if denom.Trace[0].PortId != transferPort {
		return "", fmt.Errorf("ibc path %q does not start at the %s port", path, transferPort)
	}
	for _, hop := range denom.Trace {
		if err := host.PortIdentifierValidator(hop.PortId); err != nil {
			return "", fmt.Errorf("ibc path %q: %w", path, err)
		}
		if err := host.ChannelIdentifierValidator(hop.ChannelId); err != nil {
			return "", fmt.Errorf("ibc path %q: %w", path, err)
		}
	}
	if denom.Base == "" {
		return "", fmt.Errorf("ibc path %q has no base denom", path)
	}
	return nativeValue(denom.IBCDenom())
}

// address checks a bech32 address carries the network prefix and returns it
// in canonical lower case.
func (n normalizer) address(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	hrp, _, err := bech32.DecodeAndConvert(addr)
	if err != nil {
		return "", fmt.Errorf("unparseable address %q: %w", addr, err)
	}
	if hrp != n.prefix {
		return "", fmt.Errorf("address %q has prefix %q, want %q", addr, hrp, n.prefix)
	}
	return strings.ToLower(addr), nil
}

func (n normalizer) contractValue(rec RawRecord) (string, error) {
	addr := rec.Address
	if addr == "" {
		addr = rec.Value
	}
	if addr == "" {
		return "", fmt.Errorf("contract record has no address")
	}
	return n.address(addr)
}

func channelValue(rec RawRecord) (string, error) {
	ch := rec.Channel
	if ch == nil {
		return "", fmt.Errorf("channel record has no channel")
	}
	info := ChannelInfo{
		Port:                strings.TrimSpace(ch.Port),
		Channel:             strings.TrimSpace(ch.Channel),
		CounterpartyChain:   normalizeName(ch.CounterpartyChain),
		CounterpartyChannel: strings.TrimSpace(ch.CounterpartyChannel),
	}
	if info.Port == "" {
		info.Port = transferPort
	}
	if err := host.PortIdentifierValidator(info.Port); err != nil {
		return "", err
	}
	if err := host.ChannelIdentifierValidator(info.Channel); err != nil {
		return "", err
	}
	if err := host.ChannelIdentifierValidator(info.CounterpartyChannel); err != nil {
		return "", fmt.Errorf("counterparty: %w", err)
	}
	if info.CounterpartyChain == "" {
		return "", fmt.Errorf("channel record has no counterparty chain")
	}
	bz, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(bz), nil
}

// poolValue keys pools by their contract address.
func (n normalizer) poolValue(rec RawRecord) (string, string, error) {
	addr, err := n.address(rec.Key)
	if err != nil {
		return "", "", err
	}
	p := rec.Pool
	if p == nil {
		return "", "", fmt.Errorf("pool record has no pool metadata")
	}

	dex := normalizeName(p.Dex)
	if dex == "" {
		return "", "", fmt.Errorf("pool record has no dex")
	}
	poolType, ok := poolTypes[normalizeName(p.PoolType)]
	if !ok {
		return "", "", fmt.Errorf("unsupported pool type %q", p.PoolType)
	}
	if len(p.Assets) < 2 {
		return "", "", fmt.Errorf("pool needs at least two assets, got %d", len(p.Assets))
	}
	assets := make([]string, 0, len(p.Assets))
	for _, a := range p.Assets {
		a = normalizeName(a)
		if a == "" {
			return "", "", fmt.Errorf("pool has an empty asset name")
		}
		assets = append(assets, a)
	}
	slices.Sort(assets)

	bz, err := json.Marshal(PoolInfo{Dex: dex, PoolType: poolType, Assets: assets})
	if err != nil {
		return "", "", err
	}
	return addr, string(bz), nil
}
