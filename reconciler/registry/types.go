// Package registry holds the canonical data model shared by the reconciler
// components: registry entries, desired/actual state sets and the operations
// that move one towards the other.
package registry

import (
	"fmt"
	"strings"
)

// EntryKind is the namespace of a registry entry.
type EntryKind string

const (
	KindAsset    EntryKind = "asset"
	KindContract EntryKind = "contract"
	KindChannel  EntryKind = "channel"
	KindPool     EntryKind = "pool"
)

// kindOrder fixes the ordering of kinds inside a Key comparison.
var kindOrder = map[EntryKind]int{
	KindAsset:    0,
	KindContract: 1,
	KindChannel:  2,
	KindPool:     3,
}

// ParseEntryKind converts a raw kind string into an EntryKind.
func ParseEntryKind(raw string) (EntryKind, error) {
	kind := EntryKind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := kindOrder[kind]; !ok {
		return "", fmt.Errorf("unknown entry kind %q", raw)
	}
	return kind, nil
}

// Valid reports whether the kind is one of the known kinds.
func (k EntryKind) Valid() bool {
	_, ok := kindOrder[k]
	return ok
}

// Key uniquely identifies an entry: (network, kind, name).
type Key struct {
	Network string    `json:"network"`
	Kind    EntryKind `json:"kind"`
	Name    string    `json:"key"`
}

func (k Key) String() string {
	return k.Network + "/" + string(k.Kind) + "/" + k.Name
}

// Less orders keys by network, then kind, then name.
func (k Key) Less(other Key) bool {
	if k.Network != other.Network {
		return k.Network < other.Network
	}
	if k.Kind != other.Kind {
		return kindOrder[k.Kind] < kindOrder[other.Kind]
	}
	return k.Name < other.Name
}

// Compare returns -1, 0 or 1. Suitable for slices.SortFunc.
func (k Key) Compare(other Key) int {
	switch {
	case k == other:
		return 0
	case k.Less(other):
		return -1
	default:
		return 1
	}
}

// Entry is a single observed fact from a source snapshot.
type Entry struct {
	Key      Key    `json:"key"`
	Value    string `json:"value"`
	Revision uint64 `json:"revision"`
}
