package registry

import (
	"slices"
)

// DesiredState is the normalized ground truth for one network.
type DesiredState struct {
	Network  string
	entries  map[Key]Entry
	revision uint64
	accepted uint64

	rejected    uint64
	hasRejected bool

	// Warnings collects per-record normalization failures. They never
	// invalidate the rest of the snapshot.
	Warnings []error
}

// NewDesiredState creates an empty desired state for a network.
func NewDesiredState(network string) *DesiredState {
	return &DesiredState{
		Network: network,
		entries: make(map[Key]Entry),
	}
}

// Put inserts an entry applying the max-wins rule: the highest revision for a
// key survives. On equal revisions the greater value wins so the outcome does
// not depend on record order.
//
// It reports whether the entry is now the current one for its key.
func (d *DesiredState) Put(e Entry) bool {
	d.Observe(e.Revision)
	if e.Revision > d.accepted {
		d.accepted = e.Revision
	}

	cur, ok := d.entries[e.Key]
	if ok {
		if cur.Revision > e.Revision {
			return false
		}
		if cur.Revision == e.Revision && cur.Value >= e.Value {
			return false
		}
	}
	d.entries[e.Key] = e
	return true
}

// Observe records a revision seen in the snapshot without storing an entry.
func (d *DesiredState) Observe(revision uint64) {
	if revision > d.revision {
		d.revision = revision
	}
}

// Reject records the revision of a record that could not be normalized.
// Nothing at or above the lowest rejected revision counts as settled.
func (d *DesiredState) Reject(revision uint64) {
	d.Observe(revision)
	if !d.hasRejected || revision < d.rejected {
		d.rejected = revision
		d.hasRejected = true
	}
}

// Settled returns the highest revision a checkpoint may cover for this
// snapshot: the newest accepted entry, held below the lowest rejected record
// so a repaired record is still applied.
func (d *DesiredState) Settled() uint64 {
	settled := d.accepted
	if d.hasRejected && settled >= d.rejected {
		if d.rejected == 0 {
			return 0
		}
		settled = d.rejected - 1
	}
	return settled
}

// Get returns the current entry for a key.
func (d *DesiredState) Get(k Key) (Entry, bool) {
	e, ok := d.entries[k]
	return e, ok
}

// Len returns the number of distinct keys.
func (d *DesiredState) Len() int {
	return len(d.entries)
}

// Revision returns the snapshot revision, the highest revision observed.
func (d *DesiredState) Revision() uint64 {
	return d.revision
}

// Keys returns all keys in ascending order.
func (d *DesiredState) Keys() []Key {
	keys := make([]Key, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, Key.Compare)
	return keys
}

// Entries returns all entries ordered by key.
func (d *DesiredState) Entries() []Entry {
	out := make([]Entry, 0, len(d.entries))
	for _, k := range d.Keys() {
		out = append(out, d.entries[k])
	}
	return out
}

// ActualState is the registry content currently stored on-chain for a network.
// It is only ever handed to the engine fully materialized.
type ActualState struct {
	Network string
	values  map[Key]string
}

// NewActualState creates an empty actual state for a network.
func NewActualState(network string) *ActualState {
	return &ActualState{
		Network: network,
		values:  make(map[Key]string),
	}
}

// Merge records a value read from chain. It returns the previous value and
// whether the key was already present, so callers can detect conflicting
// duplicates across pages.
func (a *ActualState) Merge(k Key, value string) (prev string, existed bool) {
	prev, existed = a.values[k]
	a.values[k] = value
	return prev, existed
}

// Get returns the stored value for a key.
func (a *ActualState) Get(k Key) (string, bool) {
	v, ok := a.values[k]
	return v, ok
}

// Len returns the number of stored entries.
func (a *ActualState) Len() int {
	return len(a.values)
}

// Keys returns all keys in ascending order.
func (a *ActualState) Keys() []Key {
	keys := make([]Key, 0, len(a.values))
	for k := range a.values {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, Key.Compare)
	return keys
}

// Clone returns a deep copy.
func (a *ActualState) Clone() *ActualState {
	c := NewActualState(a.Network)
	for k, v := range a.values {
		c.values[k] = v
	}
	return c
}

// Apply returns the state the registry contract holds after executing ops
// in order. The receiver is left untouched.
func (a *ActualState) Apply(ops []Op) *ActualState {
	next := a.Clone()
	for _, op := range ops {
		switch op.Kind {
		case OpInsert, OpUpdate:
			next.values[op.Key] = op.NewValue
		case OpRemove:
			delete(next.values, op.Key)
		}
	}
	return next
}
