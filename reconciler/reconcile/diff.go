// Package reconcile computes the minimal set of operations that turns the
// on-chain registry state into the desired state.
package reconcile

import (
	"slices"

	"github.com/AbstractSDK/ans-scraper/reconciler/registry"
)

// Diff returns the ops that make actual equal to desired.
//
// The result is deterministic: all removes first, then inserts, then
// updates, each group in ascending key order. A key whose kind changed shows
// up as a remove of the old key followed by an insert of the new one, which
// the ordering guarantees.
func Diff(desired *registry.DesiredState, actual *registry.ActualState) []registry.Op {
	var removes, inserts, updates []registry.Op

	for _, e := range desired.Entries() {
		cur, ok := actual.Get(e.Key)
		switch {
		case !ok:
			inserts = append(inserts, registry.Insert(e.Key, e.Value, e.Revision))
		case cur != e.Value:
			updates = append(updates, registry.Update(e.Key, cur, e.Value, e.Revision))
		}
	}

	for _, k := range actual.Keys() {
		if _, ok := desired.Get(k); !ok {
			removes = append(removes, registry.Remove(k, desired.Revision()))
		}
	}

	ops := make([]registry.Op, 0, len(removes)+len(inserts)+len(updates))
	ops = append(ops, removes...)
	ops = append(ops, inserts...)
	ops = append(ops, updates...)
	return ops
}

// Summarize counts ops per kind.
func Summarize(ops []registry.Op) registry.Counts {
	var c registry.Counts
	c.Add(ops...)
	return c
}

// IsOrdered reports whether ops follow the remove, insert, update ordering
// with ascending keys inside each group.
func IsOrdered(ops []registry.Op) bool {
	rank := func(k registry.OpKind) int {
		switch k {
		case registry.OpRemove:
			return 0
		case registry.OpInsert:
			return 1
		default:
			return 2
		}
	}
	return slices.IsSortedFunc(ops, func(a, b registry.Op) int {
		if ra, rb := rank(a.Kind), rank(b.Kind); ra != rb {
			return ra - rb
		}
		return a.Key.Compare(b.Key)
	})
}
