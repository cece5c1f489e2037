package submitter

import (
	"encoding/json"
	"fmt"

	"github.com/AbstractSDK/ans-scraper/reconciler/registry"
)

// entryMsg is the body of the registry contract's execute messages.
type entryMsg struct {
	Kind  string  `json:"kind"`
	Key   string  `json:"key"`
	Value *string `json:"value,omitempty"`
}

// ExecutePayload encodes one op as a registry contract execute message:
// insert_entry, update_entry or remove_entry.
func ExecutePayload(op registry.Op) ([]byte, error) {
	body := entryMsg{Kind: string(op.Key.Kind), Key: op.Key.Name}

	var name string
	switch op.Kind {
	case registry.OpInsert:
		name = "insert_entry"
		value := op.NewValue
		body.Value = &value
	case registry.OpUpdate:
		name = "update_entry"
		value := op.NewValue
		body.Value = &value
	case registry.OpRemove:
		name = "remove_entry"
	default:
		return nil, fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return json.Marshal(map[string]entryMsg{name: body})
}

// ExecutePayloads encodes a batch.
func ExecutePayloads(ops []registry.Op) ([][]byte, error) {
	out := make([][]byte, 0, len(ops))
	for _, op := range ops {
		payload, err := ExecutePayload(op)
		if err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, nil
}

// Chunk splits ops into batches of at most size, preserving order.
func Chunk(ops []registry.Op, size int) [][]registry.Op {
	if size <= 0 {
		size = len(ops)
	}
	var batches [][]registry.Op
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		batches = append(batches, ops[start:end])
	}
	return batches
}

// committedPrefix returns the checkpoint reachable after a submission: the
// highest revision r such that every op with revision <= r committed, never
// above settled. ok is false when nothing can be checkpointed.
func committedPrefix(batches [][]registry.Op, committed []bool, settled uint64) (uint64, bool) {
	var (
		minPending uint64
		hasPending bool
		maxAll     uint64
	)
	for i, batch := range batches {
		for _, op := range batch {
			if op.Revision > maxAll {
				maxAll = op.Revision
			}
			if !committed[i] && (!hasPending || op.Revision < minPending) {
				minPending = op.Revision
				hasPending = true
			}
		}
	}

	if !hasPending {
		if maxAll > settled {
			return settled, true
		}
		return maxAll, true
	}

	var (
		best  uint64
		found bool
	)
	for i, batch := range batches {
		if !committed[i] {
			continue
		}
		for _, op := range batch {
			if op.Revision < minPending && (!found || op.Revision > best) {
				best = op.Revision
				found = true
			}
		}
	}
	if found && best > settled {
		best = settled
	}
	return best, found
}
