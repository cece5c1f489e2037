package registry

import (
	"encoding/json"
	"fmt"
)

// OpKind tags a reconciliation operation.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k OpKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OpKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "insert":
		*k = OpInsert
	case "update":
		*k = OpUpdate
	case "remove":
		*k = OpRemove
	default:
		return fmt.Errorf("unknown op kind %q", string(b))
	}
	return nil
}

// Op is a single correcting operation. Ops are plain data; nothing is applied
// until the submitter turns them into transactions.
type Op struct {
	Kind     OpKind `json:"op"`
	Key      Key    `json:"key"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value,omitempty"`

	// Revision is the source revision that justified the op.
	Revision uint64 `json:"revision"`
}

// Insert builds an insert op.
func Insert(key Key, value string, revision uint64) Op {
	return Op{Kind: OpInsert, Key: key, NewValue: value, Revision: revision}
}

// Update builds an update op.
func Update(key Key, oldValue, newValue string, revision uint64) Op {
	return Op{Kind: OpUpdate, Key: key, OldValue: oldValue, NewValue: newValue, Revision: revision}
}

// Remove builds a remove op.
func Remove(key Key, revision uint64) Op {
	return Op{Kind: OpRemove, Key: key, Revision: revision}
}

func (o Op) String() string {
	switch o.Kind {
	case OpInsert:
		return fmt.Sprintf("insert(%s, %s)@%d", o.Key, o.NewValue, o.Revision)
	case OpUpdate:
		return fmt.Sprintf("update(%s, %s -> %s)@%d", o.Key, o.OldValue, o.NewValue, o.Revision)
	default:
		return fmt.Sprintf("remove(%s)@%d", o.Key, o.Revision)
	}
}

// EncodeOps serializes an op batch for the submission ledger.
func EncodeOps(ops []Op) ([]byte, error) {
	return json.Marshal(ops)
}

// DecodeOps is the inverse of EncodeOps.
func DecodeOps(data []byte) ([]Op, error) {
	var ops []Op
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// RevisionRange returns the min and max revision of a batch.
func RevisionRange(ops []Op) (lo, hi uint64) {
	for i, op := range ops {
		if i == 0 || op.Revision < lo {
			lo = op.Revision
		}
		if op.Revision > hi {
			hi = op.Revision
		}
	}
	return lo, hi
}

// Counts tallies ops by kind.
type Counts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Removed  int `json:"removed"`
}

// Add accumulates ops into the counters.
func (c *Counts) Add(ops ...Op) {
	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			c.Inserted++
		case OpUpdate:
			c.Updated++
		case OpRemove:
			c.Removed++
		}
	}
}

// Total returns the number of ops counted.
func (c Counts) Total() int {
	return c.Inserted + c.Updated + c.Removed
}
