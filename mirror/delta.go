package mirror

import (
	"errors"
	"fmt"

	"bringyour.com/codoc/crdt"
)

var (
	// ErrOutOfRange is a retain or delete cursor beyond the mirror's
	// tracked length. The mirror is in an undefined state and the
	// owning binding records the violation.
	ErrOutOfRange = errors.New("cursor out of range")
	// ErrMalformedDelta is a delta that violates the stream contract:
	// an engine/mirror protocol mismatch.
	ErrMalformedDelta = errors.New("malformed delta")
)

type OpKind int

const (
	OpInsert OpKind = iota
	OpRetain
	OpDelete
)

// Op is one normalized delta operation. Values is the insert payload,
// Count the retain/delete run length.
type Op struct {
	Kind       OpKind
	Values     []crdt.Value
	Count      uint32
	Attributes map[string]crdt.Value
}

// Event is an ordered delta operation stream. Order is authoritative
// for replay and is never reordered or deduplicated.
type Event struct {
	Ops []Op
}

// EventFromDeltas normalizes a raw engine delta list, preserving engine
// order exactly. A delta with none or more than one of insert, retain,
// and delete populated is ErrMalformedDelta rather than a silent skip.
func EventFromDeltas(deltas []crdt.Delta) (Event, error) {
	ops := make([]Op, 0, len(deltas))
	for i, delta := range deltas {
		populated := 0
		if delta.Insert != nil {
			populated += 1
		}
		if 0 < delta.Retain {
			populated += 1
		}
		if 0 < delta.Delete {
			populated += 1
		}
		if populated != 1 {
			return Event{}, fmt.Errorf("%w: delta %d populates %d of insert/retain/delete", ErrMalformedDelta, i, populated)
		}
		switch {
		case delta.Insert != nil:
			if len(delta.Insert) == 0 {
				return Event{}, fmt.Errorf("%w: delta %d has an empty insert payload", ErrMalformedDelta, i)
			}
			ops = append(ops, Op{
				Kind:       OpInsert,
				Values:     delta.Insert,
				Attributes: copyAttributes(delta.Attributes),
			})
		case 0 < delta.Retain:
			ops = append(ops, Op{
				Kind:       OpRetain,
				Count:      delta.Retain,
				Attributes: copyAttributes(delta.Attributes),
			})
		default:
			ops = append(ops, Op{
				Kind:  OpDelete,
				Count: delta.Delete,
			})
		}
	}
	return Event{Ops: ops}, nil
}

// copyAttributes deep copies an attribute map. Every consumer of an
// attribute map gets its own copy so a later update to one item cannot
// leak to siblings.
func copyAttributes(attributes map[string]crdt.Value) map[string]crdt.Value {
	if attributes == nil {
		return nil
	}
	out := make(map[string]crdt.Value, len(attributes))
	for key, value := range attributes {
		out[key] = value
	}
	return out
}
