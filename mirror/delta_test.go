package mirror

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"bringyour.com/codoc/crdt"
)

func TestEventFromDeltas(t *testing.T) {
	event, err := EventFromDeltas([]crdt.Delta{
		{Retain: 1},
		{Delete: 1},
		{Insert: []crdt.Value{crdt.String("X")}, Attributes: map[string]crdt.Value{"bold": crdt.Bool(true)}},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, event.Ops, []Op{
		{Kind: OpRetain, Count: 1},
		{Kind: OpDelete, Count: 1},
		{Kind: OpInsert, Values: []crdt.Value{crdt.String("X")}, Attributes: map[string]crdt.Value{"bold": crdt.Bool(true)}},
	})
}

func TestEventFromDeltasPreservesOrder(t *testing.T) {
	// duplicate runs stay distinct and ordered
	event, err := EventFromDeltas([]crdt.Delta{
		{Retain: 2},
		{Retain: 2},
		{Delete: 1},
		{Delete: 1},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(event.Ops), 4)
	assert.Equal(t, event.Ops[0], event.Ops[1])
	assert.Equal(t, event.Ops[2], event.Ops[3])
}

func TestEventFromDeltasMalformed(t *testing.T) {
	for _, deltas := range [][]crdt.Delta{
		{{}},
		{{Retain: 1, Delete: 1}},
		{{Insert: []crdt.Value{crdt.String("x")}, Retain: 1}},
		{{Insert: []crdt.Value{}}},
	} {
		_, err := EventFromDeltas(deltas)
		assert.Equal(t, errors.Is(err, ErrMalformedDelta), true)
	}
}

func TestEventFromDeltasCopiesAttributes(t *testing.T) {
	attributes := map[string]crdt.Value{"bold": crdt.Bool(true)}
	event, err := EventFromDeltas([]crdt.Delta{
		{Insert: []crdt.Value{crdt.String("x")}, Attributes: attributes},
	})
	assert.Equal(t, err, nil)

	attributes["bold"] = crdt.Bool(false)
	assert.Equal(t, event.Ops[0].Attributes, map[string]crdt.Value{"bold": crdt.Bool(true)})
}
