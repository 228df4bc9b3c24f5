package mirror

import (
	"fmt"

	"bringyour.com/codoc/crdt"
)

// WrapFunc wraps a nested container value in a live binding. The owning
// binding supplies it so the model stays engine-agnostic.
type WrapFunc func(value crdt.Value) any

// nested is the slot surface of a live nested binding: the model closes
// an evicted binding and tombstones its plain container value instead
// of the binding itself.
type nested interface {
	Close()
	ContainerValue() crdt.Value
}

// ListModel is the materialized copy of a list container. An item is a
// plain value or, for nested containers, a live binding.
type ListModel struct {
	Items   []any `json:"items"`
	Deleted []any `json:"deleted"`
}

func NewListModel() *ListModel {
	return &ListModel{}
}

func (self *ListModel) Len() int {
	return len(self.Items)
}

// ApplyEvent replays one delta operation stream with the same cursor
// discipline as the text mirror, but over arbitrary values. Inserted
// container values are wrapped through wrap before landing.
func (self *ListModel) ApplyEvent(event Event, wrap WrapFunc) error {
	idx := 0
	for _, op := range event.Ops {
		switch op.Kind {
		case OpInsert:
			for _, value := range op.Values {
				var item any = value
				if wrap != nil && value.IsContainer() {
					item = wrap(value)
				}
				self.insertAt(idx, item)
				idx += 1
			}
		case OpRetain:
			// list retains carry no attribute semantics
			if len(self.Items) < idx+int(op.Count) {
				return fmt.Errorf("%w: retain to %d of %d", ErrOutOfRange, idx+int(op.Count), len(self.Items))
			}
			idx += int(op.Count)
		case OpDelete:
			for i := uint32(0); i < op.Count; i += 1 {
				if len(self.Items) <= idx {
					return fmt.Errorf("%w: delete at %d of %d", ErrOutOfRange, idx, len(self.Items))
				}
				item := self.Items[idx]
				self.Items = append(self.Items[:idx], self.Items[idx+1:]...)
				self.Deleted = append(self.Deleted, evict(item))
			}
		}
	}
	return nil
}

func (self *ListModel) insertAt(idx int, item any) {
	if len(self.Items) <= idx {
		self.Items = append(self.Items, item)
		return
	}
	self.Items = append(self.Items, nil)
	copy(self.Items[idx+1:], self.Items[idx:])
	self.Items[idx] = item
}

// evict releases a slot: a live binding closes and leaves its plain
// container value as the tombstone, everything else tombstones as is.
func evict(item any) any {
	if binding, ok := item.(nested); ok {
		binding.Close()
		return binding.ContainerValue()
	}
	return item
}
