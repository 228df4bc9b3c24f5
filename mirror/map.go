package mirror

import (
	"bringyour.com/codoc/crdt"
)

// MapModel is the materialized copy of a map container. Deleted keeps
// the last deleted value per key for inspection.
type MapModel struct {
	Items   map[string]any `json:"items"`
	Deleted map[string]any `json:"deleted"`
}

func NewMapModel() *MapModel {
	return &MapModel{
		Items:   map[string]any{},
		Deleted: map[string]any{},
	}
}

func (self *MapModel) Len() int {
	return len(self.Items)
}

// ApplyEvent applies one keyed change set. Entries are independent of
// each other and deletes of absent keys are no-ops, so re-delivering a
// change set is safe.
func (self *MapModel) ApplyEvent(event crdt.MapEvent, wrap WrapFunc) {
	for key, change := range event.Keys {
		switch change.Action {
		case crdt.ActionDelete:
			if item, ok := self.Items[key]; ok {
				delete(self.Items, key)
				self.Deleted[key] = evict(item)
			}
		case crdt.ActionAdd, crdt.ActionUpdate:
			if existing, ok := self.Items[key]; ok {
				// replaced live bindings are closed, not tombstoned
				evict(existing)
			}
			var item any = change.NewValue
			if wrap != nil && change.NewValue.IsContainer() {
				item = wrap(change.NewValue)
			}
			self.Items[key] = item
		}
	}
}
