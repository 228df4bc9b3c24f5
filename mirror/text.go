package mirror

import (
	"fmt"
	"strings"

	"bringyour.com/codoc/crdt"
)

// TextItem is one atomic item of a text mirror: a single character or
// an embedded value, with its own attribute map.
type TextItem struct {
	Value      crdt.Value            `json:"value"`
	Attributes map[string]crdt.Value `json:"attributes,omitempty"`
}

// TextModel is the materialized copy of a text container. Deleted
// items move to Deleted in original order and are never re-inserted.
type TextModel struct {
	Items   []TextItem `json:"items"`
	Deleted []TextItem `json:"deleted"`
}

func NewTextModel() *TextModel {
	return &TextModel{}
}

// PlainText concatenates the character-valued items in order.
func (self *TextModel) PlainText() string {
	out := &strings.Builder{}
	for _, item := range self.Items {
		if item.Value.Kind() == crdt.KindString {
			out.WriteString(item.Value.Str())
		}
	}
	return out.String()
}

func (self *TextModel) Len() int {
	return len(self.Items)
}

// ApplyEvent replays one delta operation stream, walking a cursor over
// the existing items. An insert whose cursor lands at the current
// length appends; a retain or delete running past the end is
// ErrOutOfRange and the model must not be trusted afterward.
func (self *TextModel) ApplyEvent(event Event) error {
	idx := 0
	for _, op := range event.Ops {
		switch op.Kind {
		case OpInsert:
			items, err := textItems(op)
			if err != nil {
				return err
			}
			for _, item := range items {
				self.insertAt(idx, item)
				idx += 1
			}
		case OpRetain:
			for i := uint32(0); i < op.Count; i += 1 {
				if len(self.Items) <= idx {
					return fmt.Errorf("%w: retain at %d of %d", ErrOutOfRange, idx, len(self.Items))
				}
				self.Items[idx].Attributes = mergeAttributes(self.Items[idx].Attributes, op.Attributes)
				idx += 1
			}
		case OpDelete:
			for i := uint32(0); i < op.Count; i += 1 {
				if len(self.Items) <= idx {
					return fmt.Errorf("%w: delete at %d of %d", ErrOutOfRange, idx, len(self.Items))
				}
				item := self.Items[idx]
				self.Items = append(self.Items[:idx], self.Items[idx+1:]...)
				self.Deleted = append(self.Deleted, item)
			}
		}
	}
	return nil
}

func (self *TextModel) insertAt(idx int, item TextItem) {
	if len(self.Items) <= idx {
		self.Items = append(self.Items, item)
		return
	}
	self.Items = append(self.Items, TextItem{})
	copy(self.Items[idx+1:], self.Items[idx:])
	self.Items[idx] = item
}

// textItems explodes an insert payload: a string value becomes one item
// per rune, anything else is a single embedded item. Each item gets an
// independent copy of the attribute map.
func textItems(op Op) ([]TextItem, error) {
	if len(op.Values) != 1 {
		return nil, fmt.Errorf("%w: text insert carries %d values", ErrMalformedDelta, len(op.Values))
	}
	value := op.Values[0]
	switch value.Kind() {
	case crdt.KindString:
		items := []TextItem{}
		for _, ch := range value.Str() {
			items = append(items, TextItem{
				Value:      crdt.String(string(ch)),
				Attributes: copyAttributes(op.Attributes),
			})
		}
		return items, nil
	case crdt.KindTextRef, crdt.KindListRef, crdt.KindMapRef:
		return nil, fmt.Errorf("%w: text insert carries a container", ErrMalformedDelta)
	default:
		return []TextItem{{
			Value:      value,
			Attributes: copyAttributes(op.Attributes),
		}}, nil
	}
}

// mergeAttributes merges changed keys into an item's attribute map. New
// keys are added, existing keys overwritten, null values removed.
func mergeAttributes(attributes map[string]crdt.Value, changed map[string]crdt.Value) map[string]crdt.Value {
	if len(changed) == 0 {
		return attributes
	}
	if attributes == nil {
		attributes = map[string]crdt.Value{}
	}
	for key, value := range changed {
		if value.Kind() == crdt.KindNull {
			delete(attributes, key)
		} else {
			attributes[key] = value
		}
	}
	return attributes
}
