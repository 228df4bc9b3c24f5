package crdt

// Delta is one insert/retain/delete run in a container change
// notification, in document order. Exactly one of Insert, Retain, and
// Delete is populated. Text inserts carry either one string value (a
// run of characters) or one embedded value; list inserts carry one
// value per element. Retain runs carry the changed attribute keys, with
// null values marking removed keys.
type Delta struct {
	Insert     []Value
	Retain     uint32
	Delete     uint32
	Attributes map[string]Value
}

type TextEvent struct {
	Deltas []Delta
}

type ListEvent struct {
	Deltas []Delta
}

type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type KeyChange struct {
	Action   Action
	OldValue Value
	NewValue Value
}

type MapEvent struct {
	Keys map[string]KeyChange
}

// AfterTransactionEvent carries the binary update payload holding
// whatever the transaction newly integrated, or EmptyUpdate.
type AfterTransactionEvent struct {
	Update []byte
}

// snapElem is one visible element captured at transaction begin.
type snapElem struct {
	id     ItemId
	isChar bool
	ch     rune
	value  Value
	attrs  map[string]Value
}

func snapshotElems(elems []*rgaElem) []snapElem {
	snap := make([]snapElem, len(elems))
	for i, elem := range elems {
		snap[i] = snapElem{
			id:     elem.id,
			isChar: elem.isChar,
			ch:     elem.ch,
			value:  elem.value,
			attrs:  elem.attrValues(),
		}
	}
	return snap
}

// diffDeltas computes insert/retain/delete runs between two visible
// snapshots of the same sequence. Surviving elements keep their
// relative order, so a single forward walk is enough: an id present in
// both snapshots is a retain, a new id is an insert, a missing one is a
// delete. Runs with matching attributes coalesce; trailing plain
// retains are dropped.
func diffDeltas(before []snapElem, after []snapElem) []Delta {
	beforeIds := map[ItemId]bool{}
	for _, elem := range before {
		beforeIds[elem.id] = true
	}

	deltas := []Delta{}
	push := func(delta Delta) {
		deltas = append(deltas, delta)
	}

	i := 0
	j := 0
	for i < len(before) || j < len(after) {
		switch {
		case i < len(before) && j < len(after) && before[i].id == after[j].id:
			changed := attrsChanged(before[i].attrs, after[j].attrs)
			if n := len(deltas); 0 < n && deltas[n-1].Insert == nil && deltas[n-1].Delete == 0 && attrsEqual(deltas[n-1].Attributes, changed) {
				deltas[n-1].Retain += 1
			} else {
				push(Delta{Retain: 1, Attributes: changed})
			}
			i += 1
			j += 1
		case j < len(after) && !beforeIds[after[j].id]:
			elem := after[j]
			if n := len(deltas); elem.isChar && 0 < n && deltas[n-1].Insert != nil && isCharRun(deltas[n-1]) && attrsEqual(deltas[n-1].Attributes, elem.attrs) {
				deltas[n-1].Insert[0] = String(deltas[n-1].Insert[0].Str() + string(elem.ch))
			} else if elem.isChar {
				push(Delta{Insert: []Value{String(string(elem.ch))}, Attributes: copyAttrs(elem.attrs)})
			} else {
				push(Delta{Insert: []Value{elem.value}, Attributes: copyAttrs(elem.attrs)})
			}
			j += 1
		default:
			// before[i] no longer visible
			if n := len(deltas); 0 < n && 0 < deltas[n-1].Delete {
				deltas[n-1].Delete += 1
			} else {
				push(Delta{Delete: 1})
			}
			i += 1
		}
	}

	// trailing attribute-free retains carry no information
	for 0 < len(deltas) {
		last := deltas[len(deltas)-1]
		if 0 < last.Retain && len(last.Attributes) == 0 {
			deltas = deltas[:len(deltas)-1]
		} else {
			break
		}
	}
	return deltas
}

// diffListDeltas is diffDeltas for value sequences: inserts coalesce
// into multi-value runs and retains never carry attributes.
func diffListDeltas(before []snapElem, after []snapElem) []Delta {
	beforeIds := map[ItemId]bool{}
	for _, elem := range before {
		beforeIds[elem.id] = true
	}

	deltas := []Delta{}
	i := 0
	j := 0
	for i < len(before) || j < len(after) {
		switch {
		case i < len(before) && j < len(after) && before[i].id == after[j].id:
			if n := len(deltas); 0 < n && deltas[n-1].Insert == nil && deltas[n-1].Delete == 0 {
				deltas[n-1].Retain += 1
			} else {
				deltas = append(deltas, Delta{Retain: 1})
			}
			i += 1
			j += 1
		case j < len(after) && !beforeIds[after[j].id]:
			if n := len(deltas); 0 < n && deltas[n-1].Insert != nil {
				deltas[n-1].Insert = append(deltas[n-1].Insert, after[j].value)
			} else {
				deltas = append(deltas, Delta{Insert: []Value{after[j].value}})
			}
			j += 1
		default:
			if n := len(deltas); 0 < n && 0 < deltas[n-1].Delete {
				deltas[n-1].Delete += 1
			} else {
				deltas = append(deltas, Delta{Delete: 1})
			}
			i += 1
		}
	}

	for 0 < len(deltas) {
		last := deltas[len(deltas)-1]
		if 0 < last.Retain {
			deltas = deltas[:len(deltas)-1]
		} else {
			break
		}
	}
	return deltas
}

func isCharRun(delta Delta) bool {
	return len(delta.Insert) == 1 && delta.Insert[0].Kind() == KindString
}

// attrsChanged returns the keys whose value differs, with removed keys
// mapped to null. Nil means no change.
func attrsChanged(before map[string]Value, after map[string]Value) map[string]Value {
	changed := map[string]Value{}
	for key, afterValue := range after {
		beforeValue, ok := before[key]
		if !ok || !beforeValue.Eq(afterValue) {
			changed[key] = afterValue
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			changed[key] = Null()
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return changed
}

func attrsEqual(a map[string]Value, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for key, aValue := range a {
		bValue, ok := b[key]
		if !ok || !aValue.Eq(bValue) {
			return false
		}
	}
	return true
}

func copyAttrs(attrs map[string]Value) map[string]Value {
	if attrs == nil {
		return nil
	}
	out := map[string]Value{}
	for key, value := range attrs {
		out[key] = value
	}
	return out
}
