package crdt

import (
	"sort"
)

// rgaElem is one sequence element, tombstones included. Text elements
// are single runes or embeds with an attribute map; list elements carry
// an arbitrary value.
type rgaElem struct {
	id      ItemId
	isChar  bool
	ch      rune
	value   Value
	attrs   map[string]attrEntry
	deleted bool
}

// attrEntry is a per-key last-writer-wins register.
type attrEntry struct {
	value Value
	stamp ItemId
}

// rga is the replicated growable array shared by text and list
// containers: a tree of elements addressed by parent id, linearized by
// depth-first traversal with siblings in descending id order. The tree
// shape is independent of arrival order, so all replicas linearize
// identically.
type rga struct {
	elems    map[ItemId]*rgaElem
	children map[ItemId][]ItemId
	// inserts parked until their parent element arrives
	waiting map[ItemId][]op

	order      []ItemId
	orderDirty bool
}

func newRga() *rga {
	return &rga{
		elems:    map[ItemId]*rgaElem{},
		children: map[ItemId][]ItemId{},
		waiting:  map[ItemId][]op{},
	}
}

// siblings order descending so the newest insert after a parent lands
// directly after it
func (self *rga) siblingPos(siblings []ItemId, id ItemId) int {
	return sort.Search(len(siblings), func(i int) bool {
		return siblings[i].Compare(id) < 0
	})
}

// integrate links a materialized element under its parent. The caller
// already verified the parent is known. Duplicates are no-ops; reports
// whether the element was actually inserted.
func (self *rga) integrate(elem *rgaElem, parent ItemId) bool {
	if _, ok := self.elems[elem.id]; ok {
		return false
	}
	self.elems[elem.id] = elem
	siblings := self.children[parent]
	i := self.siblingPos(siblings, elem.id)
	siblings = append(siblings, ItemId{})
	copy(siblings[i+1:], siblings[i:])
	siblings[i] = elem.id
	self.children[parent] = siblings
	self.orderDirty = true
	return true
}

// unlink reverses one integrate. Children of the unlinked element must
// already be gone, which holds when unwinding newest first.
func (self *rga) unlink(id ItemId, parent ItemId) {
	delete(self.elems, id)
	delete(self.children, id)
	siblings := self.children[parent]
	for i, sibling := range siblings {
		if sibling == id {
			self.children[parent] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	self.orderDirty = true
}

func (self *rga) knows(id ItemId) bool {
	if id.IsHead() {
		return true
	}
	_, ok := self.elems[id]
	return ok
}

func (self *rga) park(parent ItemId, parked op) {
	self.waiting[parent] = append(self.waiting[parent], parked)
}

// unpark drops the most recently parked op for parent.
func (self *rga) unpark(parent ItemId) {
	parked := self.waiting[parent]
	if len(parked) <= 1 {
		delete(self.waiting, parent)
	} else {
		self.waiting[parent] = parked[:len(parked)-1]
	}
}

func (self *rga) takeWaiting(parent ItemId, txn *Txn) []op {
	parked := self.waiting[parent]
	if len(parked) == 0 {
		return nil
	}
	delete(self.waiting, parent)
	txn.onRollback(func() {
		self.waiting[parent] = parked
	})
	return parked
}

func (self *rga) tombstone(id ItemId) bool {
	elem, ok := self.elems[id]
	if !ok || elem.deleted {
		return false
	}
	elem.deleted = true
	self.orderDirty = true
	return true
}

func (self *rga) revive(id ItemId) {
	if elem, ok := self.elems[id]; ok && elem.deleted {
		elem.deleted = false
		self.orderDirty = true
	}
}

// fullOrder linearizes the whole tree, tombstones included.
func (self *rga) fullOrder() []ItemId {
	if !self.orderDirty && self.order != nil {
		return self.order
	}
	order := make([]ItemId, 0, len(self.elems))
	var walk func(parent ItemId)
	walk = func(parent ItemId) {
		for _, id := range self.children[parent] {
			order = append(order, id)
			walk(id)
		}
	}
	walk(ItemId{})
	self.order = order
	self.orderDirty = false
	return order
}

func (self *rga) visible() []*rgaElem {
	order := self.fullOrder()
	visible := make([]*rgaElem, 0, len(order))
	for _, id := range order {
		if elem := self.elems[id]; !elem.deleted {
			visible = append(visible, elem)
		}
	}
	return visible
}

func (self *rga) visibleLen() int {
	n := 0
	for _, id := range self.fullOrder() {
		if !self.elems[id].deleted {
			n += 1
		}
	}
	return n
}

func (self *rga) deletedElems() []*rgaElem {
	deleted := []*rgaElem{}
	for _, id := range self.fullOrder() {
		if elem := self.elems[id]; elem.deleted {
			deleted = append(deleted, elem)
		}
	}
	return deleted
}

// visibleAt returns the element at a visible index.
func (self *rga) visibleAt(index int) *rgaElem {
	n := 0
	for _, id := range self.fullOrder() {
		elem := self.elems[id]
		if elem.deleted {
			continue
		}
		if n == index {
			return elem
		}
		n += 1
	}
	return nil
}

// insertParent returns the id to insert after for a visible index:
// the visible predecessor, or head for index 0.
func (self *rga) insertParent(index int) ItemId {
	if index <= 0 {
		return ItemId{}
	}
	if elem := self.visibleAt(index - 1); elem != nil {
		return elem.id
	}
	return ItemId{}
}

// mergeAttr applies a last-writer-wins attribute write.
func (elem *rgaElem) mergeAttr(key string, value Value, stamp ItemId) bool {
	existing, ok := elem.attrs[key]
	if ok && stamp.Compare(existing.stamp) <= 0 {
		return false
	}
	if elem.attrs == nil {
		elem.attrs = map[string]attrEntry{}
	}
	elem.attrs[key] = attrEntry{value: value, stamp: stamp}
	return true
}

func (elem *rgaElem) attrValues() map[string]Value {
	if len(elem.attrs) == 0 {
		return nil
	}
	values := map[string]Value{}
	for key, entry := range elem.attrs {
		if entry.value.Kind() == KindNull {
			continue
		}
		values[key] = entry.value
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
