package crdt

import (
	"fmt"
	"sort"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// mapEntry is the per-key last-writer-wins register.
type mapEntry struct {
	id    ItemId
	value Value
	del   bool
}

// Map is a collaborative key/value container. Each key is a
// last-writer-wins register; the highest stamping op wins across
// replicas.
type Map struct {
	doc     *Doc
	selfRef containerRef
	entries map[string]*mapEntry

	callbacks *callbackList[func(MapEvent)]
}

func newMap(doc *Doc) *Map {
	return &Map{
		doc:       doc,
		entries:   map[string]*mapEntry{},
		callbacks: newCallbackList[func(MapEvent)](),
	}
}

func (self *Map) kind() Kind {
	return KindMapRef
}

func (self *Map) ref() containerRef {
	return self.selfRef
}

func (self *Map) attached() bool {
	return self.selfRef.kind != KindNull
}

func (self *Map) attach(doc *Doc, ref containerRef) {
	if self.attached() {
		panic("container already attached")
	}
	if self.doc != nil && self.doc != doc {
		panic("container belongs to a different document")
	}
	self.doc = doc
	self.selfRef = ref
}

// Observe subscribes to change notifications. The returned function
// unsubscribes.
func (self *Map) Observe(callback func(MapEvent)) func() {
	callbackId := self.callbacks.Add(callback)
	return func() {
		self.callbacks.Remove(callbackId)
	}
}

// Entries returns the live key/value pairs.
func (self *Map) Entries() map[string]Value {
	entries := map[string]Value{}
	for key, entry := range self.entries {
		if !entry.del {
			entries[key] = entry.value
		}
	}
	return entries
}

func (self *Map) Get(key string) (Value, bool) {
	entry, ok := self.entries[key]
	if !ok || entry.del {
		return Value{}, false
	}
	return entry.value, true
}

func (self *Map) Len() int {
	n := 0
	for _, entry := range self.entries {
		if !entry.del {
			n += 1
		}
	}
	return n
}

func (self *Map) use(txn *Txn) {
	if !self.attached() {
		panic("container is not attached to a document")
	}
	self.doc.requireTxn(txn)
}

func (self *Map) checkValue(value Value) error {
	if !value.IsContainer() {
		return nil
	}
	switch value.Kind() {
	case KindTextRef:
		if value.Text() == nil {
			return fmt.Errorf("nil text container")
		}
		if value.Text().attached() {
			return fmt.Errorf("container already attached")
		}
		if value.Text().doc != self.doc {
			return fmt.Errorf("container belongs to a different document")
		}
	case KindListRef:
		if value.List() == nil {
			return fmt.Errorf("nil list container")
		}
		if value.List().attached() {
			return fmt.Errorf("container already attached")
		}
		if value.List().doc != self.doc {
			return fmt.Errorf("container belongs to a different document")
		}
	case KindMapRef:
		if value.Map() == nil {
			return fmt.Errorf("nil map container")
		}
		if value.Map().attached() {
			return fmt.Errorf("container already attached")
		}
		if value.Map().doc != self.doc {
			return fmt.Errorf("container belongs to a different document")
		}
	}
	return nil
}

// Set writes value at key, overwriting any prior value.
func (self *Map) Set(txn *Txn, key string, value Value) error {
	self.use(txn)
	if err := self.checkValue(value); err != nil {
		return err
	}
	o := op{
		id:        self.doc.nextItemId(),
		kind:      opMapSet,
		container: self.selfRef,
		key:       key,
		value:     value,
	}
	self.doc.createOp(o, txn)
	return nil
}

// Update writes all items, in sorted key order for determinism.
func (self *Map) Update(txn *Txn, items map[string]Value) error {
	self.use(txn)
	keys := maps.Keys(items)
	sort.Strings(keys)
	for _, key := range keys {
		if err := self.checkValue(items[key]); err != nil {
			return err
		}
	}
	for _, key := range keys {
		o := op{
			id:        self.doc.nextItemId(),
			kind:      opMapSet,
			container: self.selfRef,
			key:       key,
			value:     items[key],
		}
		self.doc.createOp(o, txn)
	}
	return nil
}

// Pop removes key and returns its value. The second return is false if
// the key was absent.
func (self *Map) Pop(txn *Txn, key string) (Value, bool) {
	self.use(txn)
	value, ok := self.Get(key)
	if !ok {
		return Value{}, false
	}
	o := op{
		id:        self.doc.nextItemId(),
		kind:      opMapSet,
		container: self.selfRef,
		key:       key,
		del:       true,
	}
	self.doc.createOp(o, txn)
	return value, true
}

// container implementation

func (self *Map) applyOp(o op, txn *Txn) {
	if o.kind != opMapSet {
		glog.V(1).Infof("[map]dropping op kind %d\n", o.kind)
		return
	}
	existing := self.entries[o.key]
	if existing != nil && o.id.Compare(existing.id) <= 0 {
		// a later writer already won this key
		return
	}
	txn.touch(self)
	entry := &mapEntry{id: o.id, del: o.del}
	if !o.del {
		entry.value = self.doc.materializeValue(o.value, o.id, txn)
	}
	self.entries[o.key] = entry
	txn.onRollback(func() {
		if existing != nil {
			self.entries[o.key] = existing
		} else {
			delete(self.entries, o.key)
		}
	})
}

func (self *Map) tombstoneElem(id ItemId, txn *Txn) {
	// map keys delete through set ops, not the delete set
}

func (self *Map) takeSnapshot() any {
	return self.Entries()
}

func (self *Map) prepareEvent(snapshot any) func() {
	before := snapshot.(map[string]Value)
	after := self.Entries()
	keys := map[string]KeyChange{}
	for key, afterValue := range after {
		beforeValue, ok := before[key]
		if !ok {
			keys[key] = KeyChange{Action: ActionAdd, NewValue: afterValue}
		} else if !beforeValue.Eq(afterValue) {
			keys[key] = KeyChange{Action: ActionUpdate, OldValue: beforeValue, NewValue: afterValue}
		}
	}
	for key, beforeValue := range before {
		if _, ok := after[key]; !ok {
			keys[key] = KeyChange{Action: ActionDelete, OldValue: beforeValue}
		}
	}
	if len(keys) == 0 {
		return nil
	}
	event := MapEvent{Keys: keys}
	callbacks := self.callbacks.Get()
	return func() {
		for _, callback := range callbacks {
			callback := callback
			handleCallback(func() {
				callback(event)
			})
		}
	}
}
