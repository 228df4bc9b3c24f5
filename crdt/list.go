package crdt

import (
	"fmt"

	"github.com/golang/glog"
)

// List is a collaborative value sequence. Container-kind values attach
// as nested containers with their own observers.
type List struct {
	doc     *Doc
	selfRef containerRef
	seq     *rga

	callbacks *callbackList[func(ListEvent)]
}

func newList(doc *Doc) *List {
	return &List{
		doc:       doc,
		seq:       newRga(),
		callbacks: newCallbackList[func(ListEvent)](),
	}
}

func (self *List) kind() Kind {
	return KindListRef
}

func (self *List) ref() containerRef {
	return self.selfRef
}

func (self *List) attached() bool {
	return self.selfRef.kind != KindNull
}

func (self *List) attach(doc *Doc, ref containerRef) {
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
func (self *List) Observe(callback func(ListEvent)) func() {
	callbackId := self.callbacks.Add(callback)
	return func() {
		self.callbacks.Remove(callbackId)
	}
}

// Values returns the visible values in order.
func (self *List) Values() []Value {
	elems := self.seq.visible()
	values := make([]Value, len(elems))
	for i, elem := range elems {
		values[i] = elem.value
	}
	return values
}

func (self *List) Len() int {
	return self.seq.visibleLen()
}

func (self *List) use(txn *Txn) {
	if !self.attached() {
		panic("container is not attached to a document")
	}
	self.doc.requireTxn(txn)
}

func (self *List) checkValue(value Value) error {
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

// Insert inserts one value at the visible index.
func (self *List) Insert(txn *Txn, index int, value Value) error {
	return self.InsertRange(txn, index, []Value{value})
}

// InsertRange inserts values in order starting at the visible index.
func (self *List) InsertRange(txn *Txn, index int, values []Value) error {
	self.use(txn)
	n := self.seq.visibleLen()
	if index < 0 || n < index {
		return fmt.Errorf("list insert index %d out of range [0, %d]", index, n)
	}
	for _, value := range values {
		if err := self.checkValue(value); err != nil {
			return err
		}
	}
	parent := self.seq.insertParent(index)
	for _, value := range values {
		o := op{
			id:        self.doc.nextItemId(),
			kind:      opListInsert,
			container: self.selfRef,
			parent:    parent,
			value:     value,
		}
		self.doc.createOp(o, txn)
		parent = o.id
	}
	return nil
}

// Append appends one value at the end.
func (self *List) Append(txn *Txn, value Value) error {
	self.use(txn)
	return self.InsertRange(txn, self.seq.visibleLen(), []Value{value})
}

// Extend appends values in order at the end.
func (self *List) Extend(txn *Txn, values []Value) error {
	self.use(txn)
	return self.InsertRange(txn, self.seq.visibleLen(), values)
}

// Delete removes the value at the visible index.
func (self *List) Delete(txn *Txn, index int) error {
	return self.DeleteRange(txn, index, 1)
}

// DeleteRange removes length values starting at the visible index.
func (self *List) DeleteRange(txn *Txn, index int, length int) error {
	self.use(txn)
	n := self.seq.visibleLen()
	if index < 0 || length < 0 || n < index+length {
		return fmt.Errorf("list delete range [%d, %d) out of range [0, %d]", index, index+length, n)
	}
	targets := make([]ItemId, 0, length)
	for i := index; i < index+length; i += 1 {
		targets = append(targets, self.seq.visibleAt(i).id)
	}
	for _, target := range targets {
		self.doc.applyDelete(target, txn)
	}
	return nil
}

// container implementation

func (self *List) applyOp(o op, txn *Txn) {
	switch o.kind {
	case opListInsert:
		self.applyInsert(o, txn)
	default:
		glog.V(1).Infof("[list]dropping op kind %d\n", o.kind)
	}
}

func (self *List) applyInsert(o op, txn *Txn) {
	if !self.seq.knows(o.parent) {
		self.seq.park(o.parent, o)
		txn.onRollback(func() {
			self.seq.unpark(o.parent)
		})
		return
	}
	txn.touch(self)
	elem := &rgaElem{
		id:    o.id,
		value: self.doc.materializeValue(o.value, o.id, txn),
	}
	elem.deleted = self.doc.deleteSet.Contains(o.id)
	if self.seq.integrate(elem, o.parent) {
		txn.onRollback(func() {
			self.seq.unlink(elem.id, o.parent)
			delete(self.doc.elemOwner, elem.id)
		})
	}
	self.doc.registerElem(o.id, self)
	for _, parked := range self.seq.takeWaiting(o.id, txn) {
		self.applyInsert(parked, txn)
	}
}

func (self *List) tombstoneElem(id ItemId, txn *Txn) {
	txn.touch(self)
	if self.seq.tombstone(id) {
		txn.onRollback(func() {
			self.seq.revive(id)
		})
	}
}

func (self *List) takeSnapshot() any {
	return snapshotElems(self.seq.visible())
}

func (self *List) prepareEvent(snapshot any) func() {
	before := snapshot.([]snapElem)
	after := snapshotElems(self.seq.visible())
	deltas := diffListDeltas(before, after)
	if len(deltas) == 0 {
		return nil
	}
	event := ListEvent{Deltas: deltas}
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
