package crdt

import (
	"fmt"
	"strings"

	"github.com/golang/glog"
)

// Text is a collaborative character sequence. Elements are single
// runes or embedded scalar values, each with a last-writer-wins
// attribute map. Deleted elements stay as tombstones.
type Text struct {
	doc     *Doc
	selfRef containerRef
	seq     *rga

	callbacks *callbackList[func(TextEvent)]
}

func newText(doc *Doc) *Text {
	return &Text{
		doc:       doc,
		seq:       newRga(),
		callbacks: newCallbackList[func(TextEvent)](),
	}
}

func (self *Text) kind() Kind {
	return KindTextRef
}

func (self *Text) ref() containerRef {
	return self.selfRef
}

func (self *Text) attached() bool {
	return self.selfRef.kind != KindNull
}

func (self *Text) attach(doc *Doc, ref containerRef) {
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
func (self *Text) Observe(callback func(TextEvent)) func() {
	callbackId := self.callbacks.Add(callback)
	return func() {
		self.callbacks.Remove(callbackId)
	}
}

// TextElem is one visible text element as seen by readers: a single
// character rendered as a string value, or an embedded value.
type TextElem struct {
	Value      Value
	Attributes map[string]Value
}

// Elems returns the visible elements in order with their attributes.
func (self *Text) Elems() []TextElem {
	elems := self.seq.visible()
	out := make([]TextElem, len(elems))
	for i, elem := range elems {
		value := elem.value
		if elem.isChar {
			value = String(string(elem.ch))
		}
		out[i] = TextElem{
			Value:      value,
			Attributes: elem.attrValues(),
		}
	}
	return out
}

// String renders the visible characters. Embeds are skipped.
func (self *Text) String() string {
	out := &strings.Builder{}
	for _, elem := range self.seq.visible() {
		if elem.isChar {
			out.WriteRune(elem.ch)
		}
	}
	return out.String()
}

func (self *Text) Len() int {
	return self.seq.visibleLen()
}

func (self *Text) DeletedLen() int {
	return len(self.seq.deletedElems())
}

func (self *Text) use(txn *Txn) {
	if !self.attached() {
		panic("container is not attached to a document")
	}
	self.doc.requireTxn(txn)
}

// Insert inserts one element per rune of chunk at the visible index.
// Every element gets its own copy of attributes.
func (self *Text) Insert(txn *Txn, index int, chunk string, attributes map[string]Value) error {
	self.use(txn)
	n := self.seq.visibleLen()
	if index < 0 || n < index {
		return fmt.Errorf("text insert index %d out of range [0, %d]", index, n)
	}
	parent := self.seq.insertParent(index)
	for _, ch := range chunk {
		o := op{
			id:        self.doc.nextItemId(),
			kind:      opTextInsert,
			container: self.selfRef,
			parent:    parent,
			ch:        ch,
			attrs:     copyAttrs(attributes),
		}
		self.doc.createOp(o, txn)
		parent = o.id
	}
	return nil
}

// InsertEmbed inserts one embedded scalar value at the visible index.
func (self *Text) InsertEmbed(txn *Txn, index int, embed Value, attributes map[string]Value) error {
	self.use(txn)
	if embed.IsContainer() {
		return fmt.Errorf("text embeds must be scalar values, not %s", embed.Kind())
	}
	n := self.seq.visibleLen()
	if index < 0 || n < index {
		return fmt.Errorf("text insert index %d out of range [0, %d]", index, n)
	}
	o := op{
		id:        self.doc.nextItemId(),
		kind:      opTextInsert,
		container: self.selfRef,
		parent:    self.seq.insertParent(index),
		embed:     true,
		value:     embed,
		attrs:     copyAttrs(attributes),
	}
	self.doc.createOp(o, txn)
	return nil
}

// Extend appends chunk at the end.
func (self *Text) Extend(txn *Txn, chunk string) error {
	self.use(txn)
	return self.Insert(txn, self.seq.visibleLen(), chunk, nil)
}

// Format merges attributes into length elements starting at index.
// Per-key writes resolve last-writer-wins across replicas. A null
// value removes the key.
func (self *Text) Format(txn *Txn, index int, length int, attributes map[string]Value) error {
	self.use(txn)
	n := self.seq.visibleLen()
	if index < 0 || length < 0 || n < index+length {
		return fmt.Errorf("text format range [%d, %d) out of range [0, %d]", index, index+length, n)
	}
	if length == 0 || len(attributes) == 0 {
		return nil
	}
	targets := make([]ItemId, 0, length)
	for i := index; i < index+length; i += 1 {
		targets = append(targets, self.seq.visibleAt(i).id)
	}
	o := op{
		id:        self.doc.nextItemId(),
		kind:      opFormat,
		container: self.selfRef,
		targets:   targets,
		attrs:     copyAttrs(attributes),
	}
	self.doc.createOp(o, txn)
	return nil
}

// Delete removes the element at the visible index.
func (self *Text) Delete(txn *Txn, index int) error {
	return self.DeleteRange(txn, index, 1)
}

// DeleteRange removes length elements starting at the visible index.
func (self *Text) DeleteRange(txn *Txn, index int, length int) error {
	self.use(txn)
	n := self.seq.visibleLen()
	if index < 0 || length < 0 || n < index+length {
		return fmt.Errorf("text delete range [%d, %d) out of range [0, %d]", index, index+length, n)
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

func (self *Text) applyOp(o op, txn *Txn) {
	switch o.kind {
	case opTextInsert:
		self.applyInsert(o, txn)
	case opFormat:
		self.applyFormat(o, txn)
	default:
		glog.V(1).Infof("[text]dropping op kind %d\n", o.kind)
	}
}

func (self *Text) applyInsert(o op, txn *Txn) {
	if !self.seq.knows(o.parent) {
		self.seq.park(o.parent, o)
		txn.onRollback(func() {
			self.seq.unpark(o.parent)
		})
		return
	}
	txn.touch(self)
	elem := &rgaElem{
		id:     o.id,
		isChar: !o.embed,
		ch:     o.ch,
		value:  self.doc.materializeValue(o.value, o.id, txn),
	}
	for key, value := range o.attrs {
		elem.mergeAttr(key, value, o.id)
	}
	elem.deleted = self.doc.deleteSet.Contains(o.id)
	if self.seq.integrate(elem, o.parent) {
		txn.onRollback(func() {
			self.seq.unlink(elem.id, o.parent)
			delete(self.doc.elemOwner, elem.id)
		})
	}
	self.doc.registerElem(o.id, self)
	for _, parked := range self.doc.takeWaitingFormat(o.id, txn) {
		self.applyFormat(parked, txn)
	}
	for _, parked := range self.seq.takeWaiting(o.id, txn) {
		self.applyInsert(parked, txn)
	}
}

func (self *Text) applyFormat(o op, txn *Txn) {
	for _, target := range o.targets {
		elem, ok := self.seq.elems[target]
		if !ok {
			parked := o
			parked.targets = []ItemId{target}
			self.doc.parkFormat(target, parked, txn)
			continue
		}
		txn.touch(self)
		for key, value := range o.attrs {
			key := key
			prev, had := elem.attrs[key]
			if elem.mergeAttr(key, value, o.id) {
				txn.onRollback(func() {
					if had {
						elem.attrs[key] = prev
					} else {
						delete(elem.attrs, key)
					}
				})
			}
		}
	}
}

func (self *Text) tombstoneElem(id ItemId, txn *Txn) {
	txn.touch(self)
	if self.seq.tombstone(id) {
		txn.onRollback(func() {
			self.seq.revive(id)
		})
	}
}

func (self *Text) takeSnapshot() any {
	return snapshotElems(self.seq.visible())
}

func (self *Text) prepareEvent(snapshot any) func() {
	before := snapshot.([]snapElem)
	after := snapshotElems(self.seq.visible())
	deltas := diffDeltas(before, after)
	if len(deltas) == 0 {
		return nil
	}
	event := TextEvent{Deltas: deltas}
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
