package crdt

import (
	"fmt"
	"sort"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// Doc is one replica of a shared document. A Doc is exclusively owned
// by its creator and is single threaded: every mutation runs inside
// Transact, and all observer callbacks are delivered synchronously
// before the transaction call returns. Updates merge idempotently and
// commutatively, so payloads may arrive in any order, any number of
// times.
type Doc struct {
	id     Id
	client uint64

	roots            map[string]container
	containersById   map[ItemId]container
	waitingContainer map[ItemId][]op

	// per-client contiguous op logs. next[client] == len(log[client]).
	log  map[uint64][]op
	next map[uint64]uint32
	// ops received ahead of a gap in their client's log
	pending map[uint64]map[uint32]op
	// formats received ahead of their target element
	waitingFormat map[ItemId][]op

	// sequence element id -> owning container
	elemOwner map[ItemId]container

	deleteSet *DeleteSet

	txn *Txn

	afterTransactionCallbacks *callbackList[func(AfterTransactionEvent)]
}

func NewDoc() *Doc {
	return &Doc{
		id:                        NewId(),
		client:                    newClientNumber(),
		roots:                     map[string]container{},
		containersById:            map[ItemId]container{},
		waitingContainer:          map[ItemId][]op{},
		log:                       map[uint64][]op{},
		next:                      map[uint64]uint32{},
		pending:                   map[uint64]map[uint32]op{},
		waitingFormat:             map[ItemId][]op{},
		elemOwner:                 map[ItemId]container{},
		deleteSet:                 NewDeleteSet(),
		afterTransactionCallbacks: newCallbackList[func(AfterTransactionEvent)](),
	}
}

func (self *Doc) Id() Id {
	return self.id
}

func (self *Doc) ClientNumber() uint64 {
	return self.client
}

// container is the engine-side surface shared by Text, List, and Map.
type container interface {
	kind() Kind
	ref() containerRef
	attach(doc *Doc, ref containerRef)
	applyOp(o op, txn *Txn)
	tombstoneElem(id ItemId, txn *Txn)
	// takeSnapshot captures visible state at first touch; prepareEvent
	// diffs it against commit state and returns the dispatch, or nil
	// when nothing observable changed.
	takeSnapshot() any
	prepareEvent(snapshot any) func()
}

type touchedContainer struct {
	c        container
	snapshot any
}

// Txn scopes one transaction. Mutation primitives take the active Txn;
// passing a released or foreign Txn panics.
type Txn struct {
	doc *Doc

	newOps     []op
	newDeletes *DeleteSet

	touched    []touchedContainer
	touchedSet map[container]bool

	undos []func()
}

func (self *Txn) touch(c container) {
	if self.touchedSet[c] {
		return
	}
	self.touchedSet[c] = true
	self.touched = append(self.touched, touchedContainer{c: c, snapshot: c.takeSnapshot()})
}

// onRollback records how to reverse one state change if the
// transaction fails.
func (self *Txn) onRollback(undo func()) {
	self.undos = append(self.undos, undo)
}

// rollback reverses the transaction's changes newest first, leaving the
// document as it was at transaction begin.
func (self *Txn) rollback() {
	for i := len(self.undos) - 1; 0 <= i; i -= 1 {
		self.undos[i]()
	}
}

// Transact runs callback inside a new transaction scope. On success the
// container change notifications and the after-transaction notification
// fire, in that order, before Transact returns. On error every change
// the transaction made is rolled back and no notification fires, so a
// failed transaction leaves the document unchanged no matter how many
// primitives ran before the failure. Transact must not be reentered
// from inside the callback; observers run after the scope is released
// and may open their own transactions.
func (self *Doc) Transact(callback func(txn *Txn) error) error {
	if self.txn != nil {
		panic("nested transaction on the same document")
	}
	txn := &Txn{
		doc:        self,
		newDeletes: NewDeleteSet(),
		touchedSet: map[container]bool{},
	}
	self.txn = txn
	err := callback(txn)
	if err != nil {
		txn.rollback()
		self.txn = nil
		return err
	}

	// prepare events against the commit state before any observer can
	// mutate again
	fires := []func(){}
	for _, touched := range txn.touched {
		if fire := touched.c.prepareEvent(touched.snapshot); fire != nil {
			fires = append(fires, fire)
		}
	}
	var update []byte
	if len(txn.newOps) == 0 && txn.newDeletes.IsEmpty() {
		update = EmptyUpdate
	} else {
		update = encodeUpdate(txn.newOps, txn.newDeletes)
	}
	self.txn = nil

	for _, fire := range fires {
		fire()
	}
	event := AfterTransactionEvent{Update: update}
	for _, callback := range self.afterTransactionCallbacks.Get() {
		callback := callback
		handleCallback(func() {
			callback(event)
		})
	}
	return nil
}

func (self *Doc) ObserveAfterTransaction(callback func(AfterTransactionEvent)) func() {
	callbackId := self.afterTransactionCallbacks.Add(callback)
	return func() {
		self.afterTransactionCallbacks.Remove(callbackId)
	}
}

func (self *Doc) requireTxn(txn *Txn) {
	if txn == nil || self.txn != txn {
		panic("operation outside an active transaction")
	}
}

// Text returns the named root text container, creating it lazily.
func (self *Doc) Text(name string) *Text {
	return self.root(name, KindTextRef).(*Text)
}

// List returns the named root list container, creating it lazily.
func (self *Doc) List(name string) *List {
	return self.root(name, KindListRef).(*List)
}

// Map returns the named root map container, creating it lazily.
func (self *Doc) Map(name string) *Map {
	return self.root(name, KindMapRef).(*Map)
}

func (self *Doc) root(name string, kind Kind) container {
	if name == "" {
		panic("root container name must not be empty")
	}
	if c, ok := self.roots[name]; ok {
		if c.kind() != kind {
			panic(fmt.Sprintf("root container %q is a %s, not a %s", name, c.kind(), kind))
		}
		return c
	}
	c := newContainer(kind)
	c.attach(self, containerRef{kind: kind, root: name})
	self.roots[name] = c
	return c
}

// NewText creates a detached text container. It becomes usable once its
// value is inserted into a list or map of this document.
func (self *Doc) NewText() *Text {
	return newText(self)
}

// NewList creates a detached list container.
func (self *Doc) NewList() *List {
	return newList(self)
}

// NewMap creates a detached map container.
func (self *Doc) NewMap() *Map {
	return newMap(self)
}

func newContainer(kind Kind) container {
	switch kind {
	case KindTextRef:
		return newText(nil)
	case KindListRef:
		return newList(nil)
	case KindMapRef:
		return newMap(nil)
	default:
		panic(fmt.Sprintf("not a container kind: %s", kind))
	}
}

// resolveContainer looks up an op's container ref without panicking:
// refs from the wire are untrusted, so a root ref whose kind disagrees
// with an existing root is reported as a malformed update rather than
// crashing the process the way local accessor misuse does.
func (self *Doc) resolveContainer(ref containerRef, txn *Txn) (container, bool, error) {
	if ref.isRoot() {
		if c, ok := self.roots[ref.root]; ok {
			if c.kind() != ref.kind {
				return nil, false, fmt.Errorf("%w: root container %q is a %s, not a %s", ErrMalformedUpdate, ref.root, c.kind(), ref.kind)
			}
			return c, true, nil
		}
		c := newContainer(ref.kind)
		c.attach(self, containerRef{kind: ref.kind, root: ref.root})
		self.roots[ref.root] = c
		txn.onRollback(func() {
			delete(self.roots, ref.root)
		})
		return c, true, nil
	}
	c, ok := self.containersById[ref.id]
	return c, ok, nil
}

// registerContainer attaches a nested container under the id of the op
// that attached it and drains any ops that were waiting for it.
func (self *Doc) registerContainer(c container, id ItemId, txn *Txn) {
	self.containersById[id] = c
	txn.onRollback(func() {
		delete(self.containersById, id)
	})
	parked := self.waitingContainer[id]
	if parked != nil {
		delete(self.waitingContainer, id)
		txn.onRollback(func() {
			self.waitingContainer[id] = parked
		})
	}
	for _, o := range parked {
		c.applyOp(o, txn)
	}
}

// registerElem indexes a sequence element's owner. The container drains
// parked formats targeting the element right after integrating it.
func (self *Doc) registerElem(id ItemId, c container) {
	self.elemOwner[id] = c
}

func (self *Doc) parkFormat(target ItemId, o op, txn *Txn) {
	self.waitingFormat[target] = append(self.waitingFormat[target], o)
	txn.onRollback(func() {
		parked := self.waitingFormat[target]
		if len(parked) <= 1 {
			delete(self.waitingFormat, target)
		} else {
			self.waitingFormat[target] = parked[:len(parked)-1]
		}
	})
}

func (self *Doc) takeWaitingFormat(target ItemId, txn *Txn) []op {
	parked := self.waitingFormat[target]
	if len(parked) == 0 {
		return nil
	}
	delete(self.waitingFormat, target)
	txn.onRollback(func() {
		self.waitingFormat[target] = parked
	})
	return parked
}

// materializeValue resolves a container-kind value at integration time:
// a value decoded from the wire gets a fresh container, a locally
// created one attaches in place. Either way the container is registered
// under the id of the attaching op.
func (self *Doc) materializeValue(value Value, attachId ItemId, txn *Txn) Value {
	switch value.Kind() {
	case KindTextRef:
		text := value.Text()
		if text == nil {
			text = newText(self)
		}
		text.attach(self, containerRef{kind: KindTextRef, id: attachId})
		txn.onRollback(func() {
			text.selfRef = containerRef{}
		})
		self.registerContainer(text, attachId, txn)
		return TextValue(text)
	case KindListRef:
		list := value.List()
		if list == nil {
			list = newList(self)
		}
		list.attach(self, containerRef{kind: KindListRef, id: attachId})
		txn.onRollback(func() {
			list.selfRef = containerRef{}
		})
		self.registerContainer(list, attachId, txn)
		return ListValue(list)
	case KindMapRef:
		m := value.Map()
		if m == nil {
			m = newMap(self)
		}
		m.attach(self, containerRef{kind: KindMapRef, id: attachId})
		txn.onRollback(func() {
			m.selfRef = containerRef{}
		})
		self.registerContainer(m, attachId, txn)
		return MapValue(m)
	default:
		return value
	}
}

func (self *Doc) nextItemId() ItemId {
	return ItemId{Client: self.client, Clock: self.next[self.client]}
}

// createOp stamps, logs, and integrates a locally created op.
func (self *Doc) createOp(o op, txn *Txn) {
	self.logOp(o, txn)
	if err := self.integrateOp(o, txn); err != nil {
		// local ops always address an attached container of this document
		panic(err)
	}
}

func (self *Doc) logOp(o op, txn *Txn) {
	if o.id.Clock != self.next[o.id.Client] {
		panic(fmt.Sprintf("op log gap: clock %d, expected %d", o.id.Clock, self.next[o.id.Client]))
	}
	self.log[o.id.Client] = append(self.log[o.id.Client], o)
	self.next[o.id.Client] = o.id.Clock + 1
	txn.newOps = append(txn.newOps, o)
	txn.onRollback(func() {
		clientLog := self.log[o.id.Client]
		self.log[o.id.Client] = clientLog[:len(clientLog)-1]
		self.next[o.id.Client] = o.id.Clock
	})
}

// receiveOp admits a remote op: duplicates drop, ops beyond the
// contiguous log park until the gap fills, everything else logs and
// integrates.
func (self *Doc) receiveOp(o op, txn *Txn) error {
	next := self.next[o.id.Client]
	if o.id.Clock < next {
		// duplicate
		return nil
	}
	if next < o.id.Clock {
		pending := self.pending[o.id.Client]
		if pending == nil {
			pending = map[uint32]op{}
			self.pending[o.id.Client] = pending
		}
		pending[o.id.Clock] = o
		txn.onRollback(func() {
			delete(pending, o.id.Clock)
		})
		return nil
	}
	self.logOp(o, txn)
	if err := self.integrateOp(o, txn); err != nil {
		return err
	}
	// the gap may have filled
	pending := self.pending[o.id.Client]
	for {
		parked, ok := pending[self.next[o.id.Client]]
		if !ok {
			break
		}
		delete(pending, parked.id.Clock)
		txn.onRollback(func() {
			pending[parked.id.Clock] = parked
		})
		self.logOp(parked, txn)
		if err := self.integrateOp(parked, txn); err != nil {
			return err
		}
	}
	return nil
}

func (self *Doc) integrateOp(o op, txn *Txn) error {
	c, ok, err := self.resolveContainer(o.container, txn)
	if err != nil {
		return err
	}
	if !ok {
		self.waitingContainer[o.container.id] = append(self.waitingContainer[o.container.id], o)
		txn.onRollback(func() {
			parked := self.waitingContainer[o.container.id]
			if len(parked) <= 1 {
				delete(self.waitingContainer, o.container.id)
			} else {
				self.waitingContainer[o.container.id] = parked[:len(parked)-1]
			}
		})
		return nil
	}
	c.applyOp(o, txn)
	return nil
}

// applyDelete tombstones one sequence element, local or remote. An
// element that has not arrived yet integrates as a tombstone later via
// the delete set check on insert.
func (self *Doc) applyDelete(id ItemId, txn *Txn) {
	if !self.deleteSet.Add(id) {
		// already tombstoned
		return
	}
	txn.onRollback(func() {
		self.deleteSet.removeRange(id.Client, clockRange{start: id.Clock, length: 1})
	})
	txn.newDeletes.Add(id)
	if c, ok := self.elemOwner[id]; ok {
		c.tombstoneElem(id, txn)
	}
}

// applyDeleteRange merges one tombstone range from an update. Only
// clocks below the client's watermark can name an existing element, so
// the tombstone walk is bounded by the log regardless of the length the
// payload claims; the remainder of the range is recorded in the delete
// set so those elements integrate pre-tombstoned when they arrive.
func (self *Doc) applyDeleteRange(client uint64, r clockRange, txn *Txn) {
	if r.length == 0 {
		return
	}
	start := uint64(r.start)
	end := start + uint64(r.length)
	watermark := uint64(self.next[client])
	for clock := start; clock < end && clock < watermark; clock += 1 {
		self.applyDelete(ItemId{Client: client, Clock: uint32(clock)}, txn)
	}
	if end <= watermark {
		return
	}
	tailStart := start
	if tailStart < watermark {
		tailStart = watermark
	}
	tail := clockRange{start: uint32(tailStart), length: uint32(end - tailStart)}
	for _, added := range self.deleteSet.uncovered(client, tail) {
		added := added
		self.deleteSet.addRange(client, added)
		txn.newDeletes.addRange(client, added)
		txn.onRollback(func() {
			self.deleteSet.removeRange(client, added)
		})
	}
}

// StateVector returns the compact per-client watermark of what this
// replica already holds.
func (self *Doc) StateVector() []byte {
	return encodeStateVector(self.next)
}

// Diff returns an update carrying every op the peer lacks plus the full
// delete set. Resending deletes is harmless by idempotence. A nil or
// empty peer state vector yields the full document state.
func (self *Doc) Diff(peerStateVector []byte) ([]byte, error) {
	peerNext, err := decodeStateVector(peerStateVector)
	if err != nil {
		return nil, err
	}
	clients := maps.Keys(self.log)
	sort.Slice(clients, func(i int, j int) bool {
		return clients[i] < clients[j]
	})
	ops := []op{}
	for _, client := range clients {
		from := peerNext[client]
		clientLog := self.log[client]
		if int(from) < len(clientLog) {
			ops = append(ops, clientLog[from:]...)
		}
	}
	return encodeUpdate(ops, self.deleteSet), nil
}

// ApplyUpdate integrates a binary update payload inside its own
// transaction. Duplicate and out-of-order payloads are silently
// absorbed. Malformed payloads are rejected with an error wrapping
// ErrMalformedUpdate and leave no state change behind.
func (self *Doc) ApplyUpdate(update []byte) error {
	ops, deletes, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	glog.V(2).Infof("[doc]%s apply %d ops\n", self.id, len(ops))
	return self.Transact(func(txn *Txn) error {
		for _, o := range ops {
			if err := self.receiveOp(o, txn); err != nil {
				return err
			}
		}
		deletes.each(func(client uint64, r clockRange) {
			self.applyDeleteRange(client, r, txn)
		})
		return nil
	})
}
