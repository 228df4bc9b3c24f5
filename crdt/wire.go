package crdt

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/maps"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary layout (protowire varints and length-delimited fields):
//
//	update      := structSection deleteSection
//	structSection := opCount op…
//	deleteSection := clientCount {client rangeCount {startClock length}…}…
//	stateVector := clientCount {client nextClock}…
//
// An update carrying no ops and no deletes encodes to exactly
// EmptyUpdate.

var ErrMalformedUpdate = errors.New("malformed update")

// EmptyUpdate is the fixed payload of a transaction that integrated
// nothing new.
var EmptyUpdate = []byte{0x00, 0x00}

func IsEmptyUpdate(update []byte) bool {
	return len(update) == 2 && update[0] == 0x00 && update[1] == 0x00
}

type wireReader struct {
	b []byte
}

func (self *wireReader) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(self.b)
	if n < 0 {
		return 0, ErrMalformedUpdate
	}
	self.b = self.b[n:]
	return v, nil
}

func (self *wireReader) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(self.b)
	if n < 0 {
		return nil, ErrMalformedUpdate
	}
	self.b = self.b[n:]
	return v, nil
}

func (self *wireReader) fixed64() (uint64, error) {
	v, n := protowire.ConsumeFixed64(self.b)
	if n < 0 {
		return 0, ErrMalformedUpdate
	}
	self.b = self.b[n:]
	return v, nil
}

func (self *wireReader) done() bool {
	return len(self.b) == 0
}

func appendItemId(b []byte, id ItemId) []byte {
	b = protowire.AppendVarint(b, id.Client)
	b = protowire.AppendVarint(b, uint64(id.Clock))
	return b
}

func (self *wireReader) itemId() (ItemId, error) {
	client, err := self.varint()
	if err != nil {
		return ItemId{}, err
	}
	clock, err := self.varint()
	if err != nil {
		return ItemId{}, err
	}
	if math.MaxUint32 < clock {
		return ItemId{}, ErrMalformedUpdate
	}
	return ItemId{Client: client, Clock: uint32(clock)}, nil
}

func appendValue(b []byte, value Value) []byte {
	b = protowire.AppendVarint(b, uint64(value.Kind()))
	switch value.Kind() {
	case KindBool:
		if value.Bool() {
			b = protowire.AppendVarint(b, 1)
		} else {
			b = protowire.AppendVarint(b, 0)
		}
	case KindInt:
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(value.Int64()))
	case KindFloat:
		b = protowire.AppendFixed64(b, math.Float64bits(value.Float64()))
	case KindString:
		b = protowire.AppendBytes(b, []byte(value.Str()))
	case KindBytes:
		b = protowire.AppendBytes(b, value.Bytes())
	}
	// null and container kinds carry no payload; a container is
	// identified by the id of the op that attaches it
	return b
}

func (self *wireReader) value() (Value, error) {
	kind, err := self.varint()
	if err != nil {
		return Value{}, err
	}
	switch Kind(kind) {
	case KindNull:
		return Null(), nil
	case KindBool:
		v, err := self.varint()
		if err != nil {
			return Value{}, err
		}
		return Bool(v != 0), nil
	case KindInt:
		v, err := self.varint()
		if err != nil {
			return Value{}, err
		}
		return Int(protowire.DecodeZigZag(v)), nil
	case KindFloat:
		v, err := self.fixed64()
		if err != nil {
			return Value{}, err
		}
		return Float(math.Float64frombits(v)), nil
	case KindString:
		v, err := self.bytes()
		if err != nil {
			return Value{}, err
		}
		return String(string(v)), nil
	case KindBytes:
		v, err := self.bytes()
		if err != nil {
			return Value{}, err
		}
		return BytesVal(append([]byte{}, v...)), nil
	case KindTextRef, KindListRef, KindMapRef:
		// placeholder resolved against the attaching op's id
		return Value{kind: Kind(kind)}, nil
	default:
		return Value{}, fmt.Errorf("%w: value kind %d", ErrMalformedUpdate, kind)
	}
}

func appendAttrs(b []byte, attrs map[string]Value) []byte {
	keys := maps.Keys(attrs)
	sort.Strings(keys)
	b = protowire.AppendVarint(b, uint64(len(keys)))
	for _, key := range keys {
		b = protowire.AppendBytes(b, []byte(key))
		b = appendValue(b, attrs[key])
	}
	return b
}

func (self *wireReader) attrs() (map[string]Value, error) {
	count, err := self.varint()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	attrs := map[string]Value{}
	for i := uint64(0); i < count; i += 1 {
		key, err := self.bytes()
		if err != nil {
			return nil, err
		}
		value, err := self.value()
		if err != nil {
			return nil, err
		}
		attrs[string(key)] = value
	}
	return attrs, nil
}

func appendContainerRef(b []byte, ref containerRef) []byte {
	b = protowire.AppendVarint(b, uint64(ref.kind))
	if ref.isRoot() {
		b = protowire.AppendVarint(b, 1)
		b = protowire.AppendBytes(b, []byte(ref.root))
	} else {
		b = protowire.AppendVarint(b, 0)
		b = appendItemId(b, ref.id)
	}
	return b
}

func (self *wireReader) containerRef() (containerRef, error) {
	kind, err := self.varint()
	if err != nil {
		return containerRef{}, err
	}
	switch Kind(kind) {
	case KindTextRef, KindListRef, KindMapRef:
	default:
		return containerRef{}, fmt.Errorf("%w: container kind %d", ErrMalformedUpdate, kind)
	}
	isRoot, err := self.varint()
	if err != nil {
		return containerRef{}, err
	}
	if isRoot != 0 {
		name, err := self.bytes()
		if err != nil {
			return containerRef{}, err
		}
		if len(name) == 0 {
			return containerRef{}, fmt.Errorf("%w: empty root name", ErrMalformedUpdate)
		}
		return containerRef{kind: Kind(kind), root: string(name)}, nil
	}
	id, err := self.itemId()
	if err != nil {
		return containerRef{}, err
	}
	return containerRef{kind: Kind(kind), id: id}, nil
}

func appendOp(b []byte, o op) []byte {
	b = appendItemId(b, o.id)
	b = protowire.AppendVarint(b, uint64(o.kind))
	b = appendContainerRef(b, o.container)
	switch o.kind {
	case opTextInsert:
		b = appendItemId(b, o.parent)
		if o.embed {
			b = protowire.AppendVarint(b, 1)
			b = appendValue(b, o.value)
		} else {
			b = protowire.AppendVarint(b, 0)
			b = protowire.AppendVarint(b, uint64(o.ch))
		}
		b = appendAttrs(b, o.attrs)
	case opListInsert:
		b = appendItemId(b, o.parent)
		b = appendValue(b, o.value)
	case opFormat:
		b = protowire.AppendVarint(b, uint64(len(o.targets)))
		for _, target := range o.targets {
			b = appendItemId(b, target)
		}
		b = appendAttrs(b, o.attrs)
	case opMapSet:
		b = protowire.AppendBytes(b, []byte(o.key))
		if o.del {
			b = protowire.AppendVarint(b, 1)
		} else {
			b = protowire.AppendVarint(b, 0)
			b = appendValue(b, o.value)
		}
	}
	return b
}

func (self *wireReader) op() (op, error) {
	id, err := self.itemId()
	if err != nil {
		return op{}, err
	}
	kind, err := self.varint()
	if err != nil {
		return op{}, err
	}
	ref, err := self.containerRef()
	if err != nil {
		return op{}, err
	}
	o := op{id: id, kind: opKind(kind), container: ref}
	switch o.kind {
	case opTextInsert:
		if o.parent, err = self.itemId(); err != nil {
			return op{}, err
		}
		embed, err := self.varint()
		if err != nil {
			return op{}, err
		}
		if embed != 0 {
			o.embed = true
			if o.value, err = self.value(); err != nil {
				return op{}, err
			}
		} else {
			ch, err := self.varint()
			if err != nil {
				return op{}, err
			}
			o.ch = rune(ch)
		}
		if o.attrs, err = self.attrs(); err != nil {
			return op{}, err
		}
	case opListInsert:
		if o.parent, err = self.itemId(); err != nil {
			return op{}, err
		}
		if o.value, err = self.value(); err != nil {
			return op{}, err
		}
	case opFormat:
		count, err := self.varint()
		if err != nil {
			return op{}, err
		}
		for i := uint64(0); i < count; i += 1 {
			target, err := self.itemId()
			if err != nil {
				return op{}, err
			}
			o.targets = append(o.targets, target)
		}
		if o.attrs, err = self.attrs(); err != nil {
			return op{}, err
		}
	case opMapSet:
		key, err := self.bytes()
		if err != nil {
			return op{}, err
		}
		o.key = string(key)
		del, err := self.varint()
		if err != nil {
			return op{}, err
		}
		if del != 0 {
			o.del = true
		} else {
			if o.value, err = self.value(); err != nil {
				return op{}, err
			}
		}
	default:
		return op{}, fmt.Errorf("%w: op kind %d", ErrMalformedUpdate, kind)
	}
	return o, nil
}

func encodeUpdate(ops []op, deletes *DeleteSet) []byte {
	b := protowire.AppendVarint(nil, uint64(len(ops)))
	for _, o := range ops {
		b = appendOp(b, o)
	}
	if deletes == nil || deletes.IsEmpty() {
		b = protowire.AppendVarint(b, 0)
		return b
	}
	clients := maps.Keys(deletes.ranges)
	sort.Slice(clients, func(i int, j int) bool {
		return clients[i] < clients[j]
	})
	b = protowire.AppendVarint(b, uint64(len(clients)))
	for _, client := range clients {
		ranges := deletes.ranges[client]
		b = protowire.AppendVarint(b, client)
		b = protowire.AppendVarint(b, uint64(len(ranges)))
		for _, r := range ranges {
			b = protowire.AppendVarint(b, uint64(r.start))
			b = protowire.AppendVarint(b, uint64(r.length))
		}
	}
	return b
}

func decodeUpdate(update []byte) ([]op, *DeleteSet, error) {
	r := &wireReader{b: update}
	opCount, err := r.varint()
	if err != nil {
		return nil, nil, err
	}
	ops := []op{}
	for i := uint64(0); i < opCount; i += 1 {
		o, err := r.op()
		if err != nil {
			return nil, nil, err
		}
		ops = append(ops, o)
	}
	deletes := NewDeleteSet()
	clientCount, err := r.varint()
	if err != nil {
		return nil, nil, err
	}
	for i := uint64(0); i < clientCount; i += 1 {
		client, err := r.varint()
		if err != nil {
			return nil, nil, err
		}
		rangeCount, err := r.varint()
		if err != nil {
			return nil, nil, err
		}
		for k := uint64(0); k < rangeCount; k += 1 {
			start, err := r.varint()
			if err != nil {
				return nil, nil, err
			}
			length, err := r.varint()
			if err != nil {
				return nil, nil, err
			}
			if math.MaxUint32 < start || math.MaxUint32 < length || length == 0 {
				return nil, nil, ErrMalformedUpdate
			}
			deletes.addRange(client, clockRange{start: uint32(start), length: uint32(length)})
		}
	}
	if !r.done() {
		return nil, nil, fmt.Errorf("%w: trailing bytes", ErrMalformedUpdate)
	}
	return ops, deletes, nil
}

func encodeStateVector(next map[uint64]uint32) []byte {
	clients := []uint64{}
	for client, clock := range next {
		if 0 < clock {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i int, j int) bool {
		return clients[i] < clients[j]
	})
	b := protowire.AppendVarint(nil, uint64(len(clients)))
	for _, client := range clients {
		b = protowire.AppendVarint(b, client)
		b = protowire.AppendVarint(b, uint64(next[client]))
	}
	return b
}

func decodeStateVector(stateVector []byte) (map[uint64]uint32, error) {
	next := map[uint64]uint32{}
	if len(stateVector) == 0 {
		return next, nil
	}
	r := &wireReader{b: stateVector}
	count, err := r.varint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < count; i += 1 {
		client, err := r.varint()
		if err != nil {
			return nil, err
		}
		clock, err := r.varint()
		if err != nil {
			return nil, err
		}
		if math.MaxUint32 < clock {
			return nil, ErrMalformedUpdate
		}
		next[client] = uint32(clock)
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedUpdate)
	}
	return next, nil
}
