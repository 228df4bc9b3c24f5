package crdt

import (
	"math"
	"sort"

	"golang.org/x/exp/maps"
)

type opKind int

const (
	opTextInsert opKind = iota
	opListInsert
	opFormat
	opMapSet
)

// containerRef addresses a container on any replica. Root containers go
// by name, nested containers by the id of the operation that attached
// them.
type containerRef struct {
	kind Kind
	root string
	id   ItemId
}

func (self containerRef) isRoot() bool {
	return self.root != ""
}

// op is one clock-consuming operation in a client's log. Exactly one
// payload group is meaningful per kind.
type op struct {
	id        ItemId
	kind      opKind
	container containerRef

	// text/list insert
	parent ItemId
	ch     rune
	embed  bool
	value  Value

	// text insert / format
	attrs map[string]Value

	// format
	targets []ItemId

	// map set
	key string
	del bool
}

type clockRange struct {
	start  uint32
	length uint32
}

// contains must not wrap: start+length can exceed the uint32 range for
// adversarial lengths, so the check is phrased subtraction-first.
func (self clockRange) contains(clock uint32) bool {
	return self.start <= clock && clock-self.start < self.length
}

func (self clockRange) end() uint64 {
	return uint64(self.start) + uint64(self.length)
}

// DeleteSet is the tombstone record of an update: per client, the clock
// ranges of deleted sequence elements. Merging is idempotent.
type DeleteSet struct {
	ranges map[uint64][]clockRange
}

func NewDeleteSet() *DeleteSet {
	return &DeleteSet{
		ranges: map[uint64][]clockRange{},
	}
}

func (self *DeleteSet) IsEmpty() bool {
	return len(self.ranges) == 0
}

func (self *DeleteSet) Contains(id ItemId) bool {
	for _, r := range self.ranges[id.Client] {
		if r.contains(id.Clock) {
			return true
		}
	}
	return false
}

// Add records one deleted id. Returns false if the id was already in
// the set.
func (self *DeleteSet) Add(id ItemId) bool {
	if self.Contains(id) {
		return false
	}
	self.addRange(id.Client, clockRange{start: id.Clock, length: 1})
	return true
}

func (self *DeleteSet) addRange(client uint64, r clockRange) {
	if r.length == 0 {
		return
	}
	self.ranges[client] = normalizeRanges(append(self.ranges[client], r))
}

// removeRange cuts r back out of the client's ranges, splitting any
// range it lands inside.
func (self *DeleteSet) removeRange(client uint64, r clockRange) {
	rStart := uint64(r.start)
	rEnd := r.end()
	out := []clockRange{}
	for _, e := range self.ranges[client] {
		eStart := uint64(e.start)
		eEnd := e.end()
		if eEnd <= rStart || rEnd <= eStart {
			out = append(out, e)
			continue
		}
		if eStart < rStart {
			out = append(out, clockRange{start: uint32(eStart), length: uint32(rStart - eStart)})
		}
		if rEnd < eEnd {
			out = append(out, clockRange{start: uint32(rEnd), length: uint32(eEnd - rEnd)})
		}
	}
	if len(out) == 0 {
		delete(self.ranges, client)
	} else {
		self.ranges[client] = out
	}
}

// uncovered returns the sub-ranges of r not already present for the
// client, in clock order.
func (self *DeleteSet) uncovered(client uint64, r clockRange) []clockRange {
	out := []clockRange{}
	cur := uint64(r.start)
	end := r.end()
	for _, e := range self.ranges[client] {
		eStart := uint64(e.start)
		eEnd := e.end()
		if eEnd <= cur {
			continue
		}
		if end <= eStart {
			break
		}
		if cur < eStart {
			out = append(out, clockRange{start: uint32(cur), length: uint32(eStart - cur)})
		}
		if cur < eEnd {
			cur = eEnd
		}
		if end <= cur {
			return out
		}
	}
	if cur < end {
		out = append(out, clockRange{start: uint32(cur), length: uint32(end - cur)})
	}
	return out
}

// sorted, coalesced, non-overlapping
func normalizeRanges(ranges []clockRange) []clockRange {
	sort.Slice(ranges, func(i int, j int) bool {
		return ranges[i].start < ranges[j].start
	})
	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		lastEnd := last.end()
		if uint64(r.start) <= lastEnd {
			if end := r.end(); lastEnd < end {
				length := end - uint64(last.start)
				if math.MaxUint32 < length {
					// clocks are uint32, so a saturated length still
					// covers every clock from start on
					length = math.MaxUint32
				}
				last.length = uint32(length)
			}
		} else {
			out = append(out, r)
		}
	}
	return out
}

func (self *DeleteSet) each(callback func(client uint64, r clockRange)) {
	clients := maps.Keys(self.ranges)
	sort.Slice(clients, func(i int, j int) bool {
		return clients[i] < clients[j]
	})
	for _, client := range clients {
		for _, r := range self.ranges[client] {
			callback(client, r)
		}
	}
}
