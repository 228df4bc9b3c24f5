package crdt

import (
	"bytes"
	"errors"
	mathrand "math/rand"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

// ItemId stamps one clock-consuming operation of one client.
// The zero value is the head sentinel and never stamps a real operation.
//
// comparable
type ItemId struct {
	Client uint64
	Clock  uint32
}

func (self ItemId) IsHead() bool {
	return self == ItemId{}
}

// Compare defines the deterministic total order used for sibling
// tie-breaks and last-writer-wins registers. Clock first, then client,
// so all replicas agree.
func (self ItemId) Compare(other ItemId) int {
	if self.Clock < other.Clock {
		return -1
	}
	if self.Clock > other.Clock {
		return 1
	}
	if self.Client < other.Client {
		return -1
	}
	if self.Client > other.Client {
		return 1
	}
	return 0
}

// the head sentinel client is reserved
func newClientNumber() uint64 {
	for {
		client := mathrand.Uint64() >> 1
		if client != 0 {
			return client
		}
	}
}
