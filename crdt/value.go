package crdt

import (
	"encoding/json"
	"fmt"
)

// Kind tags a Value. Container kinds hold a live container reference;
// everything else is a scalar.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTextRef
	KindListRef
	KindMapRef
)

func (self Kind) String() string {
	switch self {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTextRef:
		return "text"
	case KindListRef:
		return "list"
	case KindMapRef:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(self))
	}
}

// Value is the tagged variant crossing the engine boundary. Mirrors
// dispatch on Kind rather than inspecting runtime types.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	by   []byte
	text *Text
	list *List
	m    *Map
}

func Null() Value {
	return Value{kind: KindNull}
}

func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

func Int(i int64) Value {
	return Value{kind: KindInt, i: i}
}

func Float(f float64) Value {
	return Value{kind: KindFloat, f: f}
}

func String(s string) Value {
	return Value{kind: KindString, s: s}
}

func BytesVal(b []byte) Value {
	return Value{kind: KindBytes, by: b}
}

func TextValue(text *Text) Value {
	return Value{kind: KindTextRef, text: text}
}

func ListValue(list *List) Value {
	return Value{kind: KindListRef, list: list}
}

func MapValue(m *Map) Value {
	return Value{kind: KindMapRef, m: m}
}

// ValueOf converts a plain Go value to a Value. Supported inputs are
// nil, bool, signed integers, float64, string, []byte, and containers.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint64:
		return Int(int64(x)), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	case []byte:
		return BytesVal(x), nil
	case *Text:
		return TextValue(x), nil
	case *List:
		return ListValue(x), nil
	case *Map:
		return MapValue(x), nil
	case Value:
		return x, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

func RequireValueOf(v any) Value {
	value, err := ValueOf(v)
	if err != nil {
		panic(err)
	}
	return value
}

func (self Value) Kind() Kind {
	return self.kind
}

func (self Value) IsContainer() bool {
	switch self.kind {
	case KindTextRef, KindListRef, KindMapRef:
		return true
	default:
		return false
	}
}

func (self Value) Bool() bool {
	return self.b
}

func (self Value) Int64() int64 {
	return self.i
}

func (self Value) Float64() float64 {
	return self.f
}

func (self Value) Str() string {
	return self.s
}

func (self Value) Bytes() []byte {
	return self.by
}

func (self Value) Text() *Text {
	return self.text
}

func (self Value) List() *List {
	return self.list
}

func (self Value) Map() *Map {
	return self.m
}

// Eq compares scalar values. Containers compare by reference.
func (self Value) Eq(other Value) bool {
	if self.kind != other.kind {
		return false
	}
	switch self.kind {
	case KindNull:
		return true
	case KindBool:
		return self.b == other.b
	case KindInt:
		return self.i == other.i
	case KindFloat:
		return self.f == other.f
	case KindString:
		return self.s == other.s
	case KindBytes:
		if len(self.by) != len(other.by) {
			return false
		}
		for i := range self.by {
			if self.by[i] != other.by[i] {
				return false
			}
		}
		return true
	case KindTextRef:
		return self.text == other.text
	case KindListRef:
		return self.list == other.list
	case KindMapRef:
		return self.m == other.m
	default:
		return false
	}
}

// Interface renders a plain Go value. Containers render as themselves.
func (self Value) Interface() any {
	switch self.kind {
	case KindNull:
		return nil
	case KindBool:
		return self.b
	case KindInt:
		return self.i
	case KindFloat:
		return self.f
	case KindString:
		return self.s
	case KindBytes:
		return self.by
	case KindTextRef:
		return self.text
	case KindListRef:
		return self.list
	case KindMapRef:
		return self.m
	default:
		return nil
	}
}

func (self Value) String() string {
	switch self.kind {
	case KindNull:
		return "null"
	case KindTextRef:
		return "<text>"
	case KindListRef:
		return "<list>"
	case KindMapRef:
		return "<map>"
	default:
		return fmt.Sprintf("%v", self.Interface())
	}
}

func (self Value) MarshalJSON() ([]byte, error) {
	switch self.kind {
	case KindTextRef:
		return []byte(`"<text>"`), nil
	case KindListRef:
		return []byte(`"<list>"`), nil
	case KindMapRef:
		return []byte(`"<map>"`), nil
	default:
		return json.Marshal(self.Interface())
	}
}
