// Package datamap implements the auxiliary key/value payload attached to input methods.
//
// A datamap carries non-spatial state (buttons, trackpads, grip strength, ...) that the
// arbitration engine passes through untouched. It is an order-preserving map whose values
// are booleans, numbers, strings or nested maps. On the wire it is a JSON object; Parse
// rejects anything whose root is not a well-formed map.
package datamap

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalid is returned for payloads that are not a well-formed map.
var ErrInvalid = errors.New("datamap: map invalid")

// Kind identifies the type held by a Value.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindNumber
	KindString
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is one datamap value.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	m    *Datamap
}

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// NumberValue wraps a number.
func NumberValue(n float64) Value { return Value{kind: KindNumber, n: n} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// MapValue wraps a nested map.
func MapValue(m *Datamap) Value { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) Number() (float64, bool) { return v.n, v.kind == KindNumber }

func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

func (v Value) Map() (*Datamap, bool) { return v.m, v.kind == KindMap }

// Equal compares kinds and contents, recursing into nested maps.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindMap:
		return v.m.Equal(o.m)
	}
	return true
}

// Entry is a key and its value.
type Entry struct {
	Key   string
	Value Value
}

// Datamap is an immutable, order-preserving map. A nil *Datamap behaves as an empty map.
type Datamap struct {
	entries []Entry
	index   map[string]int
}

// Empty returns a datamap with no entries.
func Empty() *Datamap {
	return &Datamap{index: map[string]int{}}
}

func newDatamap(n int) *Datamap {
	return &Datamap{entries: make([]Entry, 0, n), index: make(map[string]int, n)}
}

func (m *Datamap) add(key string, v Value) error {
	if _, dup := m.index[key]; dup {
		return fmt.Errorf("%w: duplicate key %q", ErrInvalid, key)
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, Entry{Key: key, Value: v})
	return nil
}

// Len returns the number of top-level entries.
func (m *Datamap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Keys returns the top-level keys in insertion order.
func (m *Datamap) Keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, len(m.entries))
	for i, e := range m.entries {
		keys[i] = e.Key
	}
	return keys
}

// Entries returns a copy of the top-level entries in order.
func (m *Datamap) Entries() []Entry {
	if m == nil {
		return nil
	}
	return append([]Entry(nil), m.entries...)
}

// Get returns the raw value for key.
func (m *Datamap) Get(key string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	i, ok := m.index[key]
	if !ok {
		return Value{}, false
	}
	return m.entries[i].Value, true
}

// Has reports whether key is present.
func (m *Datamap) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Bool returns the boolean at key; ok is false if the key is missing or not a bool.
func (m *Datamap) Bool(key string) (v bool, ok bool) {
	val, found := m.Get(key)
	if !found {
		return false, false
	}
	return val.Bool()
}

// Number returns the number at key; ok is false if the key is missing or not a number.
func (m *Datamap) Number(key string) (v float64, ok bool) {
	val, found := m.Get(key)
	if !found {
		return 0, false
	}
	return val.Number()
}

// String returns the string at key; ok is false if the key is missing or not a string.
func (m *Datamap) String(key string) (v string, ok bool) {
	val, found := m.Get(key)
	if !found {
		return "", false
	}
	return val.Str()
}

// Map returns the nested map at key; ok is false if the key is missing or not a map.
func (m *Datamap) Map(key string) (v *Datamap, ok bool) {
	val, found := m.Get(key)
	if !found {
		return nil, false
	}
	return val.Map()
}

// Lookup walks nested maps along path and returns the value at its end.
func (m *Datamap) Lookup(path ...string) (Value, bool) {
	if len(path) == 0 {
		return Value{}, false
	}
	cur := m
	for _, key := range path[:len(path)-1] {
		next, ok := cur.Map(key)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur.Get(path[len(path)-1])
}

// Equal reports whether both maps hold the same entries in the same order.
func (m *Datamap) Equal(o *Datamap) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i := 0; i < m.Len(); i++ {
		a, b := m.entries[i], o.entries[i]
		if a.Key != b.Key || !a.Value.Equal(b.Value) {
			return false
		}
	}
	return true
}

// Builder assembles a Datamap in code.
type Builder struct {
	m   *Datamap
	err error
}

// NewBuilder starts an empty map.
func NewBuilder() *Builder {
	return &Builder{m: newDatamap(4)}
}

func (b *Builder) set(key string, v Value) *Builder {
	if b.err == nil {
		b.err = b.m.add(key, v)
	}
	return b
}

func (b *Builder) Bool(key string, v bool) *Builder {
	return b.set(key, BoolValue(v))
}

func (b *Builder) Number(key string, v float64) *Builder {
	if b.err == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
		b.err = fmt.Errorf("%w: key %q: non-finite number", ErrInvalid, key)
		return b
	}
	return b.set(key, NumberValue(v))
}

func (b *Builder) String(key, v string) *Builder {
	return b.set(key, StringValue(v))
}

func (b *Builder) Map(key string, v *Datamap) *Builder {
	if v == nil {
		v = Empty()
	}
	return b.set(key, MapValue(v))
}

// Build returns the map or the first error recorded while building.
func (b *Builder) Build() (*Datamap, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := newDatamap(len(b.m.entries))
	for _, e := range b.m.entries {
		_ = out.add(e.Key, e.Value)
	}
	return out, nil
}

// MustBuild is Build for static maps; it panics on error.
func (b *Builder) MustBuild() *Datamap {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}
