package datamap

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Limits bounds what Parse accepts.
type Limits struct {
	// MaxBytes is the largest accepted encoding. Zero means unlimited.
	MaxBytes int
	// MaxDepth is the deepest accepted nesting; the root map is depth 1. Zero means unlimited.
	MaxDepth int
}

// DefaultLimits are used by Parse.
var DefaultLimits = Limits{MaxBytes: 64 * 1024, MaxDepth: 16}

// Parse validates data and decodes it with DefaultLimits.
func Parse(data []byte) (*Datamap, error) {
	return DefaultLimits.Parse(data)
}

// Validate reports whether data is a well-formed datamap under DefaultLimits.
func Validate(data []byte) error {
	_, err := Parse(data)
	return err
}

// Parse validates data and decodes it. The root must be a JSON object whose values are
// booleans, numbers, strings or objects; key order is preserved.
func (l Limits) Parse(data []byte) (*Datamap, error) {
	if l.MaxBytes > 0 && len(data) > l.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalid, len(data), l.MaxBytes)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalid)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: root is %s, not a map", ErrInvalid, typeName(root))
	}
	return l.decodeMap(root, 1, "")
}

func (l Limits) decodeMap(obj gjson.Result, depth int, path string) (*Datamap, error) {
	if l.MaxDepth > 0 && depth > l.MaxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d at %q", ErrInvalid, l.MaxDepth, path)
	}
	m := newDatamap(8)
	var err error
	obj.ForEach(func(key, val gjson.Result) bool {
		k := key.String()
		at := joinPath(path, k)
		var v Value
		v, err = l.decodeValue(val, depth, at)
		if err != nil {
			return false
		}
		err = m.add(k, v)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (l Limits) decodeValue(val gjson.Result, depth int, path string) (Value, error) {
	switch val.Type {
	case gjson.True:
		return BoolValue(true), nil
	case gjson.False:
		return BoolValue(false), nil
	case gjson.Number:
		if math.IsInf(val.Num, 0) || math.IsNaN(val.Num) {
			return Value{}, fmt.Errorf("%w: number out of range at %q", ErrInvalid, path)
		}
		return NumberValue(val.Num), nil
	case gjson.String:
		return StringValue(val.Str), nil
	case gjson.JSON:
		if val.IsObject() {
			nested, err := l.decodeMap(val, depth+1, path)
			if err != nil {
				return Value{}, err
			}
			return MapValue(nested), nil
		}
	}
	return Value{}, fmt.Errorf("%w: unsupported %s value at %q", ErrInvalid, typeName(val), path)
}

func typeName(r gjson.Result) string {
	switch r.Type {
	case gjson.Null:
		return "null"
	case gjson.True, gjson.False:
		return "bool"
	case gjson.Number:
		return "number"
	case gjson.String:
		return "string"
	case gjson.JSON:
		if r.IsArray() {
			return "array"
		}
		return "map"
	}
	return "unknown"
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

// Marshal encodes m as a JSON object in key order. Parse(m.Marshal()) yields a map
// Equal to m.
func (m *Datamap) Marshal() []byte {
	return m.appendJSON(make([]byte, 0, 64))
}

func (m *Datamap) appendJSON(b []byte) []byte {
	b = append(b, '{')
	for i := 0; i < m.Len(); i++ {
		e := m.entries[i]
		if i > 0 {
			b = append(b, ',')
		}
		b = appendString(b, e.Key)
		b = append(b, ':')
		switch e.Value.kind {
		case KindBool:
			b = strconv.AppendBool(b, e.Value.b)
		case KindNumber:
			b = strconv.AppendFloat(b, e.Value.n, 'g', -1, 64)
		case KindString:
			b = appendString(b, e.Value.s)
		case KindMap:
			b = e.Value.m.appendJSON(b)
		}
	}
	return append(b, '}')
}

func appendString(b []byte, s string) []byte {
	enc, _ := json.Marshal(s)
	return append(b, enc...)
}

// MarshalJSON lets a datamap be embedded in other JSON documents.
func (m *Datamap) MarshalJSON() ([]byte, error) {
	return m.Marshal(), nil
}

// ToAny converts m into plain Go maps, the shape encoding/json produces.
func (m *Datamap) ToAny() map[string]any {
	out := make(map[string]any, m.Len())
	for i := 0; i < m.Len(); i++ {
		e := m.entries[i]
		switch e.Value.kind {
		case KindBool:
			out[e.Key] = e.Value.b
		case KindNumber:
			out[e.Key] = e.Value.n
		case KindString:
			out[e.Key] = e.Value.s
		case KindMap:
			out[e.Key] = e.Value.m.ToAny()
		}
	}
	return out
}

var patchKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*(\.[A-Za-z_][A-Za-z0-9_-]*)*$`)

// Patch sets a single value inside an encoded datamap without decoding it first.
// key is a dot-separated path of plain identifiers; missing intermediate maps are
// created. The result is validated before it is returned.
func Patch(data []byte, key string, v any) ([]byte, error) {
	if !patchKey.MatchString(key) {
		return nil, fmt.Errorf("%w: unsupported patch key %q", ErrInvalid, key)
	}
	var (
		out []byte
		err error
	)
	switch val := v.(type) {
	case *Datamap:
		out, err = sjson.SetRawBytes(data, key, val.Marshal())
	case bool, string, float64, float32, int, int64:
		out, err = sjson.SetBytes(data, key, val)
	default:
		return nil, fmt.Errorf("%w: unsupported patch value %T", ErrInvalid, v)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}
