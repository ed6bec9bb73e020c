package datamap

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMap(t *testing.T) *Datamap {
	t.Helper()
	grip := NewBuilder().Number("value", 0.75).Bool("pressed", true).MustBuild()
	m, err := NewBuilder().
		Bool("select", false).
		Number("trackpad_x", -0.25).
		String("hand", "right").
		Map("grip", grip).
		Build()
	require.NoError(t, err)
	return m
}

func TestParsePreservesOrder(t *testing.T) {
	m, err := Parse([]byte(`{"z":1,"a":true,"m":"x","n":{"b":2,"a":1}}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"z", "a", "m", "n"}, m.Keys())
	nested, ok := m.Map("n")
	require.True(t, ok)
	assert.Equal(t, []string{"b", "a"}, nested.Keys())
}

func TestRoundTrip(t *testing.T) {
	m := sampleMap(t)

	back, err := Parse(m.Marshal())
	require.NoError(t, err)
	assert.True(t, m.Equal(back), "round trip changed map: %s", back.Marshal())
	assert.Equal(t, string(m.Marshal()), string(back.Marshal()))
}

func TestRoundTripEscapedKeys(t *testing.T) {
	m := NewBuilder().
		String(`quote"key`, "line\nbreak").
		Number("<tag>", 1e21).
		Number("tiny", 5e-324).
		MustBuild()

	back, err := Parse(m.Marshal())
	require.NoError(t, err)
	assert.True(t, m.Equal(back))
}

func TestEmptyMapIsValid(t *testing.T) {
	m, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, "{}", string(Empty().Marshal()))
}

func TestParseRejectsGarbage(t *testing.T) {
	inputs := map[string]string{
		"empty":          ``,
		"binary":         "\x00\x01\x02\xff",
		"truncated":      `{"a":1`,
		"array root":     `[1,2,3]`,
		"number root":    `42`,
		"string root":    `"map"`,
		"null root":      `null`,
		"array value":    `{"a":[1]}`,
		"null value":     `{"a":null}`,
		"duplicate key":  `{"a":1,"a":2}`,
		"nested dup":     `{"a":{"b":1,"b":true}}`,
		"overflow":       `{"a":1e400}`,
		"trailing comma": `{"a":1,}`,
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(in))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestLimits(t *testing.T) {
	deep := strings.Repeat(`{"a":`, 4) + "1" + strings.Repeat("}", 4)

	_, err := Limits{MaxDepth: 3}.Parse([]byte(deep))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Limits{MaxDepth: 4}.Parse([]byte(deep))
	assert.NoError(t, err)

	_, err = Limits{MaxBytes: 4}.Parse([]byte(`{"a":1}`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestTypedGetters(t *testing.T) {
	m := sampleMap(t)

	b, ok := m.Bool("select")
	assert.True(t, ok)
	assert.False(t, b)

	n, ok := m.Number("trackpad_x")
	assert.True(t, ok)
	assert.Equal(t, -0.25, n)

	s, ok := m.String("hand")
	assert.True(t, ok)
	assert.Equal(t, "right", s)

	v, ok := m.Lookup("grip", "value")
	require.True(t, ok)
	f, _ := v.Number()
	assert.Equal(t, 0.75, f)

	// Wrong type and missing keys report absence instead of failing.
	_, ok = m.Number("hand")
	assert.False(t, ok)
	_, ok = m.Map("select")
	assert.False(t, ok)
	_, ok = m.Bool("missing")
	assert.False(t, ok)
	_, ok = m.Lookup("hand", "value")
	assert.False(t, ok)
	_, ok = m.Lookup()
	assert.False(t, ok)

	var nilMap *Datamap
	_, ok = nilMap.String("hand")
	assert.False(t, ok)
	assert.Equal(t, 0, nilMap.Len())
}

func TestBuilderErrors(t *testing.T) {
	_, err := NewBuilder().Number("a", 1).Bool("a", true).Build()
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = NewBuilder().Number("nan", nan()).Build()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPatch(t *testing.T) {
	base := sampleMap(t).Marshal()

	out, err := Patch(base, "select", true)
	require.NoError(t, err)
	m, err := Parse(out)
	require.NoError(t, err)
	sel, _ := m.Bool("select")
	assert.True(t, sel)
	assert.Equal(t, []string{"select", "trackpad_x", "hand", "grip"}, m.Keys(), "patching keeps key order")

	out, err = Patch(base, "grip.value", 0.1)
	require.NoError(t, err)
	m, err = Parse(out)
	require.NoError(t, err)
	v, _ := m.Lookup("grip", "value")
	f, _ := v.Number()
	assert.Equal(t, 0.1, f)

	_, err = Patch(base, "bad key", true)
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Patch(base, "list", []int{1})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSchema(t *testing.T) {
	schema, err := CompileSchema("hand.schema.json", []byte(`{
		"type": "object",
		"required": ["grab"],
		"properties": {"grab": {"type": "number", "minimum": 0, "maximum": 1}}
	}`))
	require.NoError(t, err)

	ok := NewBuilder().Number("grab", 0.5).MustBuild()
	assert.NoError(t, schema.Validate(ok))

	missing := NewBuilder().Bool("pinch", true).MustBuild()
	assert.ErrorIs(t, schema.Validate(missing), ErrInvalid)

	outOfRange := NewBuilder().Number("grab", 3).MustBuild()
	assert.ErrorIs(t, schema.Validate(outOfRange), ErrInvalid)

	var none *Schema
	assert.NoError(t, none.Validate(missing))
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}
