package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	id := NewID()
	rec := Record{
		"_chan": "room",
		"n":     int32(42),
		"big":   int64(1) << 40,
		"ok":    true,
		"blob":  []byte{1, 2, 3},
		"id":    id,
		"nest":  Record{"x": "y"},
		"arr":   []any{"a", "b"},
	}

	buf, err := rec.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(buf)
	require.NoError(t, err)

	ch, ok := got.Str("_chan")
	require.True(t, ok)
	assert.Equal(t, "room", ch)

	n, ok := got.Int32("n")
	require.True(t, ok)
	assert.Equal(t, int32(42), n)

	big, ok := got.Int64("big")
	require.True(t, ok)
	assert.Equal(t, int64(1)<<40, big)

	b, ok := got.Bool("ok")
	require.True(t, ok)
	assert.True(t, b)

	blob, ok := got.Bytes("blob")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, blob)

	gotID, ok := got.GetID("id")
	require.True(t, ok)
	assert.Equal(t, id, gotID)

	nest, ok := got.Rec("nest")
	require.True(t, ok)
	x, _ := nest.Str("x")
	assert.Equal(t, "y", x)

	arr, ok := got.Array("arr")
	require.True(t, ok)
	assert.Len(t, arr, 2)
}

func TestUnmarshalBounds(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortRecord)
}

func TestStrings(t *testing.T) {
	rec := Record{
		"single": "a",
		"many":   []any{"a", "b"},
		"bad":    []any{"a", int32(1)},
		"wrong":  int32(1),
	}

	got, ok := rec.Strings("single")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, got)

	got, ok = rec.Strings("many")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got)

	_, ok = rec.Strings("bad")
	assert.False(t, ok)

	_, ok = rec.Strings("wrong")
	assert.False(t, ok)

	// Absent keys are fine: no filter requested.
	got, ok = rec.Strings("absent")
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestIDs(t *testing.T) {
	a, b := NewID(), NewID()
	rec := Record{
		"one":  a,
		"many": []any{a, b},
		"bad":  []any{a, "nope"},
	}

	got, ok := rec.IDs("one")
	require.True(t, ok)
	assert.Equal(t, []ID{a}, got)

	got, ok = rec.IDs("many")
	require.True(t, ok)
	assert.Equal(t, []ID{a, b}, got)

	_, ok = rec.IDs("bad")
	assert.False(t, ok)
}

func TestClone(t *testing.T) {
	rec := Record{"a": int32(1)}
	dup := rec.Clone()
	dup.Set("a", int32(2))

	n, _ := rec.Int32("a")
	assert.Equal(t, int32(1), n)
}
