package codec

import (
	"strings"
	"testing"

	gocmp "github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty-debug/ctydebug"
)

func newTestRegistry() *Registry {
	r := NewRegistry("")
	RegisterBuiltins(r)
	return r
}

func TestPackUnpackRoundTripBuffer(t *testing.T) {
	r := newTestRegistry()
	b := NewBuffer([]byte("hello"))

	packed, err := r.Pack(b)
	require.NoError(t, err)
	env, ok := packed.(Envelope)
	require.True(t, ok, "packed value should be an Envelope")
	assert.Equal(t, TagBuffer, env.Marker)

	unpacked, err := r.Unpack(packed)
	require.NoError(t, err)
	got, ok := unpacked.(*Buffer)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Bytes())
}

func TestPackPassesThroughUnregisteredTypes(t *testing.T) {
	r := newTestRegistry()
	packed, err := r.Pack(42)
	require.NoError(t, err)
	assert.Equal(t, 42, packed)

	unpacked, err := r.Unpack(packed)
	require.NoError(t, err)
	assert.Equal(t, 42, unpacked)
}

func TestHasMovedBufferForZeroLengthBuffer(t *testing.T) {
	r := newTestRegistry()
	b := NewBuffer([]byte{})
	assert.True(t, r.HasMovedBuffer(b), "a zero-length buffer is treated as already moved")
}

func TestMovablesForNumericArrayView(t *testing.T) {
	r := newTestRegistry()
	buf := NewBuffer(make([]byte, 32))
	view := &NumericArrayView{Buffer: buf, ViewKind: "float64"}

	movables := r.Movables(view)
	require.Len(t, movables, 1)
	assert.Same(t, buf, movables[0])
}

func TestBufferMoveAndAttach(t *testing.T) {
	b := NewBuffer([]byte("payload"))
	moved := b.Move()
	assert.Equal(t, []byte("payload"), moved)
	assert.Equal(t, 0, b.Len())
	assert.True(t, b.IsMoved())

	b.Attach(moved)
	assert.Equal(t, 7, b.Len())
	assert.False(t, b.IsMoved())
}

func TestPackIsStableAcrossRepeatedCalls(t *testing.T) {
	r := newTestRegistry()
	b := NewBuffer([]byte("stable"))

	first, err := r.Pack(b)
	require.NoError(t, err)
	second, err := r.Pack(b)
	require.NoError(t, err)

	firstEnv, secondEnv := first.(Envelope), second.(Envelope)
	if diff := gocmp.Diff(firstEnv.Cty, secondEnv.Cty, ctydebug.CmpOptions); diff != "" {
		t.Fatalf("packing the same buffer twice produced different cty values (-first +second):\n%s", diff)
	}
}

func TestDebugStringRendersCapsuleAndPlainValues(t *testing.T) {
	r := newTestRegistry()
	b := NewBuffer([]byte("hi"))

	capsuleOut := r.DebugString(b)
	assert.NotEmpty(t, capsuleOut)
	assert.True(t, strings.Contains(capsuleOut, "Buffer"), "expected the capsule debug string to name the capsule type, got %q", capsuleOut)

	plainOut := r.DebugString(42)
	assert.Equal(t, "42", plainOut)
}

func TestMovablesInScansAllArgs(t *testing.T) {
	r := newTestRegistry()
	b1 := NewBuffer([]byte("a"))
	b2 := NewBuffer([]byte("b"))

	found := r.MovablesIn([]any{1, "two", b1, b2})
	assert.ElementsMatch(t, []*Buffer{b1, b2}, found)
}
