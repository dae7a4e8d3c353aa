package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetainRelease(t *testing.T) {
	b := New([]byte("hello"))
	require.Equal(t, int32(1), b.Refs())

	b.Retain()
	assert.Equal(t, int32(2), b.Refs())

	b.Release()
	b.Release()
	assert.Equal(t, int32(0), b.Refs())

	assert.Panics(t, func() { b.Release() }, "over-release must panic")
}

func TestPoolRecyclesBuffers(t *testing.T) {
	p := NewPool(64)
	b := p.Get()
	require.Len(t, b.Bytes(), 64)
	assert.Equal(t, int32(1), b.Refs())
	b.Release()

	b2 := p.Get()
	assert.Equal(t, int32(1), b2.Refs(), "recycled buffers start with one reference")
	assert.Len(t, b2.Bytes(), 64)
}

func TestViewSubSharesBuffer(t *testing.T) {
	v := Wrap([]byte("0123456789"))
	sub := v.Sub(2, 3)
	assert.Equal(t, []byte("234"), sub.Bytes())
	assert.Equal(t, int32(2), v.buf.Refs())

	v.Release()
	assert.Equal(t, []byte("234"), sub.Bytes(), "sub-view keeps the buffer alive")
	sub.Release()
	assert.Equal(t, int32(0), sub.buf.Refs())
}

func TestViewAdvance(t *testing.T) {
	v := Wrap([]byte("abcdef"))
	defer v.Release()

	rest := v.Advance(4)
	assert.Equal(t, []byte("ef"), rest.Bytes())
	assert.Equal(t, 2, rest.Len())
	assert.Equal(t, 0, rest.Advance(2).Len())

	assert.Panics(t, func() { rest.Advance(3) })
	assert.Panics(t, func() { v.Sub(5, 2) })
}

func TestZeroView(t *testing.T) {
	var v View
	assert.False(t, v.Valid())
	assert.Nil(t, v.Bytes())
	assert.NotPanics(t, func() { v.Release() })
}
