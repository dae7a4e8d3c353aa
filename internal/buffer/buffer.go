// Package buffer provides reference-counted byte buffers shared between the
// network read path, the send queues and the audio pipeline.
//
// A Buffer starts with one reference. Every holder that keeps it past the
// current call takes its own reference with Retain and gives it back with
// Release. The last Release returns pooled buffers to their Pool.
package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Buffer is a fixed-size byte slice with an explicit reference count.
type Buffer struct {
	data []byte
	refs atomic.Int32
	pool *Pool
}

// New wraps data in an unpooled Buffer holding one reference.
func New(data []byte) *Buffer {
	b := &Buffer{data: data}
	b.refs.Store(1)
	return b
}

// Bytes returns the whole backing slice.
func (b *Buffer) Bytes() []byte { return b.data }

// Retain takes one more reference and returns b.
func (b *Buffer) Retain() *Buffer {
	if b.refs.Add(1) <= 1 {
		panic("buffer: retain of released buffer")
	}
	return b
}

// Release drops one reference.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	switch {
	case n == 0:
		if b.pool != nil {
			b.pool.put(b)
		}
	case n < 0:
		panic(fmt.Sprintf("buffer: over-release (refs=%d)", n))
	}
}

// Refs reports the current reference count.
func (b *Buffer) Refs() int32 { return b.refs.Load() }

// Pool recycles buffers of a single size.
type Pool struct {
	size int
	p    sync.Pool
}

// NewPool creates a pool handing out buffers of size bytes.
func NewPool(size int) *Pool {
	pool := &Pool{size: size}
	pool.p.New = func() any {
		return &Buffer{data: make([]byte, size), pool: pool}
	}
	return pool
}

// Size returns the length of buffers produced by the pool.
func (p *Pool) Size() int { return p.size }

// Get returns a buffer holding one reference. Its content is unspecified.
func (p *Pool) Get() *Buffer {
	b := p.p.Get().(*Buffer)
	b.refs.Store(1)
	return b
}

func (p *Pool) put(b *Buffer) {
	p.p.Put(b)
}
