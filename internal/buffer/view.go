package buffer

// View is a window [off, off+n) onto a Buffer. Views are values; the
// reference they stand for belongs to whoever holds the view, so copying a
// View does not take a new reference.
type View struct {
	buf *Buffer
	off int
	n   int
}

// NewView returns a view over buf[off:off+n]. It takes over the caller's
// reference to buf.
func NewView(buf *Buffer, off, n int) View {
	if off < 0 || n < 0 || off+n > len(buf.data) {
		panic("buffer: view out of range")
	}
	return View{buf: buf, off: off, n: n}
}

// Wrap returns a view over data backed by a new unpooled buffer.
func Wrap(data []byte) View {
	return View{buf: New(data), n: len(data)}
}

// Valid reports whether v refers to a buffer.
func (v View) Valid() bool { return v.buf != nil }

// Len returns the number of bytes in the view.
func (v View) Len() int { return v.n }

// Bytes returns the viewed bytes. The slice is only valid while a reference
// is held.
func (v View) Bytes() []byte {
	if v.buf == nil {
		return nil
	}
	return v.buf.data[v.off : v.off+v.n]
}

// Retain takes another reference on the underlying buffer and returns a
// view that owns it.
func (v View) Retain() View {
	if v.buf != nil {
		v.buf.Retain()
	}
	return v
}

// Release drops the reference owned by v.
func (v View) Release() {
	if v.buf != nil {
		v.buf.Release()
	}
}

// Sub returns a retained view of v[off:off+n] sharing the same buffer.
func (v View) Sub(off, n int) View {
	if off < 0 || n < 0 || off+n > v.n {
		panic("buffer: sub-view out of range")
	}
	v.buf.Retain()
	return View{buf: v.buf, off: v.off + off, n: n}
}

// Advance returns v without its first k bytes. No reference changes hands.
func (v View) Advance(k int) View {
	if k < 0 || k > v.n {
		panic("buffer: advance out of range")
	}
	v.off += k
	v.n -= k
	return v
}
