package protocol

import (
	"github.com/1ureka/walkie/internal/buffer"
)

// Deframer splits a byte stream into frames. Frames that lie entirely inside
// one fed chunk are returned as sub-views of that chunk without copying; a
// frame that straddles chunks is assembled into its own buffer.
//
// A Deframer is not safe for concurrent use.
type Deframer struct {
	chunk buffer.View // unconsumed tail of the last fed chunk (owned)

	head  [HeaderSize]byte // header bytes seen so far when it straddles chunks
	headN int

	part  *buffer.Buffer // frame being assembled
	partN int
}

// Feed hands the next chunk of the stream to the deframer, which takes over
// the caller's reference. All frames from the previous chunk must have been
// drained with Next first.
func (d *Deframer) Feed(v buffer.View) {
	if d.chunk.Len() > 0 {
		panic("protocol: Feed with undrained chunk")
	}
	d.chunk.Release()
	d.chunk = v
}

// Next returns the next complete frame, or an invalid View when more input is
// needed. The caller owns the returned view and must Release it. An invalid
// header is reported as an error; the stream cannot be resynchronized after it.
func (d *Deframer) Next() (buffer.View, error) {
	for {
		if d.part != nil {
			return d.fillPart(), nil
		}

		if d.headN > 0 || d.chunk.Len() < HeaderSize {
			if d.chunk.Len() == 0 {
				return buffer.View{}, nil
			}
			k := copy(d.head[d.headN:], d.chunk.Bytes())
			d.headN += k
			d.chunk = d.chunk.Advance(k)
			if d.headN < HeaderSize {
				return buffer.View{}, nil
			}
			n, _, err := ReadHeader(d.head[:])
			if err != nil {
				return buffer.View{}, err
			}
			d.startPart(n, d.head[:])
			d.headN = 0
			continue
		}

		n, _, err := ReadHeader(d.chunk.Bytes())
		if err != nil {
			return buffer.View{}, err
		}
		if d.chunk.Len() >= n {
			frame := d.chunk.Sub(0, n)
			d.chunk = d.chunk.Advance(n)
			return frame, nil
		}
		d.startPart(n, nil)
	}
}

func (d *Deframer) startPart(n int, prefix []byte) {
	d.part = buffer.New(make([]byte, n))
	d.partN = copy(d.part.Bytes(), prefix)
}

// fillPart moves as much of the current chunk as fits into the frame under
// assembly and returns the frame once it is complete.
func (d *Deframer) fillPart() buffer.View {
	k := copy(d.part.Bytes()[d.partN:], d.chunk.Bytes())
	d.partN += k
	d.chunk = d.chunk.Advance(k)
	if d.partN < len(d.part.Bytes()) {
		return buffer.View{}
	}
	frame := buffer.NewView(d.part, 0, d.partN)
	d.part = nil
	d.partN = 0
	return frame
}

// Close releases any retained chunk or partial frame.
func (d *Deframer) Close() {
	d.chunk.Release()
	d.chunk = buffer.View{}
	if d.part != nil {
		d.part.Release()
		d.part = nil
	}
	d.headN = 0
}
