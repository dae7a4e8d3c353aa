package audio

import (
	"io"
	"math"
	"sync"
	"time"
)

// Sink is a playback device accepting blocking writes of PCM buffers.
// Start and Stop bracket one talk-burst; Close releases the device.
type Sink interface {
	Start() error
	Write(p []byte) (int, error)
	Stop() error
	Close() error
}

// Source is a capture device returning blocking reads of PCM buffers.
type Source interface {
	Start() error
	Read(p []byte) (int, error)
	Stop() error
	Close() error
}

// pacer sleeps so that a stream of n-byte operations proceeds at the real
// time rate of the format, like a hardware device would.
type pacer struct {
	format Format
	next   time.Time
}

func (p *pacer) reset() { p.next = time.Time{} }

func (p *pacer) wait(n int) {
	now := time.Now()
	if p.next.Before(now) {
		p.next = now
	}
	p.next = p.next.Add(p.format.Duration(n))
	if d := time.Until(p.next); d > 0 {
		time.Sleep(d)
	}
}

// NullSink discards audio at the real-time rate of its format.
type NullSink struct {
	pace pacer

	mu      sync.Mutex
	written int
}

// NewNullSink returns a sink that drops everything written to it.
func NewNullSink(f Format) *NullSink {
	return &NullSink{pace: pacer{format: f}}
}

func (s *NullSink) Start() error { s.pace.reset(); return nil }
func (s *NullSink) Stop() error  { return nil }
func (s *NullSink) Close() error { return nil }

func (s *NullSink) Write(p []byte) (int, error) {
	s.pace.wait(len(p))
	s.mu.Lock()
	s.written += len(p)
	s.mu.Unlock()
	return len(p), nil
}

// Written returns the total number of bytes accepted.
func (s *NullSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// ToneSource produces a sine tone, or silence when Hz is zero.
type ToneSource struct {
	Format Format
	Hz     float64
	Volume float64 // 0..1

	pace  pacer
	phase float64
}

// NewSilenceSource returns a source that captures digital silence.
func NewSilenceSource(f Format) *ToneSource {
	return &ToneSource{Format: f}
}

// NewToneSource returns a source that captures a continuous tone.
func NewToneSource(f Format, hz float64) *ToneSource {
	return &ToneSource{Format: f, Hz: hz, Volume: 0.3}
}

func (s *ToneSource) Start() error {
	s.pace = pacer{format: s.Format}
	return nil
}

func (s *ToneSource) Read(p []byte) (int, error) {
	n := len(p) &^ 1
	step := 2 * math.Pi * s.Hz / float64(s.Format.SampleRate)
	for i := 0; i < n; i += 2 {
		v := int16(0)
		if s.Hz > 0 {
			v = int16(math.Sin(s.phase) * s.Volume * math.MaxInt16)
			s.phase += step
		}
		p[i] = byte(v)
		p[i+1] = byte(uint16(v) >> 8)
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	s.pace.wait(n)
	return n, nil
}

func (s *ToneSource) Stop() error  { return nil }
func (s *ToneSource) Close() error { return nil }

// loopSource replays a PCM clip in a loop, as a microphone stand-in.
type loopSource struct {
	pcm  []byte
	off  int
	pace pacer
}

// NewLoopSource returns a source that keeps replaying pcm at real-time rate.
func NewLoopSource(f Format, pcm []byte) Source {
	return &loopSource{pcm: pcm, pace: pacer{format: f}}
}

func (s *loopSource) Start() error { s.pace.reset(); return nil }

func (s *loopSource) Read(p []byte) (int, error) {
	if len(s.pcm) == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		k := copy(p[n:], s.pcm[s.off:])
		n += k
		s.off = (s.off + k) % len(s.pcm)
	}
	s.pace.wait(n)
	return n, nil
}

func (s *loopSource) Stop() error  { return nil }
func (s *loopSource) Close() error { return nil }
