package audio

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/walkie/internal/buffer"
	"github.com/1ureka/walkie/internal/protocol"
)

func TestParseFormat(t *testing.T) {
	testCases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"PCM:11025", 11025, false},
		{"PCM:8000", 8000, false},
		{"PCM:48000", 48000, false},
		{"PCM:7999", 0, true},
		{"PCM:96000", 0, true},
		{"PCM:", 0, true},
		{"OPUS:48000", 0, true},
		{"pcm:11025", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			f, err := ParseFormat(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.SampleRate)
			assert.Equal(t, tc.in, f.String())
		})
	}
}

func TestCaptureFrameBytes(t *testing.T) {
	assert.Equal(t, 4410, Format{SampleRate: 11025}.CaptureFrameBytes())
	assert.Equal(t, 3200, Format{SampleRate: 8000}.CaptureFrameBytes())
	assert.Equal(t, 0, Format{SampleRate: 11025}.CaptureFrameBytes()%2)
	assert.Equal(t, 200*time.Millisecond, Format{SampleRate: 8000}.Duration(3200))
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	nodes := []*Node{{Cmd: CmdBatchStart}, {Cmd: CmdData}, {Cmd: CmdBatchEnd}}

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			assert.NoError(t, q.Enqueue(n))
		}(n)
		wg.Wait()
	}

	var got []*Node
	for n := q.Acquire(); n != nil; n = q.Advance(n) {
		got = append(got, n)
	}
	assert.Equal(t, nodes, got)
	assert.Nil(t, q.TryAcquire(), "a drained queue has no permit")
}

func TestQueueConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 500
	q := NewQueue()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				v := buffer.Wrap([]byte{byte(p), byte(i >> 8), byte(i)})
				assert.NoError(t, q.Enqueue(&Node{Cmd: CmdData, Frame: v}))
			}
		}(p)
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	received := 0
	n := q.Acquire()
	for received < producers*perProducer {
		if n == nil {
			n = q.Acquire()
		}
		b := n.Frame.Bytes()
		p, seq := int(b[0]), int(b[1])<<8|int(b[2])
		assert.Greater(t, seq, last[p], "per-producer order must be preserved")
		last[p] = seq
		n.Frame.Release()
		received++
		n = q.Advance(n)
	}
	wg.Wait()
	assert.Nil(t, n)
}

func TestQueueRejectsAfterStop(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Enqueue(&Node{Cmd: CmdData}))
	require.NoError(t, q.Enqueue(&Node{Cmd: CmdStop}))
	assert.ErrorIs(t, q.Enqueue(&Node{Cmd: CmdData}), ErrQueueStopped)
	assert.ErrorIs(t, q.Enqueue(&Node{Cmd: CmdBatchStart}), ErrQueueStopped)
}

// recordingSink captures every write, taking a millisecond per write so
// silence padding spans a realistic gap.
type recordingSink struct {
	mu      sync.Mutex
	writes  [][]byte
	starts  int
	stops   int
	closed  bool
	started bool
}

func (s *recordingSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	s.started = true
	return nil
}

func (s *recordingSink) Write(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (s *recordingSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.started = false
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// audible returns the writes that are not silence padding.
func (s *recordingSink) audible() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, w := range s.writes {
		if !bytes.Equal(w, make([]byte, len(w))) {
			out = append(out, w)
		}
	}
	return out
}

func TestPlayerPlaysBurstInOrder(t *testing.T) {
	f := Format{SampleRate: 8000}
	sink := &recordingSink{}
	states := make(chan bool, 8)
	p := NewPlayer("test", f, sink, func(on bool) { states <- on })

	frames := []*buffer.Buffer{
		buffer.New([]byte{1, 1}),
		buffer.New([]byte{2, 2}),
		buffer.New([]byte{3, 3}),
	}
	for _, b := range frames {
		require.NoError(t, p.Play(buffer.NewView(b, 0, 2)))
	}
	require.NoError(t, p.EndBatch())

	assert.True(t, waitState(t, states))
	assert.False(t, waitState(t, states))

	p.StopAndWait()

	assert.Equal(t, [][]byte{{1, 1}, {2, 2}, {3, 3}}, sink.audible())
	assert.Equal(t, 1, sink.starts)
	assert.Equal(t, 1, sink.stops)
	assert.True(t, sink.closed)
	for _, b := range frames {
		assert.Equal(t, int32(0), b.Refs(), "played frames are released")
	}
}

func TestPlayerStopsWithinBurst(t *testing.T) {
	sink := &recordingSink{}
	p := NewPlayer("test", Format{SampleRate: 8000}, sink, nil)

	require.NoError(t, p.Play(buffer.Wrap([]byte{5, 5})))
	p.StopAndWait()

	assert.True(t, sink.closed)
	assert.False(t, sink.started, "device is stopped before release")

	b := buffer.New([]byte{6, 6})
	assert.ErrorIs(t, p.Play(buffer.NewView(b, 0, 2)), ErrQueueStopped)
	assert.Equal(t, int32(0), b.Refs(), "rejected frames are released")
}

func TestPlayerSeparateBursts(t *testing.T) {
	sink := &recordingSink{}
	states := make(chan bool, 8)
	p := NewPlayer("test", Format{SampleRate: 8000}, sink, func(on bool) { states <- on })

	require.NoError(t, p.Play(buffer.Wrap([]byte{1, 1})))
	require.NoError(t, p.EndBatch())
	assert.True(t, waitState(t, states))
	assert.False(t, waitState(t, states))

	require.NoError(t, p.Play(buffer.Wrap([]byte{2, 2})))
	require.NoError(t, p.EndBatch())
	assert.True(t, waitState(t, states))
	assert.False(t, waitState(t, states))

	assert.NoError(t, p.EndBatch(), "EndBatch outside a burst is a no-op")
	p.StopAndWait()
	assert.Equal(t, 2, sink.starts)
	assert.Equal(t, [][]byte{{1, 1}, {2, 2}}, sink.audible())
}

// heldSink blocks its first Start until open is closed.
type heldSink struct {
	*recordingSink
	open chan struct{}
}

func (s *heldSink) Start() error {
	<-s.open
	return s.recordingSink.Start()
}

func TestPlayerEndsBurstBeforeQueuedBurst(t *testing.T) {
	sink := &heldSink{recordingSink: &recordingSink{}, open: make(chan struct{})}
	states := make(chan bool, 8)
	p := NewPlayer("test", Format{SampleRate: 8000}, sink, func(on bool) { states <- on })

	// both bursts are queued while the device is still opening
	require.NoError(t, p.Play(buffer.Wrap([]byte{1, 1})))
	require.NoError(t, p.EndBatch())
	require.NoError(t, p.Play(buffer.Wrap([]byte{2, 2})))
	require.NoError(t, p.EndBatch())
	close(sink.open)

	for _, want := range []bool{true, false, true, false} {
		assert.Equal(t, want, waitState(t, states))
	}
	p.StopAndWait()

	assert.Equal(t, 2, sink.starts)
	assert.Equal(t, 2, sink.stops)
	assert.Equal(t, [][]byte{{1, 1}, {2, 2}}, sink.audible())
}

func waitState(t *testing.T, states <-chan bool) bool {
	t.Helper()
	select {
	case s := <-states:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for player state")
		return false
	}
}

// collector is a Broadcaster that keeps copies of everything sent.
type collector struct {
	mu     sync.Mutex
	frames [][]byte
	ptt    []bool
	ended  chan struct{}
	once   sync.Once
}

func (c *collector) Broadcast(frame buffer.View, ptt bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), frame.Bytes()...))
	c.ptt = append(c.ptt, ptt)
	if frame.Len() == protocol.HeaderSize {
		c.once.Do(func() { close(c.ended) })
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestRecorderBurst(t *testing.T) {
	f := Format{SampleRate: 8000}
	out := &collector{ended: make(chan struct{})}
	beep := bytes.Repeat([]byte{0x10, 0x00}, f.CaptureFrameBytes()) // two frames worth
	r := NewRecorder(f, NewToneSource(f, 440), out, beep)

	r.StartRecording(false)
	assert.True(t, r.Recording())
	require.Eventually(t, func() bool { return out.count() >= 1 }, 5*time.Second, 10*time.Millisecond)
	r.StopRecording()

	select {
	case <-out.ended:
	case <-time.After(5 * time.Second):
		t.Fatal("no end-of-burst frame")
	}
	r.Shutdown()

	out.mu.Lock()
	defer out.mu.Unlock()
	require.GreaterOrEqual(t, len(out.frames), 4)

	last := len(out.frames) - 1
	assert.Len(t, out.frames[last], protocol.HeaderSize, "burst ends with an empty AudioFrame")
	assert.True(t, out.ptt[last])
	assert.Equal(t, beep[:f.CaptureFrameBytes()], out.frames[last-2][protocol.HeaderSize:])
	assert.Equal(t, beep[f.CaptureFrameBytes():], out.frames[last-1][protocol.HeaderSize:])

	for i, fr := range out.frames[:last-2] {
		m, err := protocol.Decode(fr)
		require.NoError(t, err)
		assert.Len(t, m.(*protocol.AudioFrame).Payload, f.CaptureFrameBytes())
		assert.False(t, out.ptt[i], "captured frames carry the recording ptt flag")
	}
}

// gatedSource blocks every Read until release is closed.
type gatedSource struct {
	reads   chan struct{}
	release chan struct{}
}

func (g *gatedSource) Start() error { return nil }
func (g *gatedSource) Stop() error  { return nil }
func (g *gatedSource) Close() error { return nil }

func (g *gatedSource) Read(p []byte) (int, error) {
	g.reads <- struct{}{}
	<-g.release
	for i := range p {
		p[i] = 7
	}
	return len(p), nil
}

func TestRecorderSendsBlockCapturedDuringStop(t *testing.T) {
	f := Format{SampleRate: 8000}
	out := &collector{ended: make(chan struct{})}
	src := &gatedSource{reads: make(chan struct{}, 8), release: make(chan struct{})}
	r := NewRecorder(f, src, out, nil)
	defer r.Shutdown()

	r.StartRecording(true)
	<-src.reads
	r.StopRecording()
	close(src.release)

	select {
	case <-out.ended:
	case <-time.After(5 * time.Second):
		t.Fatal("no end-of-burst frame")
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.frames, 2)
	assert.Equal(t, bytes.Repeat([]byte{7}, f.CaptureFrameBytes()), out.frames[0][protocol.HeaderSize:])
	assert.True(t, out.ptt[0])
	assert.Len(t, out.frames[1], protocol.HeaderSize)
	assert.Len(t, src.reads, 0, "no read after the stop request")
}

func TestRecorderShutdownWhileIdle(t *testing.T) {
	f := Format{SampleRate: 8000}
	out := &collector{ended: make(chan struct{})}
	r := NewRecorder(f, NewSilenceSource(f), out, nil)

	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked")
	}
	assert.Equal(t, 0, out.count())
	assert.False(t, r.Recording())
}

func TestWAVRoundTrip(t *testing.T) {
	f := Format{SampleRate: 11025}
	pcm := []byte{1, 0, 2, 0, 3, 0, 0xff, 0x7f}
	data := append(EncodeWAVHeader(f, len(pcm)), pcm...)

	got, gotFormat, err := DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
	assert.Equal(t, f, gotFormat)

	_, _, err = DecodeWAV(data[:20])
	assert.Error(t, err)
}

func TestWAVSinkFinalizesHeader(t *testing.T) {
	f := Format{SampleRate: 48000}
	path := t.TempDir() + "/out.wav"
	s, err := CreateWAVSink(path, f)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	_, err = s.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Close())

	pcm, got, err := LoadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, f, got)
	assert.Equal(t, []byte{1, 2, 3, 4}, pcm)
}
