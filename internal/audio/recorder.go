package audio

import (
	"io"
	"sync"

	"github.com/1ureka/walkie/internal/buffer"
	"github.com/1ureka/walkie/internal/protocol"
	"github.com/1ureka/walkie/internal/util"
)

// Broadcaster fans a captured frame out to every live session. ptt forces
// the frame onto sessions that do not relay by default. The frame is only
// borrowed for the duration of the call.
type Broadcaster interface {
	Broadcast(frame buffer.View, ptt bool)
}

type recorderState int

const (
	recIdle recorderState = iota
	recStart
	recRun
	recStop
	recShutdown
)

// Recorder captures fixed-size blocks from a Source on its own goroutine and
// broadcasts each one as an encoded AudioFrame.
//
// A burst ends with the optional roger beep followed by an empty AudioFrame,
// which tells receivers to close their playback burst.
type Recorder struct {
	format Format
	source Source
	out    Broadcaster
	pool   *buffer.Pool
	beep   []buffer.View
	end    buffer.View

	mu    sync.Mutex
	cond  *sync.Cond
	state recorderState
	ptt   bool

	done chan struct{}
}

// NewRecorder starts the capture goroutine. beep may be nil.
func NewRecorder(f Format, source Source, out Broadcaster, beep []byte) *Recorder {
	frameBytes := f.CaptureFrameBytes()
	r := &Recorder{
		format: f,
		source: source,
		out:    out,
		pool:   buffer.NewPool(protocol.HeaderSize + frameBytes),
		beep:   encodeClip(beep, frameBytes),
		end:    encodeFrame(nil),
		done:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.run()
	return r
}

// StartRecording begins (or resumes) a burst. ptt selects whether frames are
// forced onto every session.
func (r *Recorder) StartRecording(ptt bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case recIdle:
		r.state = recStart
	case recStop:
		r.state = recRun
	case recShutdown:
		return
	}
	r.ptt = ptt
	r.cond.Broadcast()
}

// SetPTT changes the push-to-talk flag of the current burst.
func (r *Recorder) SetPTT(ptt bool) {
	r.mu.Lock()
	r.ptt = ptt
	r.mu.Unlock()
}

// StopRecording ends the current burst once the block being captured has
// been sent.
func (r *Recorder) StopRecording() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case recStart:
		r.state = recIdle
	case recRun:
		r.state = recStop
	}
}

// Recording reports whether a burst is in progress.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == recStart || r.state == recRun
}

// Shutdown stops capturing and waits for the capture goroutine to exit.
func (r *Recorder) Shutdown() {
	r.mu.Lock()
	r.state = recShutdown
	r.cond.Broadcast()
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	defer func() {
		for _, v := range r.beep {
			v.Release()
		}
		r.end.Release()
		if err := r.source.Close(); err != nil {
			util.LogWarning("failed to close audio input: %v", err)
		}
	}()

	for {
		r.mu.Lock()
		for r.state == recIdle {
			r.cond.Wait()
		}
		if r.state == recShutdown {
			r.mu.Unlock()
			return
		}
		r.state = recRun
		r.mu.Unlock()

		if !r.capture() {
			return
		}
	}
}

// capture runs one burst. It returns false when the recorder is shutting down.
func (r *Recorder) capture() bool {
	if err := r.source.Start(); err != nil {
		util.LogError("failed to start audio input: %v", err)
		r.finish(false)
		return true
	}
	defer func() {
		if err := r.source.Stop(); err != nil {
			util.LogWarning("failed to stop audio input: %v", err)
		}
	}()

	for {
		r.mu.Lock()
		state, ptt := r.state, r.ptt
		r.mu.Unlock()

		switch state {
		case recStop:
			return r.finish(true)
		case recShutdown:
			return r.finish(false)
		}

		// a block read before a stop request is still sent
		buf := r.pool.Get()
		n, err := io.ReadFull(r.source, buf.Bytes()[protocol.HeaderSize:])
		if err != nil && n == 0 {
			buf.Release()
			util.LogError("audio input failed: %v", err)
			return r.finish(false)
		}
		protocol.PutHeader(buf.Bytes(), protocol.HeaderSize+n, protocol.TypeAudioFrame)
		frame := buffer.NewView(buf, 0, protocol.HeaderSize+n)
		r.out.Broadcast(frame, ptt)
		frame.Release()
	}
}

// finish sends the end-of-burst sequence and moves back to idle unless a
// shutdown is pending.
func (r *Recorder) finish(beep bool) bool {
	if beep {
		for _, v := range r.beep {
			r.out.Broadcast(v, true)
		}
	}
	r.out.Broadcast(r.end, true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == recShutdown {
		return false
	}
	if r.state == recStop || r.state == recRun {
		r.state = recIdle
	}
	return true
}

// encodeFrame builds a standalone AudioFrame view over a copy of pcm.
func encodeFrame(pcm []byte) buffer.View {
	b := make([]byte, protocol.HeaderSize+len(pcm))
	protocol.PutHeader(b, len(b), protocol.TypeAudioFrame)
	copy(b[protocol.HeaderSize:], pcm)
	return buffer.Wrap(b)
}

// encodeClip splits pcm into AudioFrames of at most frameBytes each.
func encodeClip(pcm []byte, frameBytes int) []buffer.View {
	var out []buffer.View
	for len(pcm) > 0 {
		n := min(len(pcm), frameBytes)
		out = append(out, encodeFrame(pcm[:n]))
		pcm = pcm[n:]
	}
	return out
}
