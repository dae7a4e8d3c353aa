package audio

import (
	"sync/atomic"

	"github.com/1ureka/walkie/internal/buffer"
	"github.com/1ureka/walkie/internal/util"
)

// maxPadBlocks bounds how long the player keeps a burst open with silence
// while waiting for more frames before it stops the device.
const maxPadBlocks = 30

// Player plays frames from one remote station. Any goroutine may call Play
// and EndBatch; a dedicated goroutine drains the queue into the sink.
type Player struct {
	format  Format
	sink    Sink
	queue   *Queue
	silence []byte
	log     util.Prefixed

	inBatch atomic.Bool
	onState func(playing bool)
	done    chan struct{}
}

// NewPlayer starts the playback goroutine for sink. onState, if set, is called
// from that goroutine when a burst starts and when the device stops.
func NewPlayer(name string, f Format, sink Sink, onState func(playing bool)) *Player {
	p := &Player{
		format:  f,
		sink:    sink,
		queue:   NewQueue(),
		silence: make([]byte, f.SilenceBytes()),
		log:     util.Prefixed("player " + name),
		onState: onState,
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Format returns the PCM format the player was built for.
func (p *Player) Format() Format { return p.format }

// Play queues one frame, opening a burst if none is open. It takes over the
// caller's reference to frame.
func (p *Player) Play(frame buffer.View) error {
	if p.inBatch.CompareAndSwap(false, true) {
		if err := p.queue.Enqueue(&Node{Cmd: CmdBatchStart}); err != nil {
			frame.Release()
			return err
		}
	}
	if err := p.queue.Enqueue(&Node{Cmd: CmdData, Frame: frame}); err != nil {
		frame.Release()
		return err
	}
	return nil
}

// EndBatch closes the current burst. It is a no-op outside a burst.
func (p *Player) EndBatch() error {
	if !p.inBatch.CompareAndSwap(true, false) {
		return nil
	}
	return p.queue.Enqueue(&Node{Cmd: CmdBatchEnd})
}

// StopAndWait queues the terminal Stop node and blocks until the playback
// goroutine has released the device.
func (p *Player) StopAndWait() {
	if err := p.queue.Enqueue(&Node{Cmd: CmdStop}); err != nil {
		p.log.Debug("stop: %v", err)
	}
	<-p.done
}

// Done is closed when the playback goroutine has exited.
func (p *Player) Done() <-chan struct{} { return p.done }

func (p *Player) run() {
	defer close(p.done)
	defer func() {
		if err := p.sink.Close(); err != nil {
			p.log.Warning("failed to close output: %v", err)
		}
	}()

	var n *Node
	for {
		if n == nil {
			n = p.queue.Acquire()
		}
		// a late end marker for a burst that already timed out
		for n != nil && n.Cmd == CmdBatchEnd {
			n = p.queue.Advance(n)
		}
		if n == nil {
			continue
		}
		if n.Cmd == CmdStop {
			return
		}

		p.setState(true)
		if err := p.sink.Start(); err != nil {
			p.log.Error("failed to start output: %v", err)
		}
		p.write(p.silence)

		var stopped bool
		n, stopped = p.playBatch(n)

		if err := p.sink.Stop(); err != nil {
			p.log.Warning("failed to stop output: %v", err)
		}
		p.setState(false)

		if stopped {
			return
		}
	}
}

// playBatch plays nodes from n until the burst ends (false) or a Stop node is
// reached (true). A burst ends at its end marker even when the next one is
// already queued; that node is returned so the device is stopped in between.
// When the queue drains mid-burst it pads with silence so the device keeps
// running across short gaps.
func (p *Player) playBatch(n *Node) (*Node, bool) {
	for {
		switch n.Cmd {
		case CmdStop:
			return nil, true
		case CmdData:
			p.write(n.Frame.Bytes())
			n.Frame.Release()
			n.Frame = buffer.View{}
		}

		ended := n.Cmd == CmdBatchEnd
		next := p.queue.Advance(n)
		if ended {
			return next, false
		}
		if next != nil {
			n = next
			continue
		}

		next = p.pad()
		if next == nil {
			return nil, false
		}
		n = next
	}
}

// pad writes silence blocks until a producer refills the queue, giving up
// after maxPadBlocks.
func (p *Player) pad() *Node {
	for i := 0; i < maxPadBlocks; i++ {
		p.write(p.silence)
		if n := p.queue.TryAcquire(); n != nil {
			return n
		}
	}
	p.log.Debug("burst ended without end marker")
	return nil
}

func (p *Player) write(b []byte) {
	if len(b) == 0 {
		return
	}
	if _, err := p.sink.Write(b); err != nil {
		p.log.Warning("failed to write output: %v", err)
	}
}

func (p *Player) setState(playing bool) {
	if p.onState != nil {
		p.onState(playing)
	}
}
