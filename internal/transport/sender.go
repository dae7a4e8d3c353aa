package transport

import (
	"context"
	"net"

	"github.com/1ureka/walkie/internal/buffer"
	"github.com/1ureka/walkie/internal/util"
)

const sendBufferSize = 64 // outgoing frame channel capacity

// outgoing is one encoded frame; closeAfter asks the sender to close the
// connection once the frame is on the wire.
type outgoing struct {
	frame      buffer.View
	closeAfter bool
}

// sender is a goroutine-based frame writer that serializes all writes to a
// single connection.
type sender struct {
	inbox chan outgoing
}

// newSender creates a sender and starts the background loop. The loop exits
// when ctx is cancelled or a write fails; onFail is then invoked for write
// errors and close requests.
func newSender(ctx context.Context, nc net.Conn, log util.Prefixed, onFail func()) *sender {
	s := &sender{inbox: make(chan outgoing, sendBufferSize)}
	go s.loop(ctx, nc, log, onFail)
	return s
}

// loop is the single-writer goroutine.
func (s *sender) loop(ctx context.Context, nc net.Conn, log util.Prefixed, onFail func()) {
	defer s.drain()

	for {
		select {
		case out := <-s.inbox:
			n, err := nc.Write(out.frame.Bytes())
			out.frame.Release()
			util.Stats.AddSent(n)

			if err != nil {
				select {
				case <-ctx.Done():
					// Already shutting down, no need to log.
				default:
					log.Warning("write failed: %v", err)
				}
				onFail()
				return
			}

			if out.closeAfter {
				onFail()
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// drain releases frames still queued after the loop exits.
func (s *sender) drain() {
	for {
		select {
		case out := <-s.inbox:
			out.frame.Release()
		default:
			return
		}
	}
}

// send enqueues a frame, taking over the caller's reference. It blocks while
// the inbox is full and gives the frame back (released) when ctx is done.
func (s *sender) send(ctx context.Context, out outgoing) error {
	if ctx.Err() != nil {
		out.frame.Release()
		return ErrClosed
	}
	select {
	case s.inbox <- out:
		return nil
	case <-ctx.Done():
		out.frame.Release()
		return ErrClosed
	}
}
