// Package transport carries framed messages over reliable, ordered byte
// streams (TCP). A Conn owns one socket: a read goroutine that splits the
// stream into frames and hands them to the current Listener, and a sender
// goroutine that serializes writes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/walkie/internal/buffer"
	"github.com/1ureka/walkie/internal/protocol"
	"github.com/1ureka/walkie/internal/util"
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("connection closed")

// readChunkSize is the size of each socket read. Frames that fit inside one
// chunk are handed out as views of it without copying.
const readChunkSize = 16 * 1024

var readPool = buffer.NewPool(readChunkSize)

// Listener receives the frames of a connection. Both methods are called from
// the connection's read goroutine, one at a time. The frame passed to OnFrame
// is only valid during the call; Retain it to keep it.
type Listener interface {
	OnFrame(frame buffer.View)
	OnClosed()
}

// Conn is a framed connection to one peer.
type Conn struct {
	nc  net.Conn
	id  uint32
	log util.Prefixed

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	started   atomic.Bool

	sender *sender

	mu       sync.Mutex
	listener Listener

	bytesRecv atomic.Int64
}

// NewConn wraps an established connection. Nothing is read until Start.
func NewConn(nc net.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		nc:     nc,
		id:     util.ConnID(nc),
		ctx:    ctx,
		cancel: cancel,
	}
	c.log = util.Prefixed(fmt.Sprintf("%08x %s", c.id, c.RemoteAddr()))
	c.sender = newSender(ctx, nc, c.log, func() { c.Close() })
	util.Stats.AddConn()
	return c
}

// ID returns the hash of the connection's address pair.
func (c *Conn) ID() uint32 { return c.id }

// RemoteAddr returns the peer address as a string.
func (c *Conn) RemoteAddr() string {
	if a := c.nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Log returns a logger prefixed with the connection identity.
func (c *Conn) Log() util.Prefixed { return c.log }

// Start installs l and starts the read goroutine. OnClosed is guaranteed to be
// called exactly once afterwards, even if the connection was closed before
// Start.
func (c *Conn) Start(l Listener) {
	if !c.started.CompareAndSwap(false, true) {
		panic("transport: Conn started twice")
	}
	c.SetListener(l)
	go c.readLoop()
}

// SetListener replaces the frame receiver. Called from inside OnFrame, the new
// listener gets every frame after the current one.
func (c *Conn) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *Conn) currentListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// BytesReceived returns the number of bytes read so far.
func (c *Conn) BytesReceived() int64 { return c.bytesRecv.Load() }

// Send encodes m and queues it for writing.
func (c *Conn) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.sender.send(c.ctx, outgoing{frame: buffer.Wrap(data)})
}

// SendFrame queues an already encoded frame. The connection takes its own
// reference; the caller keeps theirs.
func (c *Conn) SendFrame(frame buffer.View) error {
	return c.sender.send(c.ctx, outgoing{frame: frame.Retain()})
}

// SendAndClose queues m and closes the connection once it has been written.
func (c *Conn) SendAndClose(m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		c.log.Error("failed to encode %s: %v", m.Type(), err)
		c.Close()
		return
	}
	if err := c.sender.send(c.ctx, outgoing{frame: buffer.Wrap(data), closeAfter: true}); err != nil {
		c.Close()
	}
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.nc.Close()
		util.Stats.RemoveConn()
	})
	return err
}

// Done is closed when the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// readLoop reads chunks, splits them into frames and dispatches each one to
// the current listener. A malformed header closes the connection.
func (c *Conn) readLoop() {
	var d protocol.Deframer
	defer func() {
		d.Close()
		c.Close()
		if l := c.currentListener(); l != nil {
			l.OnClosed()
		}
	}()

	for {
		buf := readPool.Get()
		n, err := c.nc.Read(buf.Bytes())

		if n > 0 {
			c.bytesRecv.Add(int64(n))
			util.Stats.AddRecv(n)
			d.Feed(buffer.NewView(buf, 0, n))
			if !c.dispatch(&d) {
				return
			}
		} else {
			buf.Release()
		}

		if err != nil {
			select {
			case <-c.ctx.Done():
				// Already shutting down, no need to log.
			default:
				c.log.Debug("read ended: %v", err)
			}
			return
		}
	}
}

func (c *Conn) dispatch(d *protocol.Deframer) bool {
	for {
		frame, err := d.Next()
		if err != nil {
			c.log.Warning("protocol error: %v", err)
			return false
		}
		if !frame.Valid() {
			return true
		}
		if l := c.currentListener(); l != nil {
			l.OnFrame(frame)
		}
		frame.Release()
		if c.ctx.Err() != nil {
			return false
		}
	}
}
