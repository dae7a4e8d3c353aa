package transport

import (
	"context"
	"net"
	"time"
)

// DefaultDialTimeout bounds a connection attempt.
const DefaultDialTimeout = 5 * time.Second

// Dialer opens outbound connections asynchronously.
type Dialer interface {
	Dial(addr string, onConnected func(*Conn), onFailed func(error)) *Attempt
}

// TCPDialer opens outbound connections asynchronously.
type TCPDialer struct {
	Timeout time.Duration
}

// Attempt is an outbound connection in progress.
type Attempt struct {
	addr   string
	cancel context.CancelFunc
}

// NewAttempt wraps a connection attempt made by another Dialer
// implementation; cancel may be nil.
func NewAttempt(addr string, cancel func()) *Attempt {
	if cancel == nil {
		cancel = func() {}
	}
	return &Attempt{addr: addr, cancel: cancel}
}

// Addr returns the address being dialed.
func (a *Attempt) Addr() string { return a.addr }

// Cancel aborts the attempt. The failure callback still runs unless the
// connection had already been established.
func (a *Attempt) Cancel() { a.cancel() }

// Dial connects to addr in the background. Exactly one of onConnected or
// onFailed is called, from another goroutine. The Conn given to onConnected
// is not yet started.
func (d TCPDialer) Dial(addr string, onConnected func(*Conn), onFailed func(error)) *Attempt {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	a := &Attempt{addr: addr, cancel: cancel}

	go func() {
		defer cancel()
		var dialer net.Dialer
		nc, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			onFailed(err)
			return
		}
		if tcp, ok := nc.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		onConnected(NewConn(nc))
	}()
	return a
}
