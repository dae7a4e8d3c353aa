package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/1ureka/walkie/internal/util"
)

// Acceptor accepts inbound TCP connections and hands each one, not yet
// started, to a callback.
type Acceptor struct {
	ln       net.Listener
	onAccept func(*Conn)
	wg       sync.WaitGroup
}

// Listen starts accepting on addr. onAccepted runs on the accept goroutine
// and must not block.
func Listen(addr string, onAccepted func(*Conn)) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	a := &Acceptor{ln: ln, onAccept: onAccepted}
	a.wg.Add(1)
	go a.acceptLoop()
	return a, nil
}

// Addr returns the bound address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Port returns the bound TCP port.
func (a *Acceptor) Port() int {
	if tcp, ok := a.ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Close stops accepting and waits for the accept goroutine to exit, so no
// callback runs after Close returns.
func (a *Acceptor) Close() error {
	err := a.ln.Close()
	a.wg.Wait()
	return err
}

func (a *Acceptor) acceptLoop() {
	defer a.wg.Done()
	for {
		nc, err := a.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				util.LogError("accept failed on %s: %v", a.ln.Addr(), err)
			}
			return
		}
		if tcp, ok := nc.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		a.onAccept(NewConn(nc))
	}
}
