package util

import "sync"

// Mailbox is an unbounded FIFO of closures drained by a single goroutine.
// Post never blocks, so callbacks arriving from network and discovery
// goroutines can always hand their work to the owner without risking a
// deadlock against it.
type Mailbox struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
	closed bool
}

// NewMailbox creates an empty, open mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{signal: make(chan struct{}, 1)}
}

// Post appends fn. It returns false once the mailbox has been closed, in
// which case fn will never run.
func (m *Mailbox) Post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting new work. Closures already queued are dropped.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Run executes queued closures in order until the mailbox is closed. It must
// be called from exactly one goroutine.
func (m *Mailbox) Run() {
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return
		}

		for i, fn := range batch {
			fn()
			if m.isClosed() {
				clear(batch[i+1:])
				return
			}
		}

		if len(batch) == 0 {
			<-m.signal
		}
	}
}

func (m *Mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
