package audio

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/1ureka/walkie/internal/buffer"
)

// ErrQueueStopped is returned by Enqueue once a Stop node is the queue tail.
var ErrQueueStopped = errors.New("audio queue stopped")

// Command tags a queue node.
type Command uint8

const (
	CmdData Command = iota
	CmdBatchStart
	CmdBatchEnd
	CmdStop
)

func (c Command) String() string {
	switch c {
	case CmdData:
		return "Data"
	case CmdBatchStart:
		return "BatchStart"
	case CmdBatchEnd:
		return "BatchEnd"
	case CmdStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// Node is one queue element. A producer owns it until Enqueue links it;
// after that only the consumer touches it.
type Node struct {
	next  atomic.Pointer[Node]
	Cmd   Command
	Frame buffer.View // only for CmdData; the consumer releases it
}

// Queue is an unbounded multi-producer single-consumer linked queue built on
// an atomically swapped tail pointer. The consumer owns the head.
//
// A nil tail means the queue is drained. The producer that moves the tail
// away from nil publishes the new head and hands the consumer a permit; the
// consumer gives the tail back to nil when it runs out of nodes. Only one
// permit can be outstanding at a time.
type Queue struct {
	tail   atomic.Pointer[Node]
	head   *Node
	permit chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{permit: make(chan struct{}, 1)}
}

// Enqueue links n at the tail. It fails with ErrQueueStopped when the tail is
// a Stop node.
func (q *Queue) Enqueue(n *Node) error {
	n.next.Store(nil)
	for {
		prev := q.tail.Load()
		if prev != nil && prev.Cmd == CmdStop {
			return ErrQueueStopped
		}
		if !q.tail.CompareAndSwap(prev, n) {
			continue
		}
		if prev == nil {
			q.head = n
			q.permit <- struct{}{}
		} else {
			prev.next.Store(n)
		}
		return nil
	}
}

// Acquire blocks until the queue has become non-empty and returns its head.
func (q *Queue) Acquire() *Node {
	<-q.permit
	return q.head
}

// TryAcquire returns the new head if a producer refilled the drained queue,
// or nil.
func (q *Queue) TryAcquire() *Node {
	select {
	case <-q.permit:
		return q.head
	default:
		return nil
	}
}

// Advance moves past n, which must be the current head. It returns the next
// node, or nil when the queue was drained (the consumer must Acquire again).
// If a producer is halfway through linking a node behind n, Advance spins
// until the link becomes visible.
func (q *Queue) Advance(n *Node) *Node {
	next := n.next.Load()
	if next == nil {
		if q.tail.CompareAndSwap(n, nil) {
			return nil
		}
		for next == nil {
			runtime.Gosched()
			next = n.next.Load()
		}
	}
	n.next.Store(nil)
	return next
}
