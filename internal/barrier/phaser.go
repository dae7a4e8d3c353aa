// Package barrier provides a reusable rendezvous for coordinating shutdown
// across independent asynchronous parties.
package barrier

import (
	"context"
	"sync"
)

// Phaser is a reusable barrier with a dynamic number of parties. Parties
// Register before they start their work and Arrive (or ArriveAndDeregister)
// when it is finished; the phase advances once every registered party has
// arrived. A coordinator waits for the advance with AwaitAdvance.
//
// The usual shutdown pattern registers the coordinator itself first so the
// phase cannot advance while parties are still being added:
//
//	b := barrier.New()
//	b.Register()
//	for _, ch := range channels {
//		ch.Stop(b)
//	}
//	b.AwaitAdvance(b.ArriveAndDeregister())
type Phaser struct {
	mu        sync.Mutex
	phase     int
	parties   int
	unarrived int
	advanced  chan struct{}
}

// New returns a Phaser at phase 0 with no parties.
func New() *Phaser {
	return &Phaser{advanced: make(chan struct{})}
}

// Register adds a party to the current phase and returns the phase number.
func (p *Phaser) Register() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parties++
	p.unarrived++
	return p.phase
}

// Arrive records the arrival of one party without deregistering it and
// returns the phase it arrived at.
func (p *Phaser) Arrive() int {
	return p.arrive(false)
}

// ArriveAndDeregister records the arrival of one party and removes it from
// later phases.
func (p *Phaser) ArriveAndDeregister() int {
	return p.arrive(true)
}

func (p *Phaser) arrive(deregister bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unarrived == 0 {
		panic("barrier: arrival without a registered party")
	}
	phase := p.phase
	p.unarrived--
	if deregister {
		p.parties--
	}
	if p.unarrived == 0 {
		p.phase++
		p.unarrived = p.parties
		close(p.advanced)
		p.advanced = make(chan struct{})
	}
	return phase
}

// Phase returns the current phase number.
func (p *Phaser) Phase() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Parties returns the number of registered parties.
func (p *Phaser) Parties() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parties
}

// AwaitAdvance blocks until the phaser has moved past phase and returns the
// new phase. It returns immediately if the phaser is already past phase.
func (p *Phaser) AwaitAdvance(phase int) int {
	n, _ := p.AwaitAdvanceContext(context.Background(), phase)
	return n
}

// AwaitAdvanceContext is AwaitAdvance with cancellation.
func (p *Phaser) AwaitAdvanceContext(ctx context.Context, phase int) (int, error) {
	for {
		p.mu.Lock()
		if p.phase != phase {
			n := p.phase
			p.mu.Unlock()
			return n, nil
		}
		ch := p.advanced
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return phase, ctx.Err()
		}
	}
}
