package session

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/1ureka/walkie/internal/buffer"
)

// Registry is the set of live sessions across all channels. Membership
// changes copy the slice; Broadcast reads the current snapshot without
// locking.
type Registry struct {
	mu       sync.Mutex
	sessions atomic.Pointer[[]*ChannelSession]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) snapshot() []*ChannelSession {
	if p := r.sessions.Load(); p != nil {
		return *p
	}
	return nil
}

// Add inserts s.
func (r *Registry) Add(s *ChannelSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snapshot()
	next := make([]*ChannelSession, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, s)
	r.sessions.Store(&next)
}

// Remove deletes s if present.
func (r *Registry) Remove(s *ChannelSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snapshot()
	i := slices.Index(cur, s)
	if i < 0 {
		return
	}
	next := slices.Concat(cur[:i], cur[i+1:])
	r.sessions.Store(&next)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int { return len(r.snapshot()) }

// Sessions returns the current members.
func (r *Registry) Sessions() []*ChannelSession {
	return slices.Clone(r.snapshot())
}

// Broadcast offers frame to every session; each one applies its own relay
// gate.
func (r *Registry) Broadcast(frame buffer.View, ptt bool) {
	for _, s := range r.snapshot() {
		s.SendAudioFrame(frame, ptt)
	}
}
