// Package monitor publishes channel and station state over HTTP: a
// websocket feed of changes, a JSON snapshot and Prometheus metrics.
package monitor

import (
	"slices"
	"strings"
	"sync"

	"github.com/1ureka/walkie/internal/channel"
)

// StationView is the JSON form of a connected station.
type StationView struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Addr         string `json:"addr"`
	Outbound     bool   `json:"outbound"`
	Transmitting bool   `json:"transmitting"`
	RoundTrip    int    `json:"rtt_ms"`
	Relay        bool   `json:"relay"`
}

// ChannelView is the JSON form of one channel.
type ChannelView struct {
	Name        string        `json:"name"`
	State       string        `json:"state"`
	ServiceName string        `json:"service_name,omitempty"`
	Port        int           `json:"port,omitempty"`
	Error       string        `json:"error,omitempty"`
	Stations    []StationView `json:"stations"`
}

// Event is one message on the websocket feed. The first message on every
// connection is a "snapshot" carrying all channels; later messages carry
// the single channel that changed.
type Event struct {
	Type     string        `json:"type"` // "snapshot", "state" or "stations"
	Channels []ChannelView `json:"channels"`
}

const clientBuffer = 32

// Hub is a channel.Observer that keeps the latest view of every channel and
// fans changes out to subscribers.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*ChannelView
	subs     map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]*ChannelView),
		subs:     make(map[chan Event]struct{}),
	}
}

func (h *Hub) view(name string) *ChannelView {
	v := h.channels[name]
	if v == nil {
		v = &ChannelView{Name: name, State: channel.Idle.String(), Stations: []StationView{}}
		h.channels[name] = v
	}
	return v
}

func (h *Hub) StateChanged(ch *channel.Channel, st channel.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v := h.view(ch.Name())
	v.State = st.State.String()
	v.ServiceName = st.ServiceName
	v.Port = st.Port
	v.Error = ""
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	h.publish(Event{Type: "state", Channels: []ChannelView{copyView(v)}})
}

func (h *Hub) StationsChanged(ch *channel.Channel, stations []channel.Station) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v := h.view(ch.Name())
	v.Stations = make([]StationView, len(stations))
	for i, s := range stations {
		v.Stations[i] = StationView{
			ID:           s.ID,
			Name:         s.Name,
			Addr:         s.Addr,
			Outbound:     s.Outbound,
			Transmitting: s.Transmitting,
			RoundTrip:    s.RoundTrip,
			Relay:        s.Relay,
		}
	}
	h.publish(Event{Type: "stations", Channels: []ChannelView{copyView(v)}})
}

// Snapshot returns every channel sorted by name.
func (h *Hub) Snapshot() []ChannelView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot()
}

func (h *Hub) snapshot() []ChannelView {
	out := make([]ChannelView, 0, len(h.channels))
	for _, v := range h.channels {
		out = append(out, copyView(v))
	}
	slices.SortFunc(out, func(a, b ChannelView) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Subscribe returns a feed that starts with a snapshot. A subscriber that
// falls clientBuffer events behind is dropped and its feed closed.
func (h *Hub) Subscribe() <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := make(chan Event, clientBuffer)
	sub <- Event{Type: "snapshot", Channels: h.snapshot()}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe closes a feed returned by Subscribe.
func (h *Hub) Unsubscribe(feed <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub == feed {
			delete(h.subs, sub)
			close(sub)
		}
	}
}

// publish must be called with mu held. It never blocks the channel
// goroutine.
func (h *Hub) publish(ev Event) {
	for sub := range h.subs {
		select {
		case sub <- ev:
		default:
			delete(h.subs, sub)
			close(sub)
		}
	}
}

func copyView(v *ChannelView) ChannelView {
	out := *v
	out.Stations = slices.Clone(v.Stations)
	return out
}
