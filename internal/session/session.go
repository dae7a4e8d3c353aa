package session

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/walkie/internal/audio"
	"github.com/1ureka/walkie/internal/buffer"
	"github.com/1ureka/walkie/internal/protocol"
	"github.com/1ureka/walkie/internal/transport"
	"github.com/1ureka/walkie/internal/util"
)

const (
	pingSlots = 8  // outstanding pings remembered for round-trip timing
	missLimit = 10 // silent keepalive ticks before the session is dropped

	// RoundTripThreshold is how far (ms) the round-trip estimate has to move
	// before the owner is told about it.
	RoundTripThreshold = 10
)

type pingSlot struct {
	id   int32
	sent time.Time
}

// ChannelSession is a live session with one remote station.
type ChannelSession struct {
	conn   *transport.Conn
	owner  Owner
	player *audio.Player
	cfg    *Config

	relay atomic.Bool

	mu       sync.Mutex
	closed   bool
	timer    *time.Timer
	lastRecv int64
	misses   int
	pingID   int32
	pings    [pingSlots]pingSlot
	rtt      int

	closeOnce sync.Once
}

func newChannelSession(conn *transport.Conn, owner Owner, player *audio.Player, cfg *Config) *ChannelSession {
	return &ChannelSession{conn: conn, owner: owner, player: player, cfg: cfg}
}

// start registers the session and arms the keepalive timer.
func (s *ChannelSession) start() {
	util.Stats.AddSession()
	if s.cfg.Registry != nil {
		s.cfg.Registry.Add(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.lastRecv = s.conn.BytesReceived()
	s.timer = time.AfterFunc(s.cfg.PingInterval, s.onTimer)
}

// Conn returns the underlying connection.
func (s *ChannelSession) Conn() *transport.Conn { return s.conn }

// SetRelay selects whether captured audio goes to this station while
// push-to-talk is off.
func (s *ChannelSession) SetRelay(on bool) { s.relay.Store(on) }

// Relay reports the per-session relay flag.
func (s *ChannelSession) Relay() bool { return s.relay.Load() }

// RoundTrip returns the last reported round-trip estimate in milliseconds.
func (s *ChannelSession) RoundTrip() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt
}

// SendAudioFrame forwards an encoded AudioFrame when ptt is on or the session
// relays by default.
func (s *ChannelSession) SendAudioFrame(frame buffer.View, ptt bool) {
	if !ptt && !s.relay.Load() {
		return
	}
	if err := s.conn.SendFrame(frame); err == nil {
		util.Stats.AddFrameSent()
	}
}

// SendStationName tells the remote station our new display name.
func (s *ChannelSession) SendStationName(name string) {
	if err := s.conn.Send(&protocol.StationName{Name: name}); err != nil {
		s.conn.Log().Debug("station name not sent: %v", err)
	}
}

// Close closes the connection; cleanup follows from OnClosed.
func (s *ChannelSession) Close() { s.conn.Close() }

func (s *ChannelSession) OnFrame(frame buffer.View) {
	n, t, err := protocol.ReadHeader(frame.Bytes())
	if err != nil {
		s.protocolError(err)
		return
	}

	if t == protocol.TypeAudioFrame {
		util.Stats.AddFrameRecv()
		if n == protocol.HeaderSize {
			err = s.player.EndBatch()
		} else {
			err = s.player.Play(frame.Sub(protocol.HeaderSize, n-protocol.HeaderSize))
		}
		if err != nil && !errors.Is(err, audio.ErrQueueStopped) {
			s.conn.Log().Warning("playback: %v", err)
		}
		return
	}

	m, err := protocol.Decode(frame.Bytes())
	if err != nil {
		s.protocolError(err)
		return
	}

	switch m := m.(type) {
	case *protocol.Ping:
		if err := s.conn.Send(&protocol.Pong{ID: m.ID}); err != nil {
			s.conn.Log().Debug("pong not sent: %v", err)
		}
	case *protocol.Pong:
		s.handlePong(m.ID)
	case *protocol.StationName:
		s.owner.StationNameChanged(s.conn, m.Name)
	default:
		s.conn.Log().Warning("unexpected %s in session", m.Type())
		s.conn.Close()
	}
}

func (s *ChannelSession) protocolError(err error) {
	s.conn.Log().Warning("protocol error: %v", err)
	s.conn.Close()
}

func (s *ChannelSession) OnClosed() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()

		if s.cfg.Registry != nil {
			s.cfg.Registry.Remove(s)
		}
		s.owner.ConnClosed(s.conn)
		s.player.StopAndWait()
		s.conn.Log().Info("session closed")
	})
}

func (s *ChannelSession) onTimer() {
	if !s.handlePingTimeout() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.timer.Reset(s.cfg.PingInterval)
	}
}

// handlePingTimeout runs one keepalive tick: count a miss if nothing arrived
// since the previous tick (closing after missLimit in a row), then send a
// fresh Ping. It returns false once the session is done.
func (s *ChannelSession) handlePingTimeout() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	recv := s.conn.BytesReceived()
	if recv == s.lastRecv {
		s.misses++
		if s.misses >= missLimit {
			s.mu.Unlock()
			s.conn.Log().Warning("no traffic for %d keepalive intervals, closing", missLimit)
			util.Stats.AddKeepaliveTimeout()
			s.conn.Close()
			return false
		}
	} else {
		s.misses = 0
		s.lastRecv = recv
	}

	s.pingID = (s.pingID + 1) & math.MaxInt32
	id := s.pingID
	s.pings[id%pingSlots] = pingSlot{id: id, sent: s.cfg.now()}
	s.mu.Unlock()

	if err := s.conn.Send(&protocol.Ping{ID: id}); err != nil {
		s.conn.Log().Debug("ping not sent: %v", err)
	}
	return true
}

// handlePong computes the round trip as half the ping's turnaround, in whole
// milliseconds truncated toward zero.
func (s *ChannelSession) handlePong(id int32) {
	s.mu.Lock()
	slot := &s.pings[uint32(id)%pingSlots]
	if slot.id != id || slot.sent.IsZero() {
		s.mu.Unlock()
		return
	}
	rtt := int(s.cfg.now().Sub(slot.sent).Milliseconds() / 2)
	*slot = pingSlot{}

	changed := abs(rtt-s.rtt) > RoundTripThreshold
	if changed {
		s.rtt = rtt
	}
	s.mu.Unlock()

	if changed {
		s.owner.RoundTripChanged(s.conn, rtt)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
