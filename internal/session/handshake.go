// Package session turns raw connections into live audio sessions: the
// one-shot handshake on both sides, the steady-state ChannelSession and the
// registry used to fan captured audio out to every session.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/walkie/internal/audio"
	"github.com/1ureka/walkie/internal/buffer"
	"github.com/1ureka/walkie/internal/protocol"
	"github.com/1ureka/walkie/internal/transport"
	"github.com/1ureka/walkie/internal/util"
)

// Owner is told about the lifecycle of connections it handed to a handshake.
// Methods are called from connection goroutines and must not block.
type Owner interface {
	SessionEstablished(conn *transport.Conn, s *ChannelSession, stationName string)
	ConnClosed(conn *transport.Conn)
	StationNameChanged(conn *transport.Conn, name string)
	RoundTripChanged(conn *transport.Conn, ms int)
	TransmitStateChanged(conn *transport.Conn, transmitting bool)
}

// SinkFactory opens a playback device for one remote station.
type SinkFactory func(f audio.Format, peer string) (audio.Sink, error)

// Config is shared by every handshake and session of a channel.
type Config struct {
	Format           audio.Format // local format announced to peers
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	NewSink          SinkFactory
	Registry         *Registry
	Now              func() time.Time
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// handshake is the state shared by both roles until promotion.
type handshake struct {
	conn    *transport.Conn
	owner   Owner
	cfg     *Config
	station string
	timer   *time.Timer

	mu       sync.Mutex
	finished bool
}

func (h *handshake) armTimeout() {
	h.timer = time.AfterFunc(h.cfg.HandshakeTimeout, func() {
		h.conn.Log().Warning("handshake timed out")
		h.conn.Close()
	})
}

// finish marks the handshake complete; only the first caller gets true.
func (h *handshake) finish() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return false
	}
	h.finished = true
	h.timer.Stop()
	return true
}

func (h *handshake) fail(format string, args ...interface{}) {
	h.conn.Log().Warning(format, args...)
	h.conn.Close()
}

func (h *handshake) OnClosed() {
	h.finish()
	util.Stats.AddHandshakeFailure()
	h.owner.ConnClosed(h.conn)
}

// newPlayer builds the player for the remote station's format.
func (h *handshake) newPlayer(f audio.Format) (*audio.Player, error) {
	sink, err := h.cfg.NewSink(f, h.conn.RemoteAddr())
	if err != nil {
		return nil, err
	}
	conn, owner := h.conn, h.owner
	return audio.NewPlayer(conn.RemoteAddr(), f, sink, func(on bool) {
		owner.TransmitStateChanged(conn, on)
	}), nil
}

// promote installs the live session in place of the handshake.
func (h *handshake) promote(player *audio.Player, stationName string) {
	s := newChannelSession(h.conn, h.owner, player, h.cfg)
	h.conn.SetListener(s)
	h.owner.SessionEstablished(h.conn, s, stationName)
	s.start()
	h.conn.Log().Info("session established with %q (%s)", stationName, player.Format())
}

// initiator drives the connecting side: send the request, await the reply.
type initiator struct {
	handshake
}

// StartInitiator sends HandshakeRequest on a freshly connected conn and waits
// for the reply. On HandshakeReplyOk the connection is promoted to a
// ChannelSession; anything else closes it.
func StartInitiator(conn *transport.Conn, owner Owner, station string, cfg *Config) {
	h := &initiator{handshake{conn: conn, owner: owner, cfg: cfg, station: station}}
	h.armTimeout()
	conn.Start(h)

	err := conn.Send(&protocol.HandshakeRequest{
		Version:     protocol.Version,
		AudioFormat: cfg.Format.String(),
		StationName: station,
	})
	if err != nil {
		h.fail("failed to send handshake request: %v", err)
	}
}

func (h *initiator) OnFrame(frame buffer.View) {
	m, err := protocol.Decode(frame.Bytes())
	if err != nil {
		h.fail("malformed handshake reply: %v", err)
		return
	}

	switch m := m.(type) {
	case *protocol.HandshakeReplyOk:
		if !h.finish() {
			return
		}
		f, err := audio.ParseFormat(m.AudioFormat)
		if err != nil {
			h.fail("peer audio format: %v", err)
			return
		}
		player, err := h.newPlayer(f)
		if err != nil {
			h.fail("failed to open audio output: %v", err)
			return
		}
		h.promote(player, m.StationName)

	case *protocol.HandshakeReplyFail:
		h.fail("handshake rejected: %s", m.Reason)

	default:
		h.fail("unexpected %s during handshake", m.Type())
	}
}

// responder drives the accepting side: await the request, reply, promote.
type responder struct {
	handshake
}

// StartResponder waits for a HandshakeRequest on an accepted conn.
func StartResponder(conn *transport.Conn, owner Owner, station string, cfg *Config) {
	h := &responder{handshake{conn: conn, owner: owner, cfg: cfg, station: station}}
	h.armTimeout()
	conn.Start(h)
}

func (h *responder) OnFrame(frame buffer.View) {
	m, err := protocol.Decode(frame.Bytes())
	if err != nil {
		h.fail("malformed handshake request: %v", err)
		return
	}
	req, ok := m.(*protocol.HandshakeRequest)
	if !ok {
		h.fail("unexpected %s during handshake", m.Type())
		return
	}
	if !h.finish() {
		return
	}

	if req.Version != protocol.Version {
		h.reject(fmt.Sprintf("protocol version mismatch: %d-%d", protocol.Version, req.Version))
		return
	}
	f, err := audio.ParseFormat(req.AudioFormat)
	if err != nil {
		h.reject(err.Error())
		return
	}
	player, err := h.newPlayer(f)
	if err != nil {
		h.reject(fmt.Sprintf("audio output unavailable: %v", err))
		return
	}

	// The reply must be queued before the session can send anything.
	err = h.conn.Send(&protocol.HandshakeReplyOk{
		AudioFormat: h.cfg.Format.String(),
		StationName: h.station,
	})
	if err != nil {
		player.StopAndWait()
		h.fail("failed to send handshake reply: %v", err)
		return
	}
	h.promote(player, req.StationName)
}

func (h *responder) reject(reason string) {
	h.conn.Log().Warning("rejecting handshake: %s", reason)
	h.conn.SendAndClose(&protocol.HandshakeReplyFail{Reason: reason})
}
