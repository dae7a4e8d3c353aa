// Package channel runs one named talk channel: it announces the channel on
// the local network, connects to the stations it discovers, accepts their
// connections and coordinates an orderly shutdown.
//
// All channel state lives on a single goroutine. Discovery, transport and
// session callbacks post closures into its mailbox, so no locks guard the
// peer and session tables.
package channel

import (
	"errors"
	"fmt"
	"slices"

	"github.com/1ureka/walkie/internal/barrier"
	"github.com/1ureka/walkie/internal/discovery"
	"github.com/1ureka/walkie/internal/session"
	"github.com/1ureka/walkie/internal/transport"
	"github.com/1ureka/walkie/internal/util"
)

// ErrStopped is returned by calls made after the channel has stopped.
var ErrStopped = errors.New("channel stopped")

// State is the lifecycle stage of a channel.
type State int

const (
	Idle       State = iota
	Announcing       // listening, registration requested
	Active           // registered under its resolved service name
	Stopping
	Stopped
)

var stateNames = [...]string{"idle", "announcing", "active", "stopping", "stopped"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Station is a remote station with an established session.
type Station struct {
	ID           int
	Name         string
	Addr         string
	Service      string // remote service name; empty for inbound sessions
	Outbound     bool
	Transmitting bool
	RoundTrip    int
	Relay        bool
}

// Status is a snapshot of a channel's lifecycle.
type Status struct {
	State       State
	ServiceName string // empty until registered
	Port        int
	Err         error // registration failure
}

// Observer follows a channel. Methods run on the channel goroutine and must
// not call back into the channel's blocking queries.
type Observer interface {
	StateChanged(ch *Channel, status Status)
	StationsChanged(ch *Channel, stations []Station)
}

// Observers notifies each observer in turn.
type Observers []Observer

func (obs Observers) StateChanged(ch *Channel, status Status) {
	for _, o := range obs {
		o.StateChanged(ch, status)
	}
}

func (obs Observers) StationsChanged(ch *Channel, stations []Station) {
	for _, o := range obs {
		o.StationsChanged(ch, stations)
	}
}

// Config configures a Channel.
type Config struct {
	Name        string // shown to the user
	ServiceName string // requested discovery name
	ListenAddr  string
	Station     string // local station name sent in handshakes
	Session     *session.Config
	Discovery   discovery.Discovery
	Dialer      transport.Dialer
	Observer    Observer
}

// peer is a discovered service this channel may connect to.
type peer struct {
	name      string
	desc      *discovery.Descriptor // nil once lost
	updates   int                   // descriptors received since the last resolve was issued
	resolving bool
	dial      *transport.Attempt
	link      *link
}

func (p *peer) busy() bool { return p.resolving || p.dial != nil || p.link != nil }

// link is one connection in handshake or session state.
type link struct {
	conn        *transport.Conn
	peer        *peer // nil for inbound connections
	session     *session.ChannelSession
	station     Station
	established bool
}

// Channel is one talk channel.
type Channel struct {
	cfg  Config
	log  util.Prefixed
	box  *util.Mailbox
	done chan struct{}

	// owned by the mailbox goroutine
	state       State
	err         error
	serviceName string
	station     string
	port        int
	acceptor    *transport.Acceptor
	reg         discovery.Registration
	regOpen     bool // Register issued and OnUnregistered not yet seen
	peers       map[string]*peer
	links       map[*transport.Conn]*link
	barriers    []*barrier.Phaser
	nextID      int
}

// New creates an idle channel and starts its goroutine.
func New(cfg Config) *Channel {
	if cfg.Dialer == nil {
		cfg.Dialer = transport.TCPDialer{}
	}
	c := &Channel{
		cfg:     cfg,
		log:     util.Prefixed(cfg.Name),
		box:     util.NewMailbox(),
		done:    make(chan struct{}),
		station: cfg.Station,
		peers:   make(map[string]*peer),
		links:   make(map[*transport.Conn]*link),
	}
	go func() {
		c.box.Run()
		close(c.done)
	}()
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.cfg.Name }

// Done is closed once the channel has stopped.
func (c *Channel) Done() <-chan struct{} { return c.done }

// post runs fn on the channel goroutine.
func (c *Channel) post(fn func()) bool { return c.box.Post(fn) }

// query runs fn on the channel goroutine and waits for it. It returns false
// if the channel stopped first.
func (c *Channel) query(fn func()) bool {
	ran := make(chan struct{})
	if !c.post(func() { fn(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-c.done:
		return false
	}
}

// Start listens for connections and registers the channel with discovery.
func (c *Channel) Start() error {
	err := ErrStopped
	c.query(func() { err = c.start() })
	return err
}

func (c *Channel) start() error {
	if c.state != Idle {
		return fmt.Errorf("channel is %s", c.state)
	}
	acceptor, err := transport.Listen(c.cfg.ListenAddr, c.onAccepted)
	if err != nil {
		return err
	}
	c.acceptor = acceptor
	c.port = acceptor.Port()
	c.log.Info("listening on port %d", c.port)

	c.setState(Announcing)
	c.regOpen = true
	c.reg = c.cfg.Discovery.Register(c.cfg.ServiceName, c.port, registrationListener{c})
	return nil
}

func (c *Channel) setState(s State) {
	c.state = s
	c.log.Debug("state %s", s)
	c.notifyState()
}

func (c *Channel) status() Status {
	return Status{State: c.state, ServiceName: c.serviceName, Port: c.port, Err: c.err}
}

func (c *Channel) notifyState() {
	if c.cfg.Observer != nil {
		c.cfg.Observer.StateChanged(c, c.status())
	}
}

// initiates reports whether this side opens the connection to name. Exactly
// one side of every pair initiates: the one with the greater service name.
func (c *Channel) initiates(name string) bool {
	return c.serviceName != "" && name < c.serviceName
}

type registrationListener struct{ c *Channel }

func (r registrationListener) OnRegistered(name string) {
	r.c.post(func() { r.c.onRegistered(name) })
}

func (r registrationListener) OnRegisterFailed(err error) {
	r.c.post(func() { r.c.onRegisterFailed(err) })
}

func (r registrationListener) OnUnregistered() {
	r.c.post(r.c.onUnregistered)
}

func (c *Channel) onRegistered(name string) {
	if c.state != Announcing {
		return
	}
	c.serviceName = name
	c.log.Info("registered as %q", name)
	if p := c.peers[name]; p != nil && !p.busy() {
		delete(c.peers, name)
	}

	c.setState(Active)
	for _, name := range c.peerNames() {
		c.maybeResolve(c.peers[name])
	}
	c.notifyStations()
}

func (c *Channel) onRegisterFailed(err error) {
	c.err = err
	c.log.Error("registration failed: %v", err)
	if c.state == Announcing {
		c.notifyState()
	}
}

func (c *Channel) onUnregistered() {
	c.regOpen = false
	c.reg = nil
	c.log.Debug("unregistered")
	c.checkDrain()
}

func (c *Channel) peerNames() []string {
	names := make([]string, 0, len(c.peers))
	for name := range c.peers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OnPeerDiscovered records a service found by discovery.
func (c *Channel) OnPeerDiscovered(name string, d discovery.Descriptor) {
	c.post(func() { c.peerDiscovered(name, d) })
}

// OnPeerLost records that a service disappeared.
func (c *Channel) OnPeerLost(name string) {
	c.post(func() { c.peerLost(name) })
}

func (c *Channel) peerDiscovered(name string, d discovery.Descriptor) {
	if c.state >= Stopping || name == c.serviceName {
		return
	}
	p := c.peers[name]
	if p == nil {
		p = &peer{name: name}
		c.peers[name] = p
	}
	p.desc = &d
	p.updates++
	c.maybeResolve(p)
}

func (c *Channel) peerLost(name string) {
	p := c.peers[name]
	if p == nil {
		return
	}
	if p.busy() {
		p.desc = nil
		return
	}
	delete(c.peers, name)
}

// maybeResolve starts resolving p if this side initiates toward it and
// nothing is in flight for it yet.
func (c *Channel) maybeResolve(p *peer) {
	if c.state != Active || p.desc == nil || !c.initiates(p.name) || p.busy() {
		return
	}
	p.updates = 0
	p.resolving = true
	c.log.Debug("resolving %q", p.name)
	c.cfg.Discovery.Resolve(*p.desc,
		func(addr string) { c.post(func() { c.onResolved(p, addr) }) },
		func(err error) { c.post(func() { c.onResolveFailed(p, err) }) })
}

// release drops p once nothing references it and it is no longer wanted.
func (c *Channel) release(p *peer) {
	if p.busy() || c.peers[p.name] != p {
		return
	}
	if p.desc == nil || c.state >= Stopping {
		delete(c.peers, p.name)
	}
}

// retryOrDrop re-resolves p if a fresher descriptor arrived, otherwise
// forgets it until it is discovered again.
func (c *Channel) retryOrDrop(p *peer) {
	if p.desc != nil && p.updates > 0 {
		c.maybeResolve(p)
		return
	}
	if !p.busy() && c.peers[p.name] == p {
		delete(c.peers, p.name)
	}
}

func (c *Channel) onResolved(p *peer, addr string) {
	p.resolving = false
	if c.state != Active {
		c.release(p)
		c.checkDrain()
		return
	}
	if p.desc == nil {
		c.release(p)
		return
	}
	if p.updates > 0 {
		c.log.Debug("%q changed while resolving, resolving again", p.name)
		c.maybeResolve(p)
		return
	}

	c.log.Debug("connecting to %q at %s", p.name, addr)
	p.dial = c.cfg.Dialer.Dial(addr,
		func(conn *transport.Conn) {
			if !c.post(func() { c.onConnected(p, conn) }) {
				conn.Close()
			}
		},
		func(err error) { c.post(func() { c.onConnectFailed(p, err) }) })
}

func (c *Channel) onResolveFailed(p *peer, err error) {
	p.resolving = false
	c.log.Warning("failed to resolve %q: %v", p.name, err)
	if c.state != Active {
		c.release(p)
		c.checkDrain()
		return
	}
	c.retryOrDrop(p)
}

func (c *Channel) onConnected(p *peer, conn *transport.Conn) {
	p.dial = nil
	if c.state != Active || p.desc == nil {
		conn.Close()
		c.release(p)
		c.checkDrain()
		return
	}

	l := c.newLink(conn, p)
	p.link = l
	session.StartInitiator(conn, sessionOwner{c}, c.station, c.cfg.Session)
}

func (c *Channel) onConnectFailed(p *peer, err error) {
	p.dial = nil
	c.log.Warning("failed to connect to %q: %v", p.name, err)
	if c.state != Active {
		c.release(p)
		c.checkDrain()
		return
	}
	c.retryOrDrop(p)
}

// onAccepted runs on the acceptor goroutine.
func (c *Channel) onAccepted(conn *transport.Conn) {
	if !c.post(func() { c.accepted(conn) }) {
		conn.Close()
	}
}

func (c *Channel) accepted(conn *transport.Conn) {
	if c.state >= Stopping {
		conn.Close()
		return
	}
	conn.Log().Info("accepted")
	c.newLink(conn, nil)
	session.StartResponder(conn, sessionOwner{c}, c.station, c.cfg.Session)
}

func (c *Channel) newLink(conn *transport.Conn, p *peer) *link {
	c.nextID++
	l := &link{
		conn: conn,
		peer: p,
		station: Station{
			ID:       c.nextID,
			Addr:     conn.RemoteAddr(),
			Outbound: p != nil,
		},
	}
	if p != nil {
		l.station.Service = p.name
	}
	c.links[conn] = l
	return l
}

// sessionOwner receives session callbacks on connection goroutines.
type sessionOwner struct{ c *Channel }

func (o sessionOwner) SessionEstablished(conn *transport.Conn, s *session.ChannelSession, stationName string) {
	if !o.c.post(func() { o.c.sessionEstablished(conn, s, stationName) }) {
		s.Close()
	}
}

func (o sessionOwner) ConnClosed(conn *transport.Conn) {
	o.c.post(func() { o.c.connClosed(conn) })
}

func (o sessionOwner) StationNameChanged(conn *transport.Conn, name string) {
	o.c.post(func() {
		o.c.updateStation(conn, func(st *Station) { st.Name = name })
	})
}

func (o sessionOwner) RoundTripChanged(conn *transport.Conn, ms int) {
	o.c.post(func() {
		o.c.updateStation(conn, func(st *Station) { st.RoundTrip = ms })
	})
}

func (o sessionOwner) TransmitStateChanged(conn *transport.Conn, transmitting bool) {
	o.c.post(func() {
		o.c.updateStation(conn, func(st *Station) { st.Transmitting = transmitting })
	})
}

func (c *Channel) sessionEstablished(conn *transport.Conn, s *session.ChannelSession, stationName string) {
	l := c.links[conn]
	if l == nil {
		s.Close()
		return
	}
	l.session = s
	l.station.Name = stationName
	l.established = true
	if c.state >= Stopping {
		s.Close()
		return
	}
	c.notifyStations()
}

func (c *Channel) connClosed(conn *transport.Conn) {
	l := c.links[conn]
	if l == nil {
		return
	}
	delete(c.links, conn)
	if p := l.peer; p != nil {
		p.link = nil
		c.release(p)
	}
	if l.established {
		c.log.Info("station %q left", l.station.Name)
		c.notifyStations()
	}
	c.checkDrain()
}

func (c *Channel) updateStation(conn *transport.Conn, fn func(*Station)) {
	l := c.links[conn]
	if l == nil || !l.established {
		return
	}
	fn(&l.station)
	c.notifyStations()
}

func (c *Channel) stations() []Station {
	out := make([]Station, 0, len(c.links))
	for _, l := range c.links {
		if !l.established {
			continue
		}
		st := l.station
		st.Relay = l.session.Relay()
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b Station) int { return a.ID - b.ID })
	return out
}

func (c *Channel) notifyStations() {
	if c.cfg.Observer != nil {
		c.cfg.Observer.StationsChanged(c, c.stations())
	}
}

// Stop shuts the channel down without blocking. b is registered before Stop
// returns and arrived at once every resolve, connection and session of the
// channel has finished and the service is unregistered. Stopping an already
// stopping channel attaches b to the same drain.
func (c *Channel) Stop(b *barrier.Phaser) {
	b.Register()
	if !c.post(func() { c.stop(b) }) {
		b.ArriveAndDeregister()
	}
}

func (c *Channel) stop(b *barrier.Phaser) {
	c.barriers = append(c.barriers, b)
	if c.state == Stopping {
		return
	}
	c.setState(Stopping)

	if c.acceptor != nil {
		c.acceptor.Close()
		c.acceptor = nil
	}
	if c.reg != nil {
		c.reg.Unregister()
	}
	for _, name := range c.peerNames() {
		p := c.peers[name]
		p.desc = nil
		if p.dial != nil {
			p.dial.Cancel()
		}
		c.release(p)
	}
	for conn := range c.links {
		conn.Close()
	}
	c.checkDrain()
}

// checkDrain finishes a stop once nothing is outstanding.
func (c *Channel) checkDrain() {
	if c.state != Stopping || c.regOpen || len(c.links) > 0 {
		return
	}
	for _, p := range c.peers {
		if p.busy() {
			return
		}
	}

	c.setState(Stopped)
	c.log.Info("stopped")
	for _, b := range c.barriers {
		b.ArriveAndDeregister()
	}
	c.barriers = nil
	c.box.Close()
}

// State returns the current state.
func (c *Channel) State() State {
	s := Stopped
	c.query(func() { s = c.state })
	return s
}

// Status returns the current lifecycle snapshot.
func (c *Channel) Status() Status {
	st := Status{State: Stopped}
	c.query(func() { st = c.status() })
	return st
}

// Err returns the registration failure, if any.
func (c *Channel) Err() error {
	var err error
	c.query(func() { err = c.err })
	return err
}

// ServiceName returns the resolved service name, empty until registered.
func (c *Channel) ServiceName() string {
	var name string
	c.query(func() { name = c.serviceName })
	return name
}

// Port returns the listening port, zero before Start.
func (c *Channel) Port() int {
	var port int
	c.query(func() { port = c.port })
	return port
}

// Stations returns the stations with an established session, in the order
// they connected.
func (c *Channel) Stations() []Station {
	var out []Station
	c.query(func() { out = c.stations() })
	return out
}

// SetStationName changes the local station name and tells every connected
// station about it.
func (c *Channel) SetStationName(name string) {
	c.post(func() {
		c.station = name
		for _, l := range c.links {
			if l.established {
				l.session.SendStationName(name)
			}
		}
	})
}

// SetRelay selects whether captured audio is sent to station id while
// push-to-talk is off. It reports whether the station exists.
func (c *Channel) SetRelay(id int, on bool) bool {
	found := false
	c.query(func() {
		for _, l := range c.links {
			if l.established && l.station.ID == id {
				l.session.SetRelay(on)
				found = true
			}
		}
		if found {
			c.notifyStations()
		}
	})
	return found
}
