package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/walkie/internal/audio"
	"github.com/1ureka/walkie/internal/barrier"
	"github.com/1ureka/walkie/internal/discovery"
	"github.com/1ureka/walkie/internal/session"
	"github.com/1ureka/walkie/internal/transport"
)

const waitFor = 5 * time.Second

func sessionConfig() *session.Config {
	return &session.Config{
		Format:           audio.Format{SampleRate: 8000},
		PingInterval:     time.Hour,
		HandshakeTimeout: waitFor,
		NewSink: func(f audio.Format, _ string) (audio.Sink, error) {
			return audio.NewNullSink(f), nil
		},
		Registry: session.NewRegistry(),
	}
}

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func assertNone[T any](t *testing.T, ch chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

// stopAll stops every channel with one barrier and waits for the drain.
func stopAll(t *testing.T, chans ...*Channel) {
	t.Helper()
	b := barrier.New()
	phase := b.Register()
	for _, ch := range chans {
		ch.Stop(b)
	}
	b.ArriveAndDeregister()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := b.AwaitAdvanceContext(ctx, phase)
	require.NoError(t, err, "channels did not drain")
	for _, ch := range chans {
		<-ch.Done()
	}
}

// forward feeds browse results into a channel.
type forward struct{ ch *Channel }

func (f forward) OnFound(name string, d discovery.Descriptor) { f.ch.OnPeerDiscovered(name, d) }
func (f forward) OnLost(name string)                          { f.ch.OnPeerLost(name) }

type countingDialer struct {
	n     atomic.Int32
	inner transport.TCPDialer
}

func (d *countingDialer) Dial(addr string, onConnected func(*transport.Conn), onFailed func(error)) *transport.Attempt {
	d.n.Add(1)
	return d.inner.Dial(addr, onConnected, onFailed)
}

// stationLog is an Observer keeping the latest station list.
type stationLog struct {
	mu       sync.Mutex
	states   []State
	stations []Station
}

func (o *stationLog) StateChanged(_ *Channel, s Status) {
	o.mu.Lock()
	o.states = append(o.states, s.State)
	o.mu.Unlock()
}

func (o *stationLog) StationsChanged(_ *Channel, st []Station) {
	o.mu.Lock()
	o.stations = st
	o.mu.Unlock()
}

func (o *stationLog) latest() []Station {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stations
}

func (o *stationLog) seen() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states...)
}

func TestTieBreakOpensExactlyOneConnection(t *testing.T) {
	for _, order := range [][]string{{"A", "B"}, {"B", "A"}} {
		t.Run(strings.Join(order, " then "), func(t *testing.T) {
			network := discovery.NewNetwork()
			defer network.Close()

			chans := map[string]*Channel{}
			dialers := map[string]*countingDialer{}
			observers := map[string]*stationLog{}
			for _, name := range order {
				dialers[name] = &countingDialer{}
				observers[name] = &stationLog{}
				ch := New(Config{
					Name:        "ch-" + name,
					ServiceName: name,
					ListenAddr:  "127.0.0.1:0",
					Station:     "station " + name,
					Session:     sessionConfig(),
					Discovery:   network,
					Dialer:      dialers[name],
					Observer:    observers[name],
				})
				network.Browse(forward{ch})
				require.NoError(t, ch.Start())
				chans[name] = ch
			}

			a, b := chans["A"], chans["B"]
			require.Eventually(t, func() bool {
				return len(a.Stations()) == 1 && len(b.Stations()) == 1
			}, waitFor, 5*time.Millisecond)

			assert.Equal(t, int32(0), dialers["A"].n.Load(), "smaller name never dials")
			assert.Equal(t, int32(1), dialers["B"].n.Load(), "greater name dials once")

			atB := b.Stations()[0]
			assert.Equal(t, "station A", atB.Name)
			assert.Equal(t, "A", atB.Service)
			assert.True(t, atB.Outbound)

			atA := a.Stations()[0]
			assert.Equal(t, "station B", atA.Name)
			assert.False(t, atA.Outbound)
			assert.Empty(t, atA.Service)

			assert.Equal(t, "A", a.ServiceName())
			assert.Equal(t, Active, a.State())
			assert.Equal(t, []State{Announcing, Active}, observers["A"].seen())
			assert.Equal(t, a.Stations(), observers["A"].latest())

			stopAll(t, a, b)
			assert.Equal(t, Stopped, a.State())
			assert.Equal(t, []State{Announcing, Active, Stopping, Stopped}, observers["A"].seen())
			assert.Empty(t, network.Services())
		})
	}
}

func TestStationNameAndRelay(t *testing.T) {
	network := discovery.NewNetwork()
	defer network.Close()

	mk := func(name string) *Channel {
		ch := New(Config{
			Name: name, ServiceName: name, ListenAddr: "127.0.0.1:0",
			Station: "station " + name, Session: sessionConfig(), Discovery: network,
		})
		network.Browse(forward{ch})
		require.NoError(t, ch.Start())
		return ch
	}
	a, b := mk("A"), mk("B")
	defer stopAll(t, a, b)

	require.Eventually(t, func() bool {
		return len(a.Stations()) == 1 && len(b.Stations()) == 1
	}, waitFor, 5*time.Millisecond)

	a.SetStationName("Alpha")
	require.Eventually(t, func() bool {
		st := b.Stations()
		return len(st) == 1 && st[0].Name == "Alpha"
	}, waitFor, 5*time.Millisecond)

	id := b.Stations()[0].ID
	assert.False(t, b.Stations()[0].Relay)
	assert.True(t, b.SetRelay(id, true))
	assert.True(t, b.Stations()[0].Relay)
	assert.False(t, b.SetRelay(id+100, true))
}

// fakeDiscovery registers under the requested name and holds every resolve
// until the test completes it.
type fakeDiscovery struct {
	failRegister error
	resolves     chan *pendingResolve
}

type pendingResolve struct {
	d    discovery.Descriptor
	ok   func(string)
	fail func(error)
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{resolves: make(chan *pendingResolve, 16)}
}

type fakeRegistration struct{ l discovery.RegistrationListener }

func (r fakeRegistration) Unregister() { go r.l.OnUnregistered() }

func (f *fakeDiscovery) Register(name string, _ int, l discovery.RegistrationListener) discovery.Registration {
	if f.failRegister != nil {
		go l.OnRegisterFailed(f.failRegister)
	} else {
		go l.OnRegistered(name)
	}
	return fakeRegistration{l}
}

func (f *fakeDiscovery) Browse(discovery.BrowseListener) func() { return func() {} }

func (f *fakeDiscovery) Resolve(d discovery.Descriptor, ok func(string), fail func(error)) {
	f.resolves <- &pendingResolve{d: d, ok: ok, fail: fail}
}

// fakeDialer holds every dial until the test completes it.
type fakeDialer struct {
	dials chan *pendingDial
}

type pendingDial struct {
	addr     string
	ok       func(*transport.Conn)
	fail     func(error)
	canceled atomic.Bool
}

func (f *fakeDialer) Dial(addr string, ok func(*transport.Conn), fail func(error)) *transport.Attempt {
	d := &pendingDial{addr: addr, ok: ok, fail: fail}
	f.dials <- d
	return transport.NewAttempt(addr, func() { d.canceled.Store(true) })
}

func newActiveChannel(t *testing.T, name string, fd *fakeDiscovery, dialer transport.Dialer) *Channel {
	t.Helper()
	ch := New(Config{
		Name: name, ServiceName: name, ListenAddr: "127.0.0.1:0",
		Station: "station " + name, Session: sessionConfig(), Discovery: fd, Dialer: dialer,
	})
	require.NoError(t, ch.Start())
	require.Eventually(t, func() bool { return ch.State() == Active }, waitFor, time.Millisecond)
	return ch
}

func TestAtMostOneResolvePerPeer(t *testing.T) {
	fd := newFakeDiscovery()
	dialer := &fakeDialer{dials: make(chan *pendingDial, 16)}
	ch := newActiveChannel(t, "M", fd, dialer)
	defer stopAll(t, ch)

	// peers with a greater name connect to us
	ch.OnPeerDiscovered("Z", discovery.Descriptor{Name: "Z", Port: 9})
	ch.State()
	assertNone(t, fd.resolves)

	ch.OnPeerDiscovered("A", discovery.Descriptor{Name: "A", Port: 1})
	first := recv(t, fd.resolves)
	assert.Equal(t, 1, first.d.Port)

	ch.OnPeerDiscovered("A", discovery.Descriptor{Name: "A", Port: 2})
	ch.OnPeerDiscovered("A", discovery.Descriptor{Name: "A", Port: 3})
	ch.State()
	assertNone(t, fd.resolves)

	// the stale result is discarded in favour of exactly one fresh resolve
	first.ok("127.0.0.1:1")
	second := recv(t, fd.resolves)
	assert.Equal(t, 3, second.d.Port)
	ch.State()
	assertNone(t, fd.resolves)
	assertNone(t, dialer.dials)

	second.ok("127.0.0.1:3")
	dial := recv(t, dialer.dials)
	assert.Equal(t, "127.0.0.1:3", dial.addr)

	// a failed connect with no fresher descriptor drops the peer
	dial.fail(errors.New("refused"))
	ch.State()
	assertNone(t, fd.resolves)

	// rediscovery starts over
	ch.OnPeerDiscovered("A", discovery.Descriptor{Name: "A", Port: 4})
	third := recv(t, fd.resolves)
	assert.Equal(t, 4, third.d.Port)
	third.fail(errors.New("timeout"))
	ch.State()
	assertNone(t, fd.resolves)
}

func TestConnectFailureRetriesWithFresherDescriptor(t *testing.T) {
	fd := newFakeDiscovery()
	dialer := &fakeDialer{dials: make(chan *pendingDial, 16)}
	ch := newActiveChannel(t, "M", fd, dialer)
	defer stopAll(t, ch)

	ch.OnPeerDiscovered("A", discovery.Descriptor{Name: "A", Port: 1})
	recv(t, fd.resolves).ok("127.0.0.1:1")
	dial := recv(t, dialer.dials)

	ch.OnPeerDiscovered("A", discovery.Descriptor{Name: "A", Port: 2})
	ch.State()
	assertNone(t, fd.resolves)

	dial.fail(errors.New("refused"))
	retry := recv(t, fd.resolves)
	assert.Equal(t, 2, retry.d.Port)
	retry.fail(errors.New("gone"))
}

func TestPeerLostDuringResolve(t *testing.T) {
	fd := newFakeDiscovery()
	dialer := &fakeDialer{dials: make(chan *pendingDial, 16)}
	ch := newActiveChannel(t, "M", fd, dialer)
	defer stopAll(t, ch)

	ch.OnPeerDiscovered("A", discovery.Descriptor{Name: "A", Port: 1})
	pending := recv(t, fd.resolves)
	ch.OnPeerLost("A")
	pending.ok("127.0.0.1:1")
	ch.State()
	assertNone(t, dialer.dials)

	// the record is gone, so the next discovery resolves immediately
	ch.OnPeerDiscovered("A", discovery.Descriptor{Name: "A", Port: 1})
	recv(t, fd.resolves).fail(errors.New("gone"))
}

func TestRegistrationFailureLeavesChannelAnnouncing(t *testing.T) {
	fd := newFakeDiscovery()
	fd.failRegister = errors.New("name conflict")
	obs := &stationLog{}
	ch := New(Config{
		Name: "x", ServiceName: "x", ListenAddr: "127.0.0.1:0",
		Session: sessionConfig(), Discovery: fd, Observer: obs,
	})
	require.NoError(t, ch.Start())

	require.Eventually(t, func() bool { return ch.Err() != nil }, waitFor, time.Millisecond)
	assert.Equal(t, Announcing, ch.State())
	assert.Equal(t, []State{Announcing, Announcing}, obs.seen())
	assert.Empty(t, ch.ServiceName())
	assert.Error(t, ch.Start(), "second start")

	stopAll(t, ch)
}

// remoteOwner is the far side of inbound test sessions.
type remoteOwner struct {
	established chan *transport.Conn
	closed      chan *transport.Conn
}

func (o *remoteOwner) SessionEstablished(c *transport.Conn, _ *session.ChannelSession, _ string) {
	o.established <- c
}
func (o *remoteOwner) ConnClosed(c *transport.Conn)               { o.closed <- c }
func (o *remoteOwner) StationNameChanged(*transport.Conn, string) {}
func (o *remoteOwner) RoundTripChanged(*transport.Conn, int)      {}
func (o *remoteOwner) TransmitStateChanged(*transport.Conn, bool) {}

func TestStopDrainsResolvesAndSessions(t *testing.T) {
	for _, okFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("resolve ok first %v", okFirst), func(t *testing.T) {
			fd := newFakeDiscovery()
			dialer := &fakeDialer{dials: make(chan *pendingDial, 16)}
			ch := newActiveChannel(t, "Z", fd, dialer)

			ch.OnPeerDiscovered("A", discovery.Descriptor{Name: "A", Port: 1})
			ch.OnPeerDiscovered("B", discovery.Descriptor{Name: "B", Port: 2})
			resolves := []*pendingResolve{recv(t, fd.resolves), recv(t, fd.resolves)}

			remote := &remoteOwner{established: make(chan *transport.Conn, 3), closed: make(chan *transport.Conn, 3)}
			addr := fmt.Sprintf("127.0.0.1:%d", ch.Port())
			for i := 0; i < 3; i++ {
				station := fmt.Sprintf("remote %d", i)
				transport.TCPDialer{}.Dial(addr, func(c *transport.Conn) {
					session.StartInitiator(c, remote, station, sessionConfig())
				}, func(err error) { t.Errorf("dial: %v", err) })
			}
			for i := 0; i < 3; i++ {
				recv(t, remote.established)
			}
			require.Eventually(t, func() bool { return len(ch.Stations()) == 3 }, waitFor, time.Millisecond)

			b := barrier.New()
			ch.Stop(b)
			assert.Equal(t, 1, b.Parties(), "registered before Stop returns")

			// a second stop joins the same drain
			b2 := barrier.New()
			ch.Stop(b2)

			for i := 0; i < 3; i++ {
				recv(t, remote.closed)
			}
			notYet := func(p *barrier.Phaser) {
				t.Helper()
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				defer cancel()
				_, err := p.AwaitAdvanceContext(ctx, 0)
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			}
			require.Eventually(t, func() bool { return len(ch.Stations()) == 0 }, waitFor, time.Millisecond)
			notYet(b)
			assert.Equal(t, Stopping, ch.State())

			if okFirst {
				resolves[0].ok("127.0.0.1:1")
			} else {
				resolves[0].fail(errors.New("gone"))
			}
			notYet(b)
			notYet(b2)

			if okFirst {
				resolves[1].fail(errors.New("gone"))
			} else {
				resolves[1].ok("127.0.0.1:2")
			}

			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()
			_, err := b.AwaitAdvanceContext(ctx, 0)
			require.NoError(t, err)
			_, err = b2.AwaitAdvanceContext(ctx, 0)
			require.NoError(t, err)
			<-ch.Done()
			assertNone(t, dialer.dials)

			// stopping a stopped channel arrives at once
			b3 := barrier.New()
			ch.Stop(b3)
			_, err = b3.AwaitAdvanceContext(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, Stopped, ch.State())
		})
	}
}

func TestStopCancelsPendingDial(t *testing.T) {
	fd := newFakeDiscovery()
	dialer := &fakeDialer{dials: make(chan *pendingDial, 16)}
	ch := newActiveChannel(t, "Z", fd, dialer)

	ch.OnPeerDiscovered("A", discovery.Descriptor{Name: "A", Port: 1})
	recv(t, fd.resolves).ok("127.0.0.1:1")
	dial := recv(t, dialer.dials)

	b := barrier.New()
	ch.Stop(b)
	require.Eventually(t, dial.canceled.Load, waitFor, time.Millisecond)
	assert.Equal(t, Stopping, ch.State())

	dial.fail(context.Canceled)
	b.AwaitAdvance(0)
	<-ch.Done()
}

func TestStopBeforeStart(t *testing.T) {
	ch := New(Config{Name: "idle", Discovery: newFakeDiscovery()})
	stopAll(t, ch)
	assert.Equal(t, Stopped, ch.State())
	assert.ErrorIs(t, ch.Start(), ErrStopped)
}
