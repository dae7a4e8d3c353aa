package discovery

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// events collects every callback as a line of text.
type events struct {
	mu  sync.Mutex
	log []string
	ch  chan string
}

func newEvents() *events { return &events{ch: make(chan string, 64)} }

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
	e.ch <- s
}

func (e *events) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-e.ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return ""
	}
}

func (e *events) OnRegistered(name string)   { e.add("registered " + name) }
func (e *events) OnRegisterFailed(err error) { e.add("failed " + err.Error()) }
func (e *events) OnUnregistered()            { e.add("unregistered") }

func (e *events) OnFound(name string, d Descriptor) {
	e.add(fmt.Sprintf("found %s %s:%d", name, d.Addr, d.Port))
}

func (e *events) OnLost(name string) { e.add("lost " + name) }

func TestUniqueName(t *testing.T) {
	taken := map[string]bool{"a": true, "a (2)": true}
	has := func(s string) bool { return taken[s] }

	assert.Equal(t, "b", uniqueName("b", has))
	assert.Equal(t, "a (3)", uniqueName("a", has))
}

func TestNetworkRegisterBrowseResolve(t *testing.T) {
	n := NewNetwork()
	defer n.Close()

	browser := newEvents()
	stop := n.Browse(browser)
	defer stop()

	reg1, reg2 := newEvents(), newEvents()
	r1 := n.Register("svc", 4001, reg1)
	assert.Equal(t, "registered svc", reg1.next(t))
	assert.Equal(t, "found svc 127.0.0.1:4001", browser.next(t))

	n.Register("svc", 4002, reg2)
	assert.Equal(t, "registered svc (2)", reg2.next(t))
	assert.Equal(t, "found svc (2) 127.0.0.1:4002", browser.next(t))
	assert.Equal(t, []string{"svc", "svc (2)"}, n.Services())

	resolved := make(chan string, 1)
	n.Resolve(Descriptor{Name: "svc (2)"}, func(addr string) { resolved <- addr }, func(err error) {
		t.Errorf("resolve failed: %v", err)
	})
	assert.Equal(t, "127.0.0.1:4002", <-resolved)

	r1.Unregister()
	r1.Unregister()
	assert.Equal(t, "lost svc", browser.next(t))
	assert.Equal(t, "unregistered", reg1.next(t))

	failed := make(chan error, 1)
	n.Resolve(Descriptor{Name: "svc"}, func(string) { t.Error("resolved a lost service") }, func(err error) { failed <- err })
	assert.ErrorIs(t, <-failed, ErrNotFound)

	// a late browser sees the current services
	late := newEvents()
	n.Browse(late)
	assert.Equal(t, "found svc (2) 127.0.0.1:4002", late.next(t))
}

func TestNetworkUnregisterBeforeRegistered(t *testing.T) {
	n := NewNetwork()
	defer n.Close()

	reg := newEvents()
	r := n.Register("svc", 1, reg)
	r.Unregister()

	// registration completes first, then exactly one final callback
	assert.Equal(t, "registered svc", reg.next(t))
	assert.Equal(t, "unregistered", reg.next(t))
	assert.Empty(t, n.Services())
}

func TestNetworkClosed(t *testing.T) {
	n := NewNetwork()
	n.Close()

	reg := newEvents()
	r := n.Register("svc", 1, reg)
	assert.Equal(t, "failed "+ErrClosed.Error(), reg.next(t))
	r.Unregister()
	assert.Equal(t, "unregistered", reg.next(t))

	failed := make(chan error, 1)
	n.Resolve(Descriptor{Name: "svc"}, func(string) {}, func(err error) { failed <- err })
	assert.True(t, errors.Is(<-failed, ErrClosed))
}

func TestPeerTable(t *testing.T) {
	t0 := time.Unix(100, 0)
	tab := newPeerTable(7 * time.Second)
	b := beacon{V: beaconVersion, ID: "x", Name: "svc", Host: "h.local", Port: 10}

	d, report := tab.observe(b, "10.0.0.5", t0)
	assert.True(t, report, "new service")
	assert.Equal(t, Descriptor{Name: "svc", Host: "h.local", Port: 10, Addr: "10.0.0.5"}, d)

	_, report = tab.observe(b, "10.0.0.5", t0.Add(2*time.Second))
	assert.False(t, report, "unchanged within expiry")

	b.Port = 11
	_, report = tab.observe(b, "10.0.0.5", t0.Add(4*time.Second))
	assert.True(t, report, "port changed")

	_, report = tab.observe(b, "10.0.0.5", t0.Add(11*time.Second))
	assert.True(t, report, "refreshed after an expiry period")

	assert.Empty(t, tab.sweep(t0.Add(18*time.Second)))
	assert.Equal(t, []string{"svc"}, tab.sweep(t0.Add(18*time.Second+time.Millisecond)))
	assert.False(t, tab.has("svc"))
}

func TestPeerTableForgetChecksSender(t *testing.T) {
	tab := newPeerTable(time.Second)
	tab.observe(beacon{V: beaconVersion, ID: "x", Name: "svc", Port: 1}, "", time.Now())

	assert.False(t, tab.forget("svc", "y"))
	assert.True(t, tab.forget("svc", "x"))
	assert.False(t, tab.forget("svc", "x"))
}

func TestLANHandleBeacon(t *testing.T) {
	now := time.Unix(100, 0)
	l := &LAN{
		cfg:      LANConfig{Expiry: 7 * time.Second},
		now:      func() time.Time { return now },
		table:    newPeerTable(7 * time.Second),
		local:    make(map[string]*lanRegistration),
		browsers: make(map[int]BrowseListener),
	}
	browser := newEvents()
	l.browsers[1] = browser

	l.handleBeacon(beacon{V: beaconVersion, ID: "x", Name: "svc", Port: 9}, "10.0.0.7")
	assert.Equal(t, "found svc 10.0.0.7:9", browser.next(t))

	l.handleBeacon(beacon{V: beaconVersion, ID: "x", Name: "svc", Port: 9}, "10.0.0.7")
	l.handleBeacon(beacon{V: beaconVersion, ID: "x", Name: "svc", Bye: true}, "10.0.0.7")
	assert.Equal(t, "lost svc", browser.next(t))

	l.handleBeacon(beacon{V: beaconVersion, ID: "x", Name: "other", Port: 1}, "10.0.0.8")
	assert.Equal(t, "found other 10.0.0.8:1", browser.next(t))
	now = now.Add(8 * time.Second)
	l.tick()
	assert.Equal(t, "lost other", browser.next(t))
}

func TestLANResolveFallsBackToBeaconAddress(t *testing.T) {
	l := &LAN{cfg: LANConfig{ResolveTimeout: time.Second}}

	resolved := make(chan string, 1)
	l.Resolve(Descriptor{Name: "svc", Host: "h.local", Port: 7, Addr: "10.1.2.3"},
		func(addr string) { resolved <- addr }, func(err error) { t.Errorf("unexpected failure: %v", err) })
	assert.Equal(t, "10.1.2.3:7", <-resolved)

	failed := make(chan error, 1)
	l.Resolve(Descriptor{Name: "svc", Port: 7}, func(string) { t.Error("unexpected resolve") }, func(err error) { failed <- err })
	assert.ErrorIs(t, <-failed, ErrNotFound)
}

func TestParseLogLevel(t *testing.T) {
	testCases := []struct {
		in   string
		want logging.LogLevel
	}{
		{"", logging.LogLevelDisabled},
		{"off", logging.LogLevelDisabled},
		{"error", logging.LogLevelError},
		{"WARN", logging.LogLevelWarn},
		{"warning", logging.LogLevelWarn},
		{"info", logging.LogLevelInfo},
		{"debug", logging.LogLevelDebug},
		{"trace", logging.LogLevelTrace},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseLogLevel(tc.in))
		})
	}

	lg := loggerFactory{level: logging.LogLevelWarn}.NewLogger("mdns")
	require.NotNil(t, lg)
	lg.Debugf("dropped %d", 1)
	lg.Warn("kept")
}
