package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"

	"github.com/1ureka/walkie/internal/util"
)

const (
	beaconVersion = 1
	maxBeaconSize = 1024
)

// Defaults for LANConfig fields left zero.
const (
	DefaultGroup          = "239.255.70.87:7087"
	DefaultInterval       = 2 * time.Second
	DefaultExpiry         = 7 * time.Second
	DefaultResolveTimeout = 3 * time.Second
)

// beacon is the multicast announcement of one registered service.
type beacon struct {
	V    int    `json:"v"`
	ID   string `json:"id"`
	Name string `json:"name"`
	Host string `json:"host,omitempty"`
	Port int    `json:"port"`
	Bye  bool   `json:"bye,omitempty"`
}

// LANConfig configures LAN discovery.
type LANConfig struct {
	Group          string // multicast group for beacons, host:port
	Interval       time.Duration
	Expiry         time.Duration
	ResolveTimeout time.Duration
	Host           string // mDNS name answered for this host; derived from the hostname when empty
	MDNSLogLevel   string
	DisableMDNS    bool
}

func (c *LANConfig) setDefaults() {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Expiry <= 0 {
		c.Expiry = DefaultExpiry
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	if c.Host == "" {
		c.Host = localHostName()
	}
}

// localHostName turns the OS host name into a single mDNS label under .local.
func localHostName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "walkie"
	}
	name, _, _ = strings.Cut(strings.ToLower(name), ".")
	name = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '-'
	}, name)
	return name + ".local"
}

// LAN discovers stations with UDP multicast beacons. Each registered service
// is announced every Interval; a remote service not heard from for Expiry is
// reported lost. Resolution asks mDNS for the announced host name and falls
// back to the address the beacon came from.
type LAN struct {
	cfg   LANConfig
	id    string
	group *net.UDPAddr
	pc    *ipv4.PacketConn
	mdns  *mdns.Conn
	box   *util.Mailbox
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// owned by the mailbox goroutine
	table    *peerTable
	local    map[string]*lanRegistration
	browsers map[int]BrowseListener
	nextID   int
}

// NewLAN joins the beacon group and starts the mDNS responder. A responder
// that cannot start is logged and skipped; resolution then relies on beacon
// source addresses.
func NewLAN(cfg LANConfig) (*LAN, error) {
	cfg.setDefaults()

	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery group %q: %w", cfg.Group, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("failed to join discovery group %s: %w", group, err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastLoopback(true); err != nil {
		util.LogDebug("multicast loopback: %v", err)
	}
	if err := pc.SetMulticastTTL(1); err != nil {
		util.LogDebug("multicast ttl: %v", err)
	}
	joinInterfaces(pc, group)

	ctx, cancel := context.WithCancel(context.Background())
	l := &LAN{
		cfg:      cfg,
		id:       uuid.NewString(),
		group:    group,
		pc:       pc,
		box:      util.NewMailbox(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		table:    newPeerTable(cfg.Expiry),
		local:    make(map[string]*lanRegistration),
		browsers: make(map[int]BrowseListener),
	}

	if !cfg.DisableMDNS {
		l.mdns, err = startResponder(cfg.Host, ParseLogLevel(cfg.MDNSLogLevel))
		if err != nil {
			util.LogWarning("mDNS responder unavailable, resolving by beacon address: %v", err)
		}
	}

	go l.box.Run()
	l.wg.Add(2)
	go l.readLoop()
	go l.tickLoop()

	util.LogInfo("LAN discovery on %s as %s", group, cfg.Host)
	return l, nil
}

// joinInterfaces joins the group on every multicast-capable interface that is
// up. Failures are expected on interfaces already joined by the listener.
func joinInterfaces(pc *ipv4.PacketConn, group *net.UDPAddr) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
			util.LogDebug("join %s on %s: %v", group.IP, ifi.Name, err)
		}
	}
}

func startResponder(host string, level logging.LogLevel) (*mdns.Conn, error) {
	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	srv, err := mdns.Server(ipv4.NewPacketConn(conn), nil, &mdns.Config{
		LocalNames:    []string{host},
		LoggerFactory: loggerFactory{level: level},
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return srv, nil
}

// Close announces the departure of every local service and stops discovery.
func (l *LAN) Close() error {
	l.once.Do(func() {
		done := make(chan struct{})
		if l.box.Post(func() {
			for _, name := range l.localNames() {
				l.send(l.local[name].beacon(true))
			}
			close(done)
		}) {
			<-done
		}
		l.box.Close()
		l.cancel()
		l.pc.Close()
		if l.mdns != nil {
			l.mdns.Close()
		}
		l.wg.Wait()
	})
	return nil
}

func (l *LAN) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, maxBeaconSize)
	for {
		n, _, src, err := l.pc.ReadFrom(buf)
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			util.LogWarning("discovery read: %v", err)
			continue
		}

		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil {
			util.LogDebug("ignoring malformed beacon from %s: %v", src, err)
			continue
		}
		if b.V != beaconVersion || b.ID == l.id || b.Name == "" {
			continue
		}
		ip := ""
		if udp, ok := src.(*net.UDPAddr); ok {
			ip = udp.IP.String()
		}
		l.box.Post(func() { l.handleBeacon(b, ip) })
	}
}

func (l *LAN) tickLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.box.Post(l.tick)
		}
	}
}

// tick re-announces local services and expires silent peers.
func (l *LAN) tick() {
	for _, name := range l.localNames() {
		l.send(l.local[name].beacon(false))
	}
	for _, name := range l.table.sweep(l.now()) {
		util.LogDebug("service expired: %s", name)
		l.lost(name)
	}
}

func (l *LAN) handleBeacon(b beacon, src string) {
	if b.Bye {
		if l.table.forget(b.Name, b.ID) {
			l.lost(b.Name)
		}
		return
	}
	if d, report := l.table.observe(b, src, l.now()); report {
		l.found(b.Name, d)
	}
}

func (l *LAN) found(name string, d Descriptor) {
	for _, id := range l.browserIDs() {
		l.browsers[id].OnFound(name, d)
	}
}

func (l *LAN) lost(name string) {
	for _, id := range l.browserIDs() {
		l.browsers[id].OnLost(name)
	}
}

func (l *LAN) browserIDs() []int {
	ids := make([]int, 0, len(l.browsers))
	for id := range l.browsers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (l *LAN) localNames() []string {
	names := make([]string, 0, len(l.local))
	for name := range l.local {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (l *LAN) send(b beacon) {
	data, err := json.Marshal(b)
	if err != nil {
		util.LogError("beacon encode: %v", err)
		return
	}
	if _, err := l.pc.WriteTo(data, nil, l.group); err != nil {
		util.LogDebug("beacon send: %v", err)
	}
}

func (l *LAN) localDescriptor(r *lanRegistration) Descriptor {
	return Descriptor{Name: r.name, Host: l.cfg.Host, Port: r.port, Addr: "127.0.0.1"}
}

type lanRegistration struct {
	l    *LAN
	lis  RegistrationListener
	port int
	once sync.Once

	// owned by the mailbox goroutine
	name string
	gone bool
}

func (r *lanRegistration) beacon(bye bool) beacon {
	return beacon{V: beaconVersion, ID: r.l.id, Name: r.name, Host: r.l.cfg.Host, Port: r.port, Bye: bye}
}

func (l *LAN) Register(name string, port int, lis RegistrationListener) Registration {
	r := &lanRegistration{l: l, lis: lis, port: port}
	ok := l.box.Post(func() {
		if r.gone {
			return
		}
		r.name = uniqueName(name, func(s string) bool {
			_, mine := l.local[s]
			return mine || l.table.has(s)
		})
		l.local[r.name] = r
		l.send(r.beacon(false))
		lis.OnRegistered(r.name)
		l.found(r.name, l.localDescriptor(r))
	})
	if !ok {
		go lis.OnRegisterFailed(ErrClosed)
	}
	return r
}

func (r *lanRegistration) Unregister() {
	r.once.Do(func() {
		l := r.l
		ok := l.box.Post(func() {
			r.gone = true
			if r.name != "" {
				delete(l.local, r.name)
				l.send(r.beacon(true))
				l.lost(r.name)
			}
			r.lis.OnUnregistered()
		})
		if !ok {
			go r.lis.OnUnregistered()
		}
	})
}

func (l *LAN) Browse(lis BrowseListener) (stop func()) {
	var id int
	l.box.Post(func() {
		l.nextID++
		id = l.nextID
		l.browsers[id] = lis
		for _, name := range l.localNames() {
			lis.OnFound(name, l.localDescriptor(l.local[name]))
		}
		for _, d := range l.table.descriptors() {
			lis.OnFound(d.Name, d)
		}
	})
	return func() {
		l.box.Post(func() { delete(l.browsers, id) })
	}
}

func (l *LAN) Resolve(d Descriptor, onResolved func(addr string), onFailed func(error)) {
	go func() {
		port := strconv.Itoa(d.Port)
		if l.mdns != nil && d.Host != "" {
			ctx, cancel := context.WithTimeout(l.ctx, l.cfg.ResolveTimeout)
			_, addr, err := l.mdns.QueryAddr(ctx, d.Host)
			cancel()
			if err == nil {
				onResolved(net.JoinHostPort(addr.String(), port))
				return
			}
			util.LogDebug("mDNS query for %s failed: %v", d.Host, err)
		}
		if d.Addr != "" {
			onResolved(net.JoinHostPort(d.Addr, port))
			return
		}
		onFailed(fmt.Errorf("%w: %s", ErrNotFound, d.Name))
	}()
}

// peerTable tracks remote services by the beacons last heard from them.
type peerTable struct {
	expiry time.Duration
	peers  map[string]*seenPeer
}

type seenPeer struct {
	id       string
	desc     Descriptor
	seen     time.Time
	reported time.Time
}

func newPeerTable(expiry time.Duration) *peerTable {
	return &peerTable{expiry: expiry, peers: make(map[string]*seenPeer)}
}

func (t *peerTable) has(name string) bool {
	_, ok := t.peers[name]
	return ok
}

// observe records a beacon. It reports the descriptor when the service is
// new, when its descriptor changed, or when it was last reported more than
// one expiry period ago.
func (t *peerTable) observe(b beacon, src string, now time.Time) (Descriptor, bool) {
	d := Descriptor{Name: b.Name, Host: b.Host, Port: b.Port, Addr: src}
	p := t.peers[b.Name]
	if p == nil {
		p = &seenPeer{}
		t.peers[b.Name] = p
	}
	report := p.reported.IsZero() || p.desc != d || p.id != b.ID || now.Sub(p.reported) >= t.expiry
	p.id, p.desc, p.seen = b.ID, d, now
	if report {
		p.reported = now
	}
	return d, report
}

// forget drops name if it was announced by id.
func (t *peerTable) forget(name, id string) bool {
	p := t.peers[name]
	if p == nil || p.id != id {
		return false
	}
	delete(t.peers, name)
	return true
}

// sweep removes and returns services not heard from within the expiry.
func (t *peerTable) sweep(now time.Time) []string {
	var expired []string
	for name, p := range t.peers {
		if now.Sub(p.seen) > t.expiry {
			expired = append(expired, name)
		}
	}
	slices.Sort(expired)
	for _, name := range expired {
		delete(t.peers, name)
	}
	return expired
}

func (t *peerTable) descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.desc)
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(a.Name, b.Name) })
	return out
}
