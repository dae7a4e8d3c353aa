package discovery

import (
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/1ureka/walkie/internal/util"
)

// Network is an in-process Discovery shared by several stations running in
// one process. Every callback runs on the network's own goroutine, in the
// order the triggering calls were made.
type Network struct {
	box  *util.Mailbox
	once sync.Once

	// owned by the mailbox goroutine
	services map[string]int // name -> port
	browsers map[int]BrowseListener
	nextID   int
}

// NewNetwork starts an empty network.
func NewNetwork() *Network {
	n := &Network{
		box:      util.NewMailbox(),
		services: make(map[string]int),
		browsers: make(map[int]BrowseListener),
	}
	go n.box.Run()
	return n
}

// Close stops the network. Pending callbacks are dropped; later calls fail
// with ErrClosed.
func (n *Network) Close() {
	n.once.Do(n.box.Close)
}

// Services returns the registered names, sorted.
func (n *Network) Services() []string {
	reply := make(chan []string, 1)
	if !n.box.Post(func() {
		names := make([]string, 0, len(n.services))
		for name := range n.services {
			names = append(names, name)
		}
		slices.Sort(names)
		reply <- names
	}) {
		return nil
	}
	return <-reply
}

func (n *Network) descriptor(name string) Descriptor {
	return Descriptor{Name: name, Host: "localhost", Port: n.services[name], Addr: "127.0.0.1"}
}

type memRegistration struct {
	n    *Network
	l    RegistrationListener
	once sync.Once

	// owned by the mailbox goroutine
	name string
	gone bool
}

func (n *Network) Register(name string, port int, l RegistrationListener) Registration {
	r := &memRegistration{n: n, l: l}
	ok := n.box.Post(func() {
		if r.gone {
			return
		}
		r.name = uniqueName(name, func(s string) bool {
			_, taken := n.services[s]
			return taken
		})
		n.services[r.name] = port
		l.OnRegistered(r.name)

		d := n.descriptor(r.name)
		for _, id := range n.browserIDs() {
			n.browsers[id].OnFound(r.name, d)
		}
	})
	if !ok {
		go l.OnRegisterFailed(ErrClosed)
	}
	return r
}

func (r *memRegistration) Unregister() {
	r.once.Do(func() {
		n := r.n
		ok := n.box.Post(func() {
			r.gone = true
			if r.name != "" {
				delete(n.services, r.name)
				for _, id := range n.browserIDs() {
					n.browsers[id].OnLost(r.name)
				}
			}
			r.l.OnUnregistered()
		})
		if !ok {
			go r.l.OnUnregistered()
		}
	})
}

// browserIDs returns browser ids in subscription order.
func (n *Network) browserIDs() []int {
	ids := make([]int, 0, len(n.browsers))
	for id := range n.browsers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (n *Network) Browse(l BrowseListener) (stop func()) {
	var id int
	n.box.Post(func() {
		n.nextID++
		id = n.nextID
		n.browsers[id] = l

		names := make([]string, 0, len(n.services))
		for name := range n.services {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			l.OnFound(name, n.descriptor(name))
		}
	})
	return func() {
		n.box.Post(func() { delete(n.browsers, id) })
	}
}

func (n *Network) Resolve(d Descriptor, onResolved func(addr string), onFailed func(error)) {
	ok := n.box.Post(func() {
		port, found := n.services[d.Name]
		if !found {
			onFailed(ErrNotFound)
			return
		}
		onResolved(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	})
	if !ok {
		go onFailed(ErrClosed)
	}
}
