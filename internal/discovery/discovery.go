// Package discovery finds other stations on the local network. A channel
// registers itself under a service name, browses for the services of other
// stations and resolves the ones it decides to connect to.
//
// All callbacks are delivered asynchronously from goroutines owned by the
// implementation, never from inside the call that triggered them.
package discovery

import (
	"errors"
	"strconv"
)

var (
	ErrNotFound = errors.New("service not found")
	ErrClosed   = errors.New("discovery closed")
)

// Descriptor is what a browse reports about a service before resolution.
type Descriptor struct {
	Name string
	Host string // announced host name, may be empty
	Port int
	Addr string // source IP of the announcement, may be empty
}

// RegistrationListener follows one registration.
//
// Exactly one of OnRegistered and OnRegisterFailed is delivered unless the
// registration is withdrawn first. After Unregister, OnUnregistered is
// delivered exactly once and nothing follows it.
type RegistrationListener interface {
	// OnRegistered reports the name actually assigned, which may carry a
	// de-duplication suffix.
	OnRegistered(name string)
	OnRegisterFailed(err error)
	OnUnregistered()
}

// BrowseListener receives service appearance and disappearance. OnFound may
// be repeated for a service already reported when its descriptor changes or
// is refreshed.
type BrowseListener interface {
	OnFound(name string, d Descriptor)
	OnLost(name string)
}

// Registration is a handle for withdrawing a registered service.
type Registration interface {
	Unregister()
}

// Discovery is the service discovery layer used by channels.
type Discovery interface {
	Register(name string, port int, l RegistrationListener) Registration
	Browse(l BrowseListener) (stop func())
	Resolve(d Descriptor, onResolved func(addr string), onFailed func(error))
}

// uniqueName returns name, or name with the first free " (n)" suffix.
func uniqueName(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	for n := 2; ; n++ {
		candidate := name + " (" + strconv.Itoa(n) + ")"
		if !taken(candidate) {
			return candidate
		}
	}
}
