// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
	"net"
)

// ConnID computes a 4-byte hash from a TCP connection's 4-tuple (local
// address, remote address). It names inbound stations that have no service
// name of their own and tags log lines; it does not need to be reversible.
func ConnID(conn net.Conn) uint32 {
	h := fnv.New32a()
	if a := conn.LocalAddr(); a != nil {
		h.Write([]byte(a.String()))
	}
	if a := conn.RemoteAddr(); a != nil {
		h.Write([]byte(a.String()))
	}
	return h.Sum32()
}
