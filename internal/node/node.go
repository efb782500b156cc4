// Package node holds the immutable per-node record shared by the client
// Node Coordinator and the relay Packet Coordinator.
package node

import (
	"net"

	"olla/internal/tunnel"
)

// Node is one configured remote peer: its identity, address, transport and
// the outgoing tunnel handle used to reach it. MaxFragmentSize is the size
// of one framed datagram (device MTU plus the overlay header), used as the
// buffer size when reading replies from the tunnel.
type Node struct {
	ID              string
	Addr            *net.UDPAddr
	TunnelType      tunnel.Type
	Tunnel          tunnel.OutgoingTunnel
	MaxFragmentSize int
	Primary         bool
}

// New constructs a Node. Fields are set once at startup and never mutated
// afterward; concurrent readers never need to lock a Node itself.
func New(id string, addr *net.UDPAddr, tunnelType tunnel.Type, tun tunnel.OutgoingTunnel, maxFragmentSize int, primary bool) *Node {
	return &Node{
		ID:              id,
		Addr:            addr,
		TunnelType:      tunnelType,
		Tunnel:          tun,
		MaxFragmentSize: maxFragmentSize,
		Primary:         primary,
	}
}
