// Package app wires the overlay's configuration, tunnels, coordinators and
// TUN device together into the two run modes, client and node/relay.
package app

import (
	"fmt"
	"net"
	"time"

	"olla/internal/appconfig"
	"olla/internal/node"
	"olla/internal/tunnel"
)

// buildNode constructs one configured peer's outgoing tunnel and wraps it
// in a node.Node. primary is the primary node's address to embed as a
// routing hint in every frame sent over a UDP tunnel; pass nil for relay
// nodes, which never attach a primary-node hint of their own. TLS tunnels
// take no primary-node hint: their frames always leave the primary-node
// fields zero, whatever primary is.
func buildNode(nc appconfig.NodeConfig, maxFragmentSize int, primary *net.UDPAddr) (*node.Node, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", nc.Addr)
	if err != nil {
		return nil, fmt.Errorf("node %q: invalid address %q: %w", nc.ID, nc.Addr, err)
	}

	tunnelType := tunnel.ParseType(nc.Tunnel)

	var outgoing tunnel.OutgoingTunnel
	switch tunnelType {
	case tunnel.TypeTLS:
		tcpAddr, err := net.ResolveTCPAddr("tcp", nc.Addr)
		if err != nil {
			return nil, fmt.Errorf("node %q: invalid tls address %q: %w", nc.ID, nc.Addr, err)
		}
		opts, err := tlsOptions(nc)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", nc.ID, err)
		}
		outgoing = tunnel.NewTLSOutgoing(tcpAddr, opts...)
	default:
		opts, err := udpOptions(nc, primary)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", nc.ID, err)
		}
		outgoing = tunnel.NewUDPOutgoing(udpAddr, opts...)
	}

	return node.New(nc.ID, udpAddr, tunnelType, outgoing, maxFragmentSize, nc.Primary), nil
}

func udpOptions(nc appconfig.NodeConfig, primary *net.UDPAddr) ([]tunnel.UDPOutgoingOption, error) {
	var opts []tunnel.UDPOutgoingOption

	ttl, err := sessionTTL(nc.SessionTTL)
	if err != nil {
		return nil, err
	}

	switch {
	case ttl != 0:
		opts = append(opts, tunnel.WithSessionTTL(ttl))
	case nc.Keepwarm:
		opts = append(opts, tunnel.WithKeepwarm())
	case bool(nc.Keepalive):
		opts = append(opts, tunnel.WithKeepalive())
	}

	if primary != nil {
		opts = append(opts, tunnel.WithPrimaryNode(primary))
	}

	return opts, nil
}

func tlsOptions(nc appconfig.NodeConfig) ([]tunnel.TLSOutgoingOption, error) {
	var opts []tunnel.TLSOutgoingOption

	ttl, err := sessionTTL(nc.SessionTTL)
	if err != nil {
		return nil, err
	}

	switch {
	case ttl != 0:
		opts = append(opts, tunnel.WithTLSSessionTTL(ttl))
	case nc.Keepwarm:
		opts = append(opts, tunnel.WithTLSKeepwarm())
	case bool(nc.Keepalive):
		opts = append(opts, tunnel.WithTLSKeepalive())
	}

	if nc.CA != "" {
		opts = append(opts, tunnel.WithCA(nc.CA))
	}
	if nc.SNI != "" {
		opts = append(opts, tunnel.WithSNI(nc.SNI))
	}

	return opts, nil
}

func sessionTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid session_ttl %q: %w", raw, err)
	}
	return ttl, nil
}
