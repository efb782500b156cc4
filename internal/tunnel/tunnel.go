// Package tunnel implements the four tunnel shapes an overlay node can
// speak: outgoing UDP, outgoing TLS, incoming UDP (relay-side fan-in) and
// incoming TLS (relay-side fan-in). All four share the same framing
// (internal/header) and error taxonomy (internal/tunerr).
package tunnel

import "time"

// Type names the wire transport a node config entry selects.
type Type int

const (
	TypeUnknown Type = iota
	TypeUDP
	TypeTLS
	TypeTCP
	TypeRTMP
)

func (t Type) String() string {
	switch t {
	case TypeUDP:
		return "udp"
	case TypeTLS:
		return "tls"
	case TypeTCP:
		return "tcp"
	case TypeRTMP:
		return "rtmp"
	default:
		return "unknown"
	}
}

// ParseType maps a TOML tunnel-type string to a Type. Unrecognized values
// map to TypeUnknown rather than failing, matching the permissive
// string-to-type conversion used elsewhere in this config loader.
func ParseType(s string) Type {
	switch s {
	case "udp":
		return TypeUDP
	case "tls":
		return TypeTLS
	case "tcp":
		return TypeTCP
	case "rtmp":
		return TypeRTMP
	default:
		return TypeUnknown
	}
}

// OutgoingTunnel is a client/relay-side session toward one remote peer.
type OutgoingTunnel interface {
	Send(payload []byte) (int, error)
	Recv(buf []byte) (int, error)
	RecvExact(buf []byte) (int, error)
	CheckConnect() error
}

// sessionMode captures which lifecycle mode a tunnel builder has settled
// on. Enabling keepalive clears both keepwarm and sessionTTL; enabling
// keepwarm or setting a nonzero sessionTTL clears only keepalive, so
// keepwarm and sessionTTL can be set together (keepwarm slides its expiry
// forward by sessionTTL on every send). This mirrors `set_keepalive`/
// `set_session_ttl`/`set_keepwarm` in the reference outgoing tunnels.
type sessionMode struct {
	keepalive  bool
	keepwarm   bool
	sessionTTL time.Duration
}

func (m *sessionMode) setKeepalive(v bool) {
	if v {
		m.sessionTTL = 0
		m.keepwarm = false
	}
	m.keepalive = v
}

func (m *sessionMode) setKeepwarm(v bool) {
	if v {
		m.keepalive = false
	}
	m.keepwarm = v
}

func (m *sessionMode) setSessionTTL(ttl time.Duration) {
	if ttl != 0 {
		m.keepalive = false
	}
	m.sessionTTL = ttl
}
