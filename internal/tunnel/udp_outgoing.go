package tunnel

import (
	"log"
	"net"
	"sync"
	"time"

	"olla/internal/header"
	"olla/internal/tunerr"
)

// UDPOutgoingOption configures a UDPOutgoing tunnel at construction time.
type UDPOutgoingOption func(*UDPOutgoing)

// WithKeepalive holds the socket open indefinitely once connected.
func WithKeepalive() UDPOutgoingOption {
	return func(t *UDPOutgoing) { t.mode.setKeepalive(true) }
}

// WithKeepwarm refreshes the session's sliding expiry on every send.
func WithKeepwarm() UDPOutgoingOption {
	return func(t *UDPOutgoing) { t.mode.setKeepwarm(true) }
}

// WithSessionTTL fixes the session's expiry at ttl past connect time.
func WithSessionTTL(ttl time.Duration) UDPOutgoingOption {
	return func(t *UDPOutgoing) { t.mode.setSessionTTL(ttl) }
}

// WithPrimaryNode attaches a primary-node routing hint to every frame sent
// over this tunnel (internal/header).
func WithPrimaryNode(addr *net.UDPAddr) UDPOutgoingOption {
	return func(t *UDPOutgoing) { t.primaryNode = addr }
}

// UDPOutgoing is a connected-UDP session toward one remote peer. The
// socket is created lazily on the first Send.
type UDPOutgoing struct {
	addr        *net.UDPAddr
	primaryNode *net.UDPAddr
	mode        sessionMode

	mu             sync.RWMutex
	socket         *net.UDPConn
	sessionExpires time.Time
}

// NewUDPOutgoing builds a tunnel toward addr. The session socket is not
// opened until the first Send or CheckConnect call.
func NewUDPOutgoing(addr *net.UDPAddr, opts ...UDPOutgoingOption) *UDPOutgoing {
	t := &UDPOutgoing{addr: addr}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *UDPOutgoing) connect() (*net.UDPConn, error) {
	conn, err := net.DialUDP("udp", nil, t.addr)
	if err != nil {
		return nil, tunerr.NewConnection("udp dial failed", tunerr.ConnectError, err)
	}
	log.Printf("udp socket connected to %s", t.addr)
	return conn, nil
}

// sessionExpired reports whether the current socket's fixed TTL has
// passed. Callers must hold t.mu. Keepwarm sessions never expire here:
// their expiry slides forward on every Send instead.
func (t *UDPOutgoing) sessionExpired() bool {
	return t.socket != nil && t.mode.sessionTTL != 0 && !t.mode.keepwarm &&
		!t.sessionExpires.IsZero() && time.Now().After(t.sessionExpires)
}

func (t *UDPOutgoing) ensureConnected() error {
	t.mu.Lock()
	if t.sessionExpired() {
		t.socket.Close()
		t.socket = nil
	}
	connected := t.socket != nil
	t.mu.Unlock()
	if connected {
		return nil
	}

	conn, err := t.connect()
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.socket = conn
	if t.mode.keepwarm || t.mode.sessionTTL != 0 {
		t.sessionExpires = time.Now().Add(t.mode.sessionTTL)
	}
	t.mu.Unlock()
	return nil
}

// Send frames payload with the overlay header, attaching the primary-node
// routing hint when one was configured, and writes it whole.
func (t *UDPOutgoing) Send(payload []byte) (int, error) {
	if err := t.ensureConnected(); err != nil {
		return 0, err
	}

	framed, err := header.Encode(payload, t.primaryNode)
	if err != nil {
		return 0, err
	}

	t.mu.RLock()
	conn := t.socket
	t.mu.RUnlock()

	n, err := conn.Write(framed)
	if err != nil {
		return 0, tunerr.NewIO("udp write failed", err)
	}
	log.Printf("%d bytes written to %s", n, t.addr)

	if t.mode.keepwarm {
		t.mu.Lock()
		t.sessionExpires = time.Now().Add(t.mode.sessionTTL)
		t.mu.Unlock()
	}

	return n, nil
}

// Recv reads one datagram from the connected socket into buf.
func (t *UDPOutgoing) Recv(buf []byte) (int, error) {
	t.mu.RLock()
	conn := t.socket
	t.mu.RUnlock()
	if conn == nil {
		return 0, tunerr.NewIO("udp recv on unconnected socket", nil)
	}

	n, err := conn.Read(buf)
	if err != nil {
		return 0, tunerr.NewIO("udp read failed", err)
	}
	return n, nil
}

// RecvExact is an alias of Recv: UDP datagrams are never partially
// delivered, so there is no distinct "read until full" behaviour to add.
func (t *UDPOutgoing) RecvExact(buf []byte) (int, error) {
	return t.Recv(buf)
}

// CheckConnect forces the lazy socket open without sending a payload.
func (t *UDPOutgoing) CheckConnect() error {
	return t.ensureConnected()
}
