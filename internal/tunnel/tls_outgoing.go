package tunnel

import (
	"crypto/tls"
	"crypto/x509"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"olla/internal/header"
	"olla/internal/tunerr"
)

// TLSOutgoingOption configures a TLSOutgoing tunnel at construction time.
type TLSOutgoingOption func(*TLSOutgoing)

func WithTLSKeepalive() TLSOutgoingOption {
	return func(t *TLSOutgoing) { t.mode.setKeepalive(true) }
}

func WithTLSKeepwarm() TLSOutgoingOption {
	return func(t *TLSOutgoing) { t.mode.setKeepwarm(true) }
}

func WithTLSSessionTTL(ttl time.Duration) TLSOutgoingOption {
	return func(t *TLSOutgoing) { t.mode.setSessionTTL(ttl) }
}

// WithCA loads a PEM certificate bundle used to validate the server's
// certificate chain.
func WithCA(path string) TLSOutgoingOption {
	return func(t *TLSOutgoing) { t.caPath = path }
}

// WithSNI sets the server name sent in the TLS ClientHello.
func WithSNI(name string) TLSOutgoingOption {
	return func(t *TLSOutgoing) { t.sni = name }
}

// TLSOutgoing is a TLS-over-TCP session toward one remote peer. wMu guards
// the connection handle and is held for the whole of a write; readers hold
// it only long enough to copy the handle, so a blocked reader never stalls
// a writer. rMu guards the session expiry.
type TLSOutgoing struct {
	addr   *net.TCPAddr
	caPath string
	sni    string
	mode   sessionMode

	wMu  sync.Mutex
	conn net.Conn

	rMu            sync.Mutex
	sessionExpires time.Time
}

func NewTLSOutgoing(addr *net.TCPAddr, opts ...TLSOutgoingOption) *TLSOutgoing {
	t := &TLSOutgoing{addr: addr}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TLSOutgoing) tlsConfig() (*tls.Config, error) {
	pool := x509.NewCertPool()
	pem, err := os.ReadFile(t.caPath)
	if err != nil {
		return nil, tunerr.NewConnection("failed to read ca bundle", tunerr.ConnectError, err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, tunerr.NewConnection("ca bundle contains no usable certificates", tunerr.SNIParsingError, nil)
	}

	return &tls.Config{
		RootCAs:    pool,
		ServerName: t.sni,
		MinVersion: tls.VersionTLS12,
	}, nil
}

func (t *TLSOutgoing) connect() (net.Conn, error) {
	cfg, err := t.tlsConfig()
	if err != nil {
		return nil, err
	}

	tcpConn, err := net.DialTCP("tcp", nil, t.addr)
	if err != nil {
		return nil, tunerr.NewConnection("tcp dial failed", tunerr.ConnectError, err)
	}

	conn := tls.Client(tcpConn, cfg)
	if err := conn.Handshake(); err != nil {
		return nil, tunerr.NewConnection("tls handshake failed", tunerr.TLSConnectError, err)
	}

	log.Printf("tls socket connected to %s", t.addr)
	return conn, nil
}

// sessionExpired reports whether the current connection's fixed TTL has
// passed. Keepwarm sessions never expire here: their expiry slides
// forward on every Send instead.
func (t *TLSOutgoing) sessionExpired() bool {
	if t.mode.sessionTTL == 0 || t.mode.keepwarm {
		return false
	}
	t.rMu.Lock()
	defer t.rMu.Unlock()
	return !t.sessionExpires.IsZero() && time.Now().After(t.sessionExpires)
}

func (t *TLSOutgoing) ensureConnected() error {
	t.wMu.Lock()
	defer t.wMu.Unlock()
	if t.conn != nil {
		if !t.sessionExpired() {
			return nil
		}
		t.conn.Close()
		t.conn = nil
	}

	conn, err := t.connect()
	if err != nil {
		return err
	}
	t.conn = conn

	if t.mode.keepwarm || t.mode.sessionTTL != 0 {
		t.rMu.Lock()
		t.sessionExpires = time.Now().Add(t.mode.sessionTTL)
		t.rMu.Unlock()
	}
	return nil
}

// Send frames payload with the overlay header and writes it whole.
func (t *TLSOutgoing) Send(payload []byte) (int, error) {
	if err := t.ensureConnected(); err != nil {
		return 0, err
	}

	framed, err := header.Encode(payload, nil)
	if err != nil {
		return 0, err
	}

	t.wMu.Lock()
	defer t.wMu.Unlock()

	n, err := t.conn.Write(framed)
	if err != nil {
		return 0, tunerr.NewIO("tls write failed", err)
	}

	if t.mode.keepwarm {
		t.rMu.Lock()
		t.sessionExpires = time.Now().Add(t.mode.sessionTTL)
		t.rMu.Unlock()
	}

	return n, nil
}

// Recv reads whatever is available into buf.
func (t *TLSOutgoing) Recv(buf []byte) (int, error) {
	t.wMu.Lock()
	conn := t.conn
	t.wMu.Unlock()
	if conn == nil {
		return 0, tunerr.NewIO("tls recv on unconnected socket", nil)
	}

	n, err := conn.Read(buf)
	if err != nil {
		return 0, tunerr.NewIO("tls read failed", err)
	}
	return n, nil
}

// RecvExact reads until buf is completely filled.
func (t *TLSOutgoing) RecvExact(buf []byte) (int, error) {
	t.wMu.Lock()
	conn := t.conn
	t.wMu.Unlock()
	if conn == nil {
		return 0, tunerr.NewIO("tls recv on unconnected socket", nil)
	}

	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, tunerr.NewIO("tls read_exact failed", err)
		}
	}
	return total, nil
}

// CheckConnect dials and immediately shuts down, to prove reachability
// without leaving a connection open. Shutting down cleanly rather than
// dropping the socket keeps the peer's log free of a spurious EOF.
func (t *TLSOutgoing) CheckConnect() error {
	if err := t.ensureConnected(); err != nil {
		return err
	}
	return t.Shutdown()
}

// Shutdown closes the underlying connection. It is a no-op when no
// connection was ever established.
func (t *TLSOutgoing) Shutdown() error {
	t.wMu.Lock()
	conn := t.conn
	t.conn = nil
	t.wMu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return tunerr.NewConnection("tls shutdown failed", tunerr.DefaultCode, err)
	}
	return nil
}
