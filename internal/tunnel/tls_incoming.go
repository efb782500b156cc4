package tunnel

import (
	"context"
	"crypto/tls"
	"io"
	"log"
	"net"
	"sync"

	"olla/internal/header"
	"olla/internal/tunerr"
)

// TLSIncoming is a TCP listener accepting TLS client connections and
// fanning their framed payloads into a single channel.
type TLSIncoming struct {
	addr     *net.TCPAddr
	certFile string
	keyFile  string

	mu    sync.RWMutex
	peers map[string]net.Conn
}

func NewTLSIncoming(addr *net.TCPAddr, certFile, keyFile string) *TLSIncoming {
	return &TLSIncoming{
		addr:     addr,
		certFile: certFile,
		keyFile:  keyFile,
		peers:    make(map[string]net.Conn),
	}
}

// Forward accepts connections until ctx is cancelled, streaming each
// peer's frames (header included) onto out.
func (t *TLSIncoming) Forward(ctx context.Context, out chan<- IncomingMessage) error {
	cert, err := tls.LoadX509KeyPair(t.certFile, t.keyFile)
	if err != nil {
		return tunerr.NewConnection("failed to load tls certificate", tunerr.ConnectError, err)
	}

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	listener, err := tls.Listen("tcp", t.addr.String(), cfg)
	if err != nil {
		return tunerr.NewConnection("tls listen failed", tunerr.ConnectError, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				log.Printf("tls accept failed: %v", err)
				continue
			}

			peer := conn.RemoteAddr().String()
			log.Printf("%s new peer connected", peer)

			t.mu.Lock()
			t.peers[peer] = conn
			t.mu.Unlock()

			go t.readPeer(ctx, peer, conn, out)
		}
	}()

	return nil
}

// readPeer chunks the TLS byte stream into discrete frames using the
// length prefix in each overlay header, but hands the frame on whole
// (header and payload together) so the packet coordinator remains the
// single place that decodes a header, matching the framing the UDP
// incoming tunnel already preserves.
func (t *TLSIncoming) readPeer(ctx context.Context, peer string, conn net.Conn, out chan<- IncomingMessage) {
	defer func() {
		t.mu.Lock()
		delete(t.peers, peer)
		t.mu.Unlock()
		conn.Close()
	}()

	var headerBuf [header.Size]byte
	for {
		if _, err := io.ReadFull(conn, headerBuf[:]); err != nil {
			return
		}

		frame := header.Decode(headerBuf)
		if frame.FrameSize == 0 {
			continue
		}

		payloadSize := int(frame.FrameSize) - header.Size
		if payloadSize < 0 {
			return
		}

		framed := make([]byte, header.Size+payloadSize)
		copy(framed, headerBuf[:])
		if _, err := io.ReadFull(conn, framed[header.Size:]); err != nil {
			return
		}

		select {
		case out <- IncomingMessage{Peer: peer, Payload: framed}:
		case <-ctx.Done():
			return
		}
	}
}

// Write frames payload and sends it to peer's write half. An unknown peer
// returns (0, nil): a silent drop rather than a "no peer found" error,
// since a peer can disconnect between routing decision and write.
func (t *TLSIncoming) Write(peer string, payload []byte) (int, error) {
	t.mu.RLock()
	conn, ok := t.peers[peer]
	t.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	framed, err := header.Encode(payload, nil)
	if err != nil {
		return 0, err
	}

	n, err := conn.Write(framed)
	if err != nil {
		t.mu.Lock()
		delete(t.peers, peer)
		t.mu.Unlock()
		return 0, tunerr.NewIO("tls write failed", err)
	}
	return n, nil
}
