package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"olla/internal/header"
)

func TestTLSOutgoingIncomingRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := generateSelfSignedCert(t, dir)

	probe, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	bound := probe.Addr().(*net.TCPAddr)
	probe.Close()

	incoming := NewTLSIncoming(bound, certPath, keyPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan IncomingMessage, 4)
	if err := incoming.Forward(ctx, out); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// give the listener a moment to come up before dialing
	time.Sleep(50 * time.Millisecond)

	client := NewTLSOutgoing(bound, WithCA(certPath), WithSNI("127.0.0.1"))
	if _, err := client.Send([]byte("overlay-payload")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-out:
		if len(msg.Payload) < header.Size {
			t.Fatalf("frame too short: %db", len(msg.Payload))
		}
		if string(msg.Payload[header.Size:]) != "overlay-payload" {
			t.Fatalf("got payload %q", msg.Payload[header.Size:])
		}
		if _, err := incoming.Write(msg.Peer, []byte("reply")); err != nil {
			t.Fatalf("incoming.Write: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for framed payload")
	}

	var headerBuf [header.Size]byte
	if _, err := client.RecvExact(headerBuf[:]); err != nil {
		t.Fatalf("RecvExact header: %v", err)
	}
	frame := header.Decode(headerBuf)
	payload := make([]byte, int(frame.FrameSize)-header.Size)
	if _, err := client.RecvExact(payload); err != nil {
		t.Fatalf("RecvExact payload: %v", err)
	}
	if string(payload) != "reply" {
		t.Fatalf("got reply payload %q", payload)
	}

	if err := client.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := client.Shutdown(); err != nil {
		t.Fatalf("second Shutdown should be a no-op: %v", err)
	}
}
