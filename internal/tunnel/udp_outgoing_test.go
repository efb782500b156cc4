package tunnel

import (
	"net"
	"testing"
	"time"

	"olla/internal/header"
)

func TestUDPOutgoingSendRecv(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	tun := NewUDPOutgoing(server.LocalAddr().(*net.UDPAddr))

	if _, err := tun.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 64)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, peer, err := server.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if n < header.Size {
		t.Fatalf("frame too short: %db", n)
	}
	if string(buf[header.Size:n]) != "hello" {
		t.Fatalf("got %q", buf[header.Size:n])
	}

	if _, err := server.WriteToUDP([]byte("world"), peer); err != nil {
		t.Fatalf("server write: %v", err)
	}

	recvBuf := make([]byte, 64)
	n, err = tun.Recv(recvBuf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(recvBuf[:n]) != "world" {
		t.Fatalf("got %q", recvBuf[:n])
	}
}

func TestUDPOutgoingCheckConnect(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	tun := NewUDPOutgoing(server.LocalAddr().(*net.UDPAddr), WithKeepalive())
	if err := tun.CheckConnect(); err != nil {
		t.Fatalf("CheckConnect: %v", err)
	}
	if tun.socket == nil {
		t.Fatalf("expected socket to be established")
	}
}

func TestUDPOutgoingRecvBeforeConnectFails(t *testing.T) {
	tun := NewUDPOutgoing(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	if _, err := tun.Recv(make([]byte, 8)); err == nil {
		t.Fatalf("expected error recving before connect")
	}
}

func TestUDPOutgoingSessionTTLReconnects(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	tun := NewUDPOutgoing(server.LocalAddr().(*net.UDPAddr), WithSessionTTL(10*time.Millisecond))

	if err := tun.CheckConnect(); err != nil {
		t.Fatalf("CheckConnect: %v", err)
	}
	first := tun.socket

	time.Sleep(20 * time.Millisecond)

	if err := tun.ensureConnected(); err != nil {
		t.Fatalf("ensureConnected after expiry: %v", err)
	}
	if tun.socket == first {
		t.Fatalf("expected expired session to reconnect with a new socket")
	}
}

func TestUDPOutgoingKeepwarmDoesNotExpireBetweenSends(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	tun := NewUDPOutgoing(server.LocalAddr().(*net.UDPAddr), WithKeepwarm())
	tun.mode.sessionTTL = 10 * time.Millisecond

	if _, err := tun.Send([]byte("a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	first := tun.socket

	time.Sleep(20 * time.Millisecond)

	if err := tun.ensureConnected(); err != nil {
		t.Fatalf("ensureConnected: %v", err)
	}
	if tun.socket != first {
		t.Fatalf("expected keepwarm session to survive without a fresh Send refreshing it")
	}
}
