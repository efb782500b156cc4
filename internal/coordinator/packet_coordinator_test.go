package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"olla/internal/header"
	"olla/internal/node"
	"olla/internal/tunnel"
)

func buildIPv4UDP(t *testing.T, srcIP, dstIP [4]byte, srcPort, dstPort uint16, body []byte) []byte {
	t.Helper()
	buf := make([]byte, 20+8+len(body))
	buf[0] = 0x45
	buf[9] = 17
	copy(buf[12:16], srcIP[:])
	copy(buf[16:20], dstIP[:])
	udp := buf[20:]
	udp[0], udp[1] = byte(srcPort>>8), byte(srcPort)
	udp[2], udp[3] = byte(dstPort>>8), byte(dstPort)
	copy(udp[8:], body)
	return buf
}

func TestPacketCoordinatorRoutesToTunAndBuildsCoordinationTable(t *testing.T) {
	pc := NewPacketCoordinator(net.IPv4(10, 0, 0, 1), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tunWrite := make(chan []byte, 4)
	tunRead := make(chan []byte, 4)

	ingress, egress := pc.Forward(ctx, tunWrite, tunRead)

	datagram := buildIPv4UDP(t, [4]byte{192, 168, 1, 10}, [4]byte{8, 8, 8, 8}, 55000, 443, []byte("payload"))
	framed, err := header.Encode(datagram, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	ingress <- tunnel.IncomingMessage{Peer: "203.0.113.5:4000", Payload: framed}

	select {
	case out := <-tunWrite:
		if string(out) != string(datagram) {
			t.Fatalf("tun write payload mismatch")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tun write")
	}

	// give the ingress worker a moment to record the coordination entry
	time.Sleep(50 * time.Millisecond)

	reply := buildIPv4UDP(t, [4]byte{8, 8, 8, 8}, [4]byte{192, 168, 1, 10}, 443, 55000, []byte("reply"))
	tunRead <- reply

	select {
	case msg := <-egress:
		if msg.Peer != "203.0.113.5:4000" {
			t.Fatalf("expected reply routed back to original peer, got %q", msg.Peer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for egress reply")
	}
}

func TestPacketCoordinatorDropsUndersizedPacket(t *testing.T) {
	pc := NewPacketCoordinator(net.IPv4(10, 0, 0, 1), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tunWrite := make(chan []byte, 4)
	tunRead := make(chan []byte, 4)
	ingress, _ := pc.Forward(ctx, tunWrite, tunRead)

	ingress <- tunnel.IncomingMessage{Peer: "203.0.113.5:4000", Payload: []byte{1, 2, 3}}

	select {
	case <-tunWrite:
		t.Fatal("undersized packet should have been dropped, not forwarded")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPacketCoordinatorRoutesToPrimaryNode(t *testing.T) {
	tun := newFakeOutgoing()
	primaryAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5555}
	n := node.New("relay-2", primaryAddr, tunnel.TypeUDP, tun, 1500, false)

	pc := NewPacketCoordinator(net.IPv4(10, 0, 0, 1), []*node.Node{n})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tunWrite := make(chan []byte, 4)
	tunRead := make(chan []byte, 4)
	ingress, _ := pc.Forward(ctx, tunWrite, tunRead)

	datagram := buildIPv4UDP(t, [4]byte{192, 168, 1, 10}, [4]byte{8, 8, 8, 8}, 55000, 443, []byte("payload"))
	framed, err := header.Encode(datagram, primaryAddr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	ingress <- tunnel.IncomingMessage{Peer: "203.0.113.5:4000", Payload: framed}

	deadline := time.After(2 * time.Second)
	for tun.sentCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for routed send to primary node")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPacketCoordinatorReplyDemuxStripsHeaderBeforeRouting(t *testing.T) {
	tun := newFakeOutgoing()
	primaryAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5555}
	n := node.New("relay-2", primaryAddr, tunnel.TypeUDP, tun, 1500, false)

	pc := NewPacketCoordinator(net.IPv4(10, 0, 0, 1), []*node.Node{n})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tunWrite := make(chan []byte, 4)
	tunRead := make(chan []byte, 4)
	ingress, egress := pc.Forward(ctx, tunWrite, tunRead)

	datagram := buildIPv4UDP(t, [4]byte{192, 168, 1, 10}, [4]byte{8, 8, 8, 8}, 55000, 443, []byte("payload"))
	framed, err := header.Encode(datagram, primaryAddr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ingress <- tunnel.IncomingMessage{Peer: "203.0.113.5:4000", Payload: framed}

	deadline := time.After(2 * time.Second)
	for tun.sentCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for routed send to primary node")
		case <-time.After(10 * time.Millisecond):
		}
	}

	reply := buildIPv4UDP(t, [4]byte{8, 8, 8, 8}, [4]byte{192, 168, 1, 10}, 443, 55000, []byte("reply"))
	framedReply, err := header.Encode(reply, nil)
	if err != nil {
		t.Fatalf("Encode reply: %v", err)
	}
	tun.reply <- framedReply

	select {
	case msg := <-egress:
		if msg.Peer != "203.0.113.5:4000" {
			t.Fatalf("expected reply routed back to original peer, got %q", msg.Peer)
		}
		if string(msg.Payload) != string(reply) {
			t.Fatalf("expected header-stripped reply payload, got %d bytes", len(msg.Payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for demuxed reply")
	}
}
