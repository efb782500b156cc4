package tunnel

import (
	"context"
	"fmt"
	"log"
	"net"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"olla/internal/header"
	"olla/internal/tunerr"
)

// IncomingMessage is one datagram received on a relay's reuse-port socket
// set, tagged with the peer it arrived from.
type IncomingMessage struct {
	Peer    string
	Payload []byte
}

// UDPIncoming fans a reuse-port socket set into a single bounded channel.
// N = runtime.NumCPU() sockets (at least one) are bound to the same
// address with SO_REUSEPORT and IP_PKTINFO, spreading kernel-level load
// balancing across cores instead of fanning in behind one socket.
type UDPIncoming struct {
	addr       *net.UDPAddr
	bufferSize int

	mu      sync.RWMutex
	sockets []*net.UDPConn
}

// NewUDPIncoming builds an incoming UDP tunnel. bufferSize should be
// device_mtu + header.Size, sized by the caller from config rather than a
// hard-coded constant.
func NewUDPIncoming(addr *net.UDPAddr, bufferSize int) *UDPIncoming {
	return &UDPIncoming{addr: addr, bufferSize: bufferSize}
}

func listenReusePort(addr *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return nil, err
	}

	conn := pc.(*net.UDPConn)
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// Forward spawns one goroutine per reuse-port socket, each pushing
// received datagrams onto out. Forward returns once all sockets are bound;
// the goroutines keep running until ctx is cancelled.
func (t *UDPIncoming) Forward(ctx context.Context, out chan<- IncomingMessage) error {
	cores := runtime.NumCPU()
	if cores < 1 {
		cores = 1
	}

	sockets := make([]*net.UDPConn, 0, cores)
	for i := 0; i < cores; i++ {
		conn, err := listenReusePort(t.addr)
		if err != nil {
			for _, s := range sockets {
				s.Close()
			}
			return tunerr.NewConnection("udp reuseport bind failed", tunerr.ConnectError, err)
		}
		sockets = append(sockets, conn)
	}

	t.mu.Lock()
	t.sockets = sockets
	t.mu.Unlock()

	for _, conn := range sockets {
		go t.recvLoop(ctx, conn, out)
	}

	go func() {
		<-ctx.Done()
		t.mu.RLock()
		defer t.mu.RUnlock()
		for _, s := range t.sockets {
			s.Close()
		}
	}()

	return nil
}

func (t *UDPIncoming) recvLoop(ctx context.Context, conn *net.UDPConn, out chan<- IncomingMessage) {
	buf := make([]byte, t.bufferSize)

	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Printf("failed to read incoming udp payload: %v", err)
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case out <- IncomingMessage{Peer: peer.String(), Payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

// Write frames payload with the overlay header and sends it to peer (an
// "ip:port" string) over the first available reuse-port socket, matching
// the framing every other hop in the overlay uses.
func (t *UDPIncoming) Write(peer string, payload []byte) (int, error) {
	addr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return 0, tunerr.NewStrict(fmt.Sprintf("invalid peer address %q", peer), tunerr.DefaultCode)
	}

	framed, err := header.Encode(payload, nil)
	if err != nil {
		return 0, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.sockets) == 0 {
		return 0, tunerr.NewIO("udp write before forward started", nil)
	}

	n, err := t.sockets[0].WriteToUDP(framed, addr)
	if err != nil {
		return 0, tunerr.NewIO("udp write failed", err)
	}
	return n, nil
}
