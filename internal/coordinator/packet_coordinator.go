package coordinator

import (
	"context"
	"log"
	"net"
	"runtime"
	"sync"

	"olla/internal/flowid"
	"olla/internal/header"
	"olla/internal/node"
	"olla/internal/tunerr"
	"olla/internal/tunnel"
)

// PacketCoordinator is the relay-side counterpart of NodeCoordinator: it
// maintains the flow coordination table (flow identity -> reverse-path
// peer) and routes every ingress packet either back out the local TUN
// device or onward to a primary node named in the packet's header.
type PacketCoordinator struct {
	nodes       []*node.Node
	machineAddr net.IP

	tableMu sync.RWMutex
	table   map[string]string

	primaryMu    sync.RWMutex
	primaryNodes map[string]bool
}

// NewPacketCoordinator builds a coordinator for a relay whose own IPv4
// address is machineAddr (used to recognize "route to me" headers).
func NewPacketCoordinator(machineAddr net.IP, nodes []*node.Node) *PacketCoordinator {
	return &PacketCoordinator{
		nodes:        nodes,
		machineAddr:  machineAddr,
		table:        make(map[string]string),
		primaryNodes: make(map[string]bool),
	}
}

// Forward spawns N = runtime.NumCPU() ingress workers and one egress
// worker. ingress is the channel an incoming tunnel should push received
// (peer, raw-datagram) messages onto; the returned channel is what an
// incoming tunnel's write loop should drain to send replies back out.
func (pc *PacketCoordinator) Forward(ctx context.Context, tunWrite chan<- []byte, tunRead <-chan []byte) (chan<- tunnel.IncomingMessage, <-chan tunnel.IncomingMessage) {
	ingress := make(chan tunnel.IncomingMessage, DeviceBufferSize)
	egress := make(chan tunnel.IncomingMessage, DeviceBufferSize)

	cores := runtime.NumCPU()
	if cores < 1 {
		cores = 1
	}
	for i := 0; i < cores; i++ {
		go pc.ingressWorker(ctx, ingress, tunWrite, egress)
	}

	go pc.egressWorker(ctx, tunRead, egress)

	return ingress, egress
}

func (pc *PacketCoordinator) ingressWorker(ctx context.Context, ingress <-chan tunnel.IncomingMessage, tunWrite chan<- []byte, egress chan<- tunnel.IncomingMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ingress:
			if !ok {
				return
			}
			pc.handleIngress(ctx, msg, tunWrite, egress)
		}
	}
}

func (pc *PacketCoordinator) handleIngress(ctx context.Context, msg tunnel.IncomingMessage, tunWrite chan<- []byte, egress chan<- tunnel.IncomingMessage) {
	if len(msg.Payload) <= header.Size {
		log.Printf("packet omitted, unusual size: %db", len(msg.Payload))
		return
	}

	var headerBuf [header.Size]byte
	copy(headerBuf[:], msg.Payload[:header.Size])
	frame := header.Decode(headerBuf)
	payload := msg.Payload[header.Size:]

	identity, ok := flowid.SourceIdentity(payload)
	if !ok {
		log.Printf("packet omitted, source identity not found")
		return
	}

	if frame.HasPrimaryNode() && !frame.PrimaryNodeIP.Equal(pc.machineAddr) {
		addr := &net.UDPAddr{IP: frame.PrimaryNodeIP, Port: int(frame.PrimaryNodePort)}
		if err := pc.routeTo(ctx, addr, payload, egress); err != nil {
			log.Printf("tunnel error: route to primary node %s failed: %v", addr, err)
		}
	} else {
		select {
		case tunWrite <- payload:
		case <-ctx.Done():
			return
		}
	}

	pc.addCoordination(identity, msg.Peer)
}

// routeTo forwards payload to the node bound at addr, spawning the
// reply-demux task for that node exactly once across the coordinator's
// lifetime.
func (pc *PacketCoordinator) routeTo(ctx context.Context, addr *net.UDPAddr, payload []byte, egress chan<- tunnel.IncomingMessage) error {
	var target *node.Node
	for _, n := range pc.nodes {
		if n.Addr.IP.Equal(addr.IP) && n.Addr.Port == addr.Port {
			target = n
			break
		}
	}
	if target == nil {
		return tunerr.NewConnection("no such primary node", tunerr.NoPeerFound, nil)
	}

	key := addr.String()

	pc.primaryMu.RLock()
	started := pc.primaryNodes[key]
	pc.primaryMu.RUnlock()

	if _, err := target.Tunnel.Send(payload); err != nil {
		return err
	}

	if started {
		return nil
	}

	pc.primaryMu.Lock()
	if pc.primaryNodes[key] {
		pc.primaryMu.Unlock()
		return nil
	}
	pc.primaryNodes[key] = true
	pc.primaryMu.Unlock()

	go pc.replyDemux(ctx, target, egress)
	return nil
}

func (pc *PacketCoordinator) replyDemux(ctx context.Context, n *node.Node, egress chan<- tunnel.IncomingMessage) {
	buf := make([]byte, n.MaxFragmentSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		size, err := n.Tunnel.Recv(buf)
		if err != nil {
			continue
		}
		if size <= header.Size {
			log.Printf("packet omitted, unusual size: %db", size)
			continue
		}
		payload := buf[header.Size:size]

		identity, ok := flowid.DestinationIdentity(payload)
		if !ok {
			log.Printf("packet omitted, destination identity not found")
			continue
		}

		peer, ok := pc.getCoordination(identity)
		if !ok {
			log.Printf("packet omitted, coordination not found")
			continue
		}

		reply := make([]byte, len(payload))
		copy(reply, payload)

		select {
		case egress <- tunnel.IncomingMessage{Peer: peer, Payload: reply}:
		case <-ctx.Done():
			return
		}
	}
}

func (pc *PacketCoordinator) egressWorker(ctx context.Context, tunRead <-chan []byte, egress chan<- tunnel.IncomingMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-tunRead:
			if !ok {
				return
			}

			identity, ok := flowid.DestinationIdentity(payload)
			if !ok {
				log.Printf("packet omitted, destination identity not found")
				continue
			}

			peer, ok := pc.getCoordination(identity)
			if !ok {
				log.Printf("packet omitted, coordination not found")
				continue
			}

			select {
			case egress <- tunnel.IncomingMessage{Peer: peer, Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (pc *PacketCoordinator) addCoordination(identity, peer string) {
	pc.tableMu.Lock()
	pc.table[identity] = peer
	pc.tableMu.Unlock()
}

func (pc *PacketCoordinator) getCoordination(identity string) (string, bool) {
	pc.tableMu.RLock()
	defer pc.tableMu.RUnlock()
	peer, ok := pc.table[identity]
	return peer, ok
}
