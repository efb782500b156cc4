// Package coordinator implements the two coordination points of the
// overlay: the client-side Node Coordinator, which picks an outgoing node
// per payload and demuxes replies back, and the relay-side Packet
// Coordinator, which maintains the flow coordination table and routes
// packets toward a primary node or back out the TUN device.
package coordinator

import (
	"context"
	"log"
	"sync"

	"olla/internal/header"
	"olla/internal/metrics"
	"olla/internal/node"
	"olla/internal/tunerr"
	"olla/internal/tunnel"
)

// DeviceBufferSize bounds every channel in this package. Producers block
// rather than drop when a consumer falls behind.
const DeviceBufferSize = 1024

// NodeCoordinator owns the client's configured node set and picks one to
// carry each outgoing payload, subscribing to its reply stream exactly
// once per node.
type NodeCoordinator struct {
	nodes []*node.Node
	rules *Rules

	mu         sync.RWMutex
	subscribed map[string]bool
}

// NewNodeCoordinator builds a coordinator over nodes. rules may be nil.
func NewNodeCoordinator(nodes []*node.Node, rules *Rules) *NodeCoordinator {
	return &NodeCoordinator{
		nodes:      nodes,
		rules:      rules,
		subscribed: make(map[string]bool),
	}
}

// Forward spawns the egress worker reading from the returned outbound
// channel and returns (outbound, inbound): payloads pushed onto outbound
// are sent via a picked node; replies arrive on inbound.
func (c *NodeCoordinator) Forward(ctx context.Context) (chan<- []byte, <-chan []byte) {
	inbound := make(chan []byte, DeviceBufferSize)
	outbound := make(chan []byte, DeviceBufferSize)

	go func() {
		for {
			select {
			case payload, ok := <-outbound:
				if !ok {
					return
				}
				n := c.pickNode()
				if n == nil {
					log.Printf("packet omitted, no node available")
					continue
				}
				metrics.ObserveSelection(n.ID)
				if _, err := n.Tunnel.Send(payload); err != nil {
					log.Printf("tunnel error: send to node %s failed: %v", n.ID, err)
					metrics.ObserveFailure(n.ID)
					continue
				}
				c.subscribeTo(ctx, n, inbound)
			case <-ctx.Done():
				return
			}
		}
	}()

	return outbound, inbound
}

func (c *NodeCoordinator) subscribeTo(ctx context.Context, n *node.Node, inbound chan<- []byte) {
	c.mu.RLock()
	already := c.subscribed[n.ID]
	c.mu.RUnlock()
	if already {
		return
	}

	c.mu.Lock()
	if c.subscribed[n.ID] {
		c.mu.Unlock()
		return
	}
	c.subscribed[n.ID] = true
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			buf, err := recvFrame(n)
			if err != nil {
				continue
			}

			select {
			case inbound <- buf:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// recvFrame reads one framed payload from n's reply stream and strips the
// overlay header, returning just the payload. UDP datagrams are atomic: a
// single Recv call already returns a whole frame, so splitting header from
// payload is pure in-memory slicing. Stream transports like TLS carry no
// such boundary, so the header is read first to learn how many more bytes
// to pull for the payload.
func recvFrame(n *node.Node) ([]byte, error) {
	if n.TunnelType == tunnel.TypeUDP {
		return recvDatagramFrame(n)
	}
	return recvStreamFrame(n)
}

func recvDatagramFrame(n *node.Node) ([]byte, error) {
	raw := make([]byte, n.MaxFragmentSize)
	size, err := n.Tunnel.Recv(raw)
	if err != nil {
		return nil, err
	}
	if size <= header.Size {
		return nil, tunerr.NewIO("datagram frame too short", nil)
	}

	payload := make([]byte, size-header.Size)
	copy(payload, raw[header.Size:size])
	return payload, nil
}

func recvStreamFrame(n *node.Node) ([]byte, error) {
	var headerBuf [header.Size]byte
	if _, err := n.Tunnel.RecvExact(headerBuf[:]); err != nil {
		return nil, err
	}
	frame := header.Decode(headerBuf)
	payloadSize := int(frame.FrameSize) - header.Size
	if payloadSize < 0 {
		return nil, tunerr.NewIO("stream frame size invalid", nil)
	}

	buf := make([]byte, payloadSize)
	if _, err := n.Tunnel.RecvExact(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *NodeCoordinator) pickNode() *node.Node {
	if c.rules != nil {
		return c.pickPolicyNode()
	}
	return c.pickRandomNode()
}

func (c *NodeCoordinator) pickRandomNode() *node.Node {
	if len(c.nodes) == 0 {
		return nil
	}
	return c.nodes[randIntn(len(c.nodes))]
}

// pickPolicyNode filters the configured nodes by the rules' tunnel-type
// allowlist and node-count cap, then picks uniformly at random among the
// survivors.
func (c *NodeCoordinator) pickPolicyNode() *node.Node {
	candidates := make([]*node.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		if c.rules.allows(n.TunnelType) {
			candidates = append(candidates, n)
		}
	}

	if max := c.rules.maxNodes(); max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	if len(candidates) == 0 {
		return nil
	}
	return candidates[randIntn(len(candidates))]
}
