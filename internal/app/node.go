package app

import (
	"context"
	"fmt"
	"log"
	"net"

	"olla/internal/appconfig"
	"olla/internal/coordinator"
	"olla/internal/header"
	"olla/internal/machineaddr"
	"olla/internal/node"
	"olla/internal/tun"
	"olla/internal/tunnel"
)

// machineInterface is the network interface the relay resolves its own
// address from. Hardcoded rather than exposed as a config field.
const machineInterface = "eth0"

// RunNode runs the overlay in relay mode: it receives framed traffic on its
// incoming tunnel, routes each packet to the primary node named in its
// header or hands it to the local TUN device, and relays replies (read off
// the TUN device or from a primary node) back to whichever node/client peer
// last reached it, maintaining the flow coordination table across both
// directions.
func RunNode(ctx context.Context, configPath string) error {
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Tunnels) == 0 {
		return fmt.Errorf("node mode requires a [[tunnels]] listener")
	}

	maxFragmentSize := cfg.Device.MTU + header.Size

	nodes := make([]*node.Node, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		n, err := buildNode(nc, maxFragmentSize, nil)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}

	device, err := tun.Open(cfg.Device.Name)
	if err != nil {
		return fmt.Errorf("open tun device %q: %w", cfg.Device.Name, err)
	}
	defer device.Close()

	machineAddr, err := machineaddr.Resolve(machineInterface)
	if err != nil {
		return err
	}
	log.Printf("relay machine address resolved to %s", machineAddr)

	pc := coordinator.NewPacketCoordinator(machineAddr, nodes)

	deviceOut := make(chan []byte, coordinator.DeviceBufferSize)
	deviceIn := make(chan []byte, coordinator.DeviceBufferSize)
	go func() {
		if err := device.Pump(ctx, deviceOut, deviceIn); err != nil {
			log.Printf("tun device stopped: %v", err)
		}
	}()

	ingress, egress := pc.Forward(ctx, deviceIn, deviceOut)

	return runIncomingTunnel(ctx, cfg.Tunnels[0], maxFragmentSize, ingress, egress)
}

func runIncomingTunnel(ctx context.Context, tc appconfig.TunnelConfig, bufferSize int, ingress chan<- tunnel.IncomingMessage, egress <-chan tunnel.IncomingMessage) error {
	type incomingTunnel interface {
		Forward(ctx context.Context, out chan<- tunnel.IncomingMessage) error
		Write(peer string, payload []byte) (int, error)
	}

	var listener incomingTunnel
	switch tunnel.ParseType(tc.Type) {
	case tunnel.TypeTLS:
		tcpAddr, err := net.ResolveTCPAddr("tcp", tc.Addr)
		if err != nil {
			return fmt.Errorf("invalid tunnel address %q: %w", tc.Addr, err)
		}
		listener = tunnel.NewTLSIncoming(tcpAddr, tc.Cert, tc.Key)
	default:
		udpAddr, err := net.ResolveUDPAddr("udp", tc.Addr)
		if err != nil {
			return fmt.Errorf("invalid tunnel address %q: %w", tc.Addr, err)
		}
		listener = tunnel.NewUDPIncoming(udpAddr, bufferSize)
	}

	if err := listener.Forward(ctx, ingress); err != nil {
		return fmt.Errorf("start incoming tunnel: %w", err)
	}
	log.Printf("incoming %s tunnel listening on %s", tc.Type, tc.Addr)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-egress:
			if !ok {
				return nil
			}
			if _, err := listener.Write(msg.Peer, msg.Payload); err != nil {
				log.Printf("failed to write payload to %s: %v", msg.Peer, err)
			}
		}
	}
}
