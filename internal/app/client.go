package app

import (
	"context"
	"fmt"
	"log"
	"net"

	"olla/internal/appconfig"
	"olla/internal/coordinator"
	"olla/internal/header"
	"olla/internal/node"
	"olla/internal/tun"
	"olla/internal/tunnel"
)

// RunClient runs the overlay in client mode: traffic read off a local TUN
// device is handed to the Node Coordinator, which picks a node to carry it
// and demuxes replies back onto the device.
func RunClient(ctx context.Context, configPath string) error {
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return err
	}

	var primaryNode *appconfig.NodeConfig
	for i := range cfg.Nodes {
		if cfg.Nodes[i].Primary {
			primaryNode = &cfg.Nodes[i]
			break
		}
	}
	if primaryNode == nil {
		return fmt.Errorf("client mode requires a [[nodes]] entry with primary = true")
	}

	primaryAddr, err := net.ResolveUDPAddr("udp", primaryNode.Addr)
	if err != nil {
		return fmt.Errorf("invalid primary node address %q: %w", primaryNode.Addr, err)
	}

	maxFragmentSize := cfg.Device.MTU + header.Size

	nodes := make([]*node.Node, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		n, err := buildNode(nc, maxFragmentSize, primaryAddr)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}

	rules := buildRules(cfg.Rules)

	device, err := tun.Open(cfg.Device.Name)
	if err != nil {
		return fmt.Errorf("open tun device %q: %w", cfg.Device.Name, err)
	}
	defer device.Close()

	nodeCoord := coordinator.NewNodeCoordinator(nodes, rules)

	deviceOut := make(chan []byte, coordinator.DeviceBufferSize)
	deviceIn := make(chan []byte, coordinator.DeviceBufferSize)
	go func() {
		if err := device.Pump(ctx, deviceOut, deviceIn); err != nil {
			log.Printf("tun device stopped: %v", err)
		}
	}()

	outbound, inbound := nodeCoord.Forward(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-deviceOut:
				if !ok {
					return
				}
				select {
				case outbound <- payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-inbound:
			if !ok {
				return nil
			}
			select {
			case deviceIn <- payload:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func buildRules(rc *appconfig.RulesConfig) *coordinator.Rules {
	if rc == nil {
		return nil
	}

	filter := &coordinator.NodeFilter{MaxNodes: rc.Nodes}
	for _, t := range rc.Tunnels {
		filter.Tunnels = append(filter.Tunnels, tunnel.ParseType(t))
	}

	return &coordinator.Rules{Filter: filter}
}
