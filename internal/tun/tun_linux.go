//go:build linux

package tun

import (
	"fmt"
	"net"

	"github.com/songgao/water"
)

// Open attaches to the existing TUN interface named name (created ahead of
// time by an external script) and reports its MTU.
func Open(name string) (*Device, error) {
	if name == "" {
		return nil, fmt.Errorf("tun device name is empty")
	}
	if _, err := net.InterfaceByName(name); err != nil {
		return nil, fmt.Errorf("tun interface %q not found: %w", name, err)
	}

	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open tun %q: %w", name, err)
	}

	ifi, err := net.InterfaceByName(name)
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("InterfaceByName(%q): %w", name, err)
	}

	mtu := ifi.MTU
	if mtu <= 0 {
		mtu = 1500
	}

	return &Device{iface: iface, mtu: mtu}, nil
}
