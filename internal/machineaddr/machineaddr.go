// Package machineaddr resolves the relay's own IPv4 address from a named
// network interface.
package machineaddr

import (
	"fmt"
	"net"
)

// Resolve returns the first IPv4 address bound to the interface named
// ifaceName. This is used for the Packet Coordinator's "is this primary
// node me" equality check; callers should abort startup if it fails
// rather than accept packets with no way to recognize their own address.
func Resolve(ifaceName string) (net.IP, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("machine address: interface %q not found: %w", ifaceName, err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("machine address: failed to read addresses of %q: %w", ifaceName, err)
	}

	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}

	return nil, fmt.Errorf("machine address: interface %q has no IPv4 address", ifaceName)
}
