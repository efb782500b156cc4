// Package tun wraps an existing TUN interface as a plain
// Read([]byte)/Write([]byte) byte-stream of whole IP datagrams at MTU.
// There is no userspace network stack behind it: the overlay parses
// IP/TCP/UDP headers itself (internal/flowid), so the device is treated
// as opaque.
package tun

import (
	"context"

	"github.com/songgao/water"
)

// Device is a started TUN interface. Construction is platform-specific
// (see tun_linux.go/tun_other.go); everything else here is shared.
type Device struct {
	iface *water.Interface
	mtu   int
}

// MTU returns the interface's maximum transmission unit in bytes.
func (d *Device) MTU() int { return d.mtu }

// Read reads one IP datagram into buf.
func (d *Device) Read(buf []byte) (int, error) {
	return d.iface.Read(buf)
}

// Write writes one whole IP datagram.
func (d *Device) Write(buf []byte) (int, error) {
	return d.iface.Write(buf)
}

// Close releases the underlying interface handle.
func (d *Device) Close() error {
	return d.iface.Close()
}

// Pump reads datagrams from the device onto out and writes datagrams
// received on in back to the device, until ctx is cancelled.
func (d *Device) Pump(ctx context.Context, out chan<- []byte, in <-chan []byte) error {
	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, d.mtu)
		for {
			select {
			case <-ctx.Done():
				errCh <- nil
				return
			default:
			}

			n, err := d.Read(buf)
			if err != nil {
				errCh <- err
				return
			}

			payload := make([]byte, n)
			copy(payload, buf[:n])

			select {
			case out <- payload:
			case <-ctx.Done():
				errCh <- nil
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				errCh <- nil
				return
			case payload, ok := <-in:
				if !ok {
					errCh <- nil
					return
				}
				if _, err := d.Write(payload); err != nil {
					errCh <- err
					return
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
