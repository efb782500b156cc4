//go:build !linux

package tun

import "fmt"

// Open is unimplemented outside Linux: the overlay's TUN handling assumes
// an interface pre-created by a Linux-specific setup script.
func Open(name string) (*Device, error) {
	return nil, fmt.Errorf("tun mode supported only on linux")
}
