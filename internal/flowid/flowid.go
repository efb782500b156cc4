// Package flowid derives the textual "ip:port" flow identity from a raw
// IPv4/IPv6 datagram carrying TCP or UDP. ICMP and any other next-header
// protocol, and malformed or truncated packets, yield no identity; this
// package never fails loudly.
package flowid

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// SourceIdentity returns the "src-ip:src-port" tuple of payload, or
// ("", false) when payload isn't a TCP/UDP datagram over IPv4/IPv6.
func SourceIdentity(payload []byte) (string, bool) {
	return identity(payload, true)
}

// DestinationIdentity returns the "dst-ip:dst-port" tuple of payload, or
// ("", false) when payload isn't a TCP/UDP datagram over IPv4/IPv6.
func DestinationIdentity(payload []byte) (string, bool) {
	return identity(payload, false)
}

func identity(payload []byte, source bool) (string, bool) {
	if len(payload) < 1 {
		return "", false
	}

	switch payload[0] >> 4 {
	case 4:
		return ipv4Identity(payload, source)
	case 6:
		return ipv6Identity(payload, source)
	default:
		return "", false
	}
}

func ipv4Identity(payload []byte, source bool) (string, bool) {
	var ip4 layers.IPv4
	if err := ip4.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return "", false
	}

	ip := ip4.DstIP
	if source {
		ip = ip4.SrcIP
	}

	port, ok := transportPort(ip4.Protocol, ip4.Payload, source)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s:%d", ip.String(), port), true
}

func ipv6Identity(payload []byte, source bool) (string, bool) {
	var ip6 layers.IPv6
	if err := ip6.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return "", false
	}

	ip := ip6.DstIP
	if source {
		ip = ip6.SrcIP
	}

	port, ok := transportPort(layers.IPProtocol(ip6.NextHeader), ip6.Payload, source)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s:%d", ip.String(), port), true
}

func transportPort(proto layers.IPProtocol, payload []byte, source bool) (uint16, bool) {
	switch proto {
	case layers.IPProtocolTCP:
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return 0, false
		}
		if source {
			return uint16(tcp.SrcPort), true
		}
		return uint16(tcp.DstPort), true
	case layers.IPProtocolUDP:
		var udp layers.UDP
		if err := udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return 0, false
		}
		if source {
			return uint16(udp.SrcPort), true
		}
		return uint16(udp.DstPort), true
	default:
		// ICMP/ICMPv6 and anything else carries no port identity.
		return 0, false
	}
}
