// Package header implements the 16-byte overlay frame prepended to every
// payload crossing a tunnel: a total-length prefix plus an optional
// primary-node routing hint.
package header

import (
	"encoding/binary"
	"net"

	"olla/internal/tunerr"
)

const (
	// Size is the fixed length of the overlay header in bytes.
	Size = 16
	// MaxFrameSize is the guard on frame_size: encode fails fatally at
	// or above this value.
	MaxFrameSize = 1024
)

// Frame is the decoded form of a 16-byte overlay header.
type Frame struct {
	FrameSize        uint32
	PrimaryNodeIP    net.IP
	PrimaryNodePort  uint16
}

// HasPrimaryNode reports whether the header names a rerouting target.
// 0.0.0.0 means "no rerouting requested" per the wire format.
func (f Frame) HasPrimaryNode() bool {
	return !f.PrimaryNodeIP.Equal(net.IPv4zero)
}

// Encode allocates len(payload)+Size bytes, writes the header into the
// first Size bytes and copies payload after it. primary may be nil, in
// which case the primary-node fields are left zero. Encode is a pure
// function; it fails only when the resulting frame would be at or above
// MaxFrameSize.
func Encode(payload []byte, primary *net.UDPAddr) ([]byte, error) {
	total := len(payload) + Size
	if total >= MaxFrameSize {
		return nil, tunerr.NewStrict("ip frame size exceeds MAX_IP_FRAME_SIZE", tunerr.PayloadSizeOverflow)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))

	if primary != nil {
		if ip4 := primary.IP.To4(); ip4 != nil {
			copy(buf[4:8], ip4)
			binary.BigEndian.PutUint16(buf[8:10], uint16(primary.Port))
		}
	}
	// bytes 10..16 stay zero: reserved, forward-compatible.

	copy(buf[Size:], payload)
	return buf, nil
}

// Decode reads a Frame out of the first Size bytes of buf. It never fails:
// fields may legitimately be zero. Reserved bytes are not validated.
func Decode(buf [Size]byte) Frame {
	ip := make(net.IP, 4)
	copy(ip, buf[4:8])

	return Frame{
		FrameSize:       binary.BigEndian.Uint32(buf[0:4]),
		PrimaryNodeIP:   ip,
		PrimaryNodePort: binary.BigEndian.Uint16(buf[8:10]),
	}
}

// DecodeSlice is a convenience wrapper around Decode for callers holding a
// []byte of at least Size bytes rather than a fixed array.
func DecodeSlice(buf []byte) Frame {
	var arr [Size]byte
	copy(arr[:], buf[:Size])
	return Decode(arr)
}
