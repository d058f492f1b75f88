package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"net"

	"github.com/pvgrid/go-speedwire/internal/domain"
	"github.com/pvgrid/go-speedwire/internal/wire"
)

// ErrMalformedFrame reports an inbound byte sequence too short to contain
// a Speedwire header. It indicates a transport or framing bug and is
// never retried.
var ErrMalformedFrame = errors.New("malformed frame")

// minFrameLen is the smallest inbound frame that carries a complete
// addressing block.
const minFrameLen = 44

// Fixed offsets within an inbound frame. The source identity sits after
// the 14-byte outer header, the 6-byte inner header and the 8-byte
// destination identity.
const (
	srcSUSyIDOffset  = 28
	srcSerialOffset  = 30
	errorCodeOffset  = 36
	fragmentOffset   = 38
	packetIDOffset   = 40
	headerLen        = 42 // end of the addressing block
	responseDataBase = headerLen + 12
)

// Header holds the addressing fields of an inbound frame. The payload is
// not inspected here; header parsing precedes any payload decoding.
type Header struct {
	Source     domain.DeviceIdentity
	ErrorCode  uint16
	FragmentID uint16
	PacketID   uint16
}

// HasSignature reports whether the frame opens with the Speedwire magic.
func HasSignature(frame []byte) bool {
	return len(frame) >= len(smaSignature) && bytes.Equal(frame[:len(smaSignature)], smaSignature)
}

// DiscoveryResponseIP extracts the device IP a discovery reply advertises.
// Replies shorter than a full header, or without the Speedwire magic, do
// not carry one; the caller falls back to the datagram's sender address.
func DiscoveryResponseIP(frame []byte) (string, bool) {
	if len(frame) < headerLen || !HasSignature(frame) {
		return "", false
	}
	return net.IPv4(frame[38], frame[39], frame[40], frame[41]).String(), true
}

// ParseHeader extracts the addressing header from an inbound frame. The
// reserved top bit of the packet index is masked off.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < minFrameLen {
		return Header{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(frame), minFrameLen)
	}

	return Header{
		Source: domain.DeviceIdentity{
			SUSyID: wire.Uint16At(frame, srcSUSyIDOffset),
			Serial: wire.Uint32At(frame, srcSerialOffset),
		},
		ErrorCode:  wire.Uint16At(frame, errorCodeOffset),
		FragmentID: wire.Uint16At(frame, fragmentOffset),
		PacketID:   wire.Uint16At(frame, packetIDOffset) & 0x7FFF,
	}, nil
}
