package protocol

import (
	"math/rand"
	"time"

	"github.com/pvgrid/go-speedwire/internal/domain"
	"github.com/pvgrid/go-speedwire/internal/wire"
)

// SerialSource yields the per-session application serial embedded in the
// source identity of every frame. Isolated so tests can inject a fixed
// value and assert exact frame bytes. Not cryptographic.
type SerialSource interface {
	SessionSerial() uint32
}

// randomSerial mirrors the serial scheme of the reference firmware tools:
// a nine-digit number in the 9xx,xxx,xxx range.
type randomSerial struct{}

func (randomSerial) SessionSerial() uint32 {
	return 900000000 + rand.Uint32()%100000000
}

// FrameBuilder composes outbound Speedwire frames. It carries the only
// two pieces of builder state: the session serial, generated once and
// reused for every frame so the device can correlate responses, and the
// monotonically increasing packet index.
type FrameBuilder struct {
	appSerial uint32
	packetID  uint16
}

// NewFrameBuilder creates a builder with a freshly generated session serial.
func NewFrameBuilder() *FrameBuilder {
	return NewFrameBuilderWithSource(randomSerial{})
}

// NewFrameBuilderWithSource creates a builder drawing its session serial
// from src.
func NewFrameBuilderWithSource(src SerialSource) *FrameBuilder {
	return &FrameBuilder{appSerial: src.SessionSerial()}
}

// AppSerial returns the session serial used as the client's source identity.
func (b *FrameBuilder) AppSerial() uint32 {
	return b.appSerial
}

// PacketID returns the most recently used packet index.
func (b *FrameBuilder) PacketID() uint16 {
	return b.packetID
}

// nextPacketID advances the packet index, wrapping from 0x7FFF back to 1.
// Zero is never used.
func (b *FrameBuilder) nextPacketID() uint16 {
	b.packetID++
	if b.packetID > 0x7FFF {
		b.packetID = 1
	}
	return b.packetID
}

// writeOuterHeader emits the 14-byte L1 header. The big-endian length
// field is left zero and patched by finalize.
func (b *FrameBuilder) writeOuterHeader(buf *wire.Buffer) {
	buf.Raw(smaSignature)
	buf.Uint32(l1Marker1)
	buf.Uint32(l1Marker2)
	buf.Byte(0)
	buf.Byte(0)
}

// writeEnvelope emits the 6-byte L2 header and the 16-byte addressing
// block: destination identity, our own identity, error code, fragment
// index and packet index (with the first-fragment bit set).
func (b *FrameBuilder) writeEnvelope(buf *wire.Buffer, longwords, ctrl byte, ctrl2 uint16, dst domain.DeviceIdentity) {
	buf.Uint32(l2Signature)
	buf.Byte(longwords)
	buf.Byte(ctrl)
	buf.Uint16(dst.SUSyID)
	buf.Uint32(dst.Serial)
	buf.Uint16(ctrl2)
	buf.Uint16(AppSUSyID)
	buf.Uint32(b.appSerial)
	buf.Uint16(ctrl2)
	buf.Uint16(0) // error code
	buf.Uint16(0) // fragment index
	buf.Uint16(b.packetID | 0x8000)
}

// finalize appends the 4-byte trailer and patches the L1 length field:
// total frame length minus the 14-byte outer header, big-endian at
// offset 12.
func (b *FrameBuilder) finalize(buf *wire.Buffer) []byte {
	buf.Uint32(0)
	buf.PutUint16BE(12, uint16(buf.Len()-14))
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// wildcard addresses any device on the network.
var wildcard = domain.DeviceIdentity{SUSyID: AnySUSyID, Serial: AnySerial}

// BuildDiscovery returns the fixed multicast probe. It carries no
// addressing block and does not advance the packet index.
func (b *FrameBuilder) BuildDiscovery() []byte {
	var buf wire.Buffer
	buf.Raw(smaSignature)
	buf.Uint32(l1Marker1)
	buf.Uint32(l1Marker2)
	buf.Uint32(0x20000000)
	buf.Uint32(0x00000000)
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// BuildInit returns the unicast identity probe sent at connect time. The
// destination is the wildcard identity; the reply reveals the device's
// real SUSyID and serial.
func (b *FrameBuilder) BuildInit() []byte {
	b.nextPacketID()
	var buf wire.Buffer
	b.writeOuterHeader(&buf)
	b.writeEnvelope(&buf, 0x09, 0xA0, 0, wildcard)
	buf.Uint32(0x00000200)
	buf.Uint32(0)
	buf.Uint32(0)
	buf.Uint32(0)
	return b.finalize(&buf)
}

// BuildLogin returns an authentication frame for dst. The password is
// obfuscated with the per-group additive offset and the timestamp is the
// login time in unix seconds.
func (b *FrameBuilder) BuildLogin(dst domain.DeviceIdentity, password string, userGroup uint32, now time.Time) []byte {
	b.nextPacketID()
	pw := EncodePassword(password, userGroup)

	var buf wire.Buffer
	b.writeOuterHeader(&buf)
	b.writeEnvelope(&buf, 0x0E, 0xA0, 0x0100, dst)
	buf.Uint32(0xFFFD040C)
	buf.Uint32(userGroup)
	buf.Uint32(0x00000384) // session timeout, 900s
	buf.Uint32(uint32(now.Unix()))
	buf.Uint32(0)
	buf.Raw(pw[:])
	return b.finalize(&buf)
}

// BuildLogoff returns the session teardown frame. Logoff is addressed to
// the wildcard identity and reuses the current packet index: it is fire
// and forget and never awaited.
func (b *FrameBuilder) BuildLogoff() []byte {
	var buf wire.Buffer
	b.writeOuterHeader(&buf)
	b.writeEnvelope(&buf, 0x08, 0xA0, 0x0300, wildcard)
	buf.Uint32(0xFFFD010E)
	buf.Uint32(0xFFFFFFFF)
	return b.finalize(&buf)
}

// BuildDataRequest returns a telemetry request for the given command and
// record range. ctrl selects the request family (CtrlSpot or CtrlArchive).
func (b *FrameBuilder) BuildDataRequest(dst domain.DeviceIdentity, command, first, last uint32, ctrl byte) []byte {
	b.nextPacketID()
	var buf wire.Buffer
	b.writeOuterHeader(&buf)
	b.writeEnvelope(&buf, 0x09, ctrl, 0, dst)
	buf.Uint32(command)
	buf.Uint32(first)
	buf.Uint32(last)
	return b.finalize(&buf)
}

// EncodePassword obfuscates a password for the login payload: each
// character is shifted by the per-group offset modulo 256, and the
// remainder of the 12-byte field is padded with the bare offset.
// Passwords longer than 12 characters are silently truncated, matching
// observed device behavior.
func EncodePassword(password string, userGroup uint32) [passwordFieldLen]byte {
	offset := byte(passwordOffsetUser)
	if userGroup == UserGroupInstaller {
		offset = passwordOffsetInstaller
	}

	var pw [passwordFieldLen]byte
	raw := []byte(password)
	if len(raw) > passwordFieldLen {
		raw = raw[:passwordFieldLen]
	}
	for i, c := range raw {
		pw[i] = c + offset
	}
	for i := len(raw); i < passwordFieldLen; i++ {
		pw[i] = offset
	}
	return pw
}
