// Package simulator implements a fake Speedwire inverter over UDP for
// integration tests and local development. It answers discovery probes,
// the identity handshake, login and the named data queries with frames
// a real device of the SB3000-class would produce.
package simulator

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvgrid/go-speedwire/internal/domain"
	"github.com/pvgrid/go-speedwire/internal/protocol"
	"github.com/pvgrid/go-speedwire/internal/wire"
)

// Config shapes the simulated device.
type Config struct {
	Identity domain.DeviceIdentity
	Password string
	// AdvertiseIP is placed in discovery replies. Defaults to 127.0.0.1.
	AdvertiseIP net.IP

	Name        string
	ACPower     int32 // W
	DCPower     int32 // W per input, two inputs
	GridVoltage int32 // V*100
	Frequency   int32 // Hz*100
	EnergyToday uint64
	EnergyTotal uint64
	Temperature int32 // °C*100
	Version     uint32
}

// DefaultConfig returns a plausible 3 kW device.
func DefaultConfig() Config {
	return Config{
		Identity:    domain.DeviceIdentity{SUSyID: 378, Serial: 3010123456},
		Password:    "0000",
		Name:        "SN: 3010123456",
		ACPower:     2500,
		DCPower:     1280,
		GridVoltage: 23012,
		Frequency:   4999,
		EnergyToday: 8230,
		EnergyTotal: 12345678,
		Temperature: 3540,
		Version:     0x04011352, // 4.1.19.R
	}
}

// Simulator is one fake device bound to a UDP port.
type Simulator struct {
	cfg    Config
	conn   *net.UDPConn
	logger zerolog.Logger
	done   chan struct{}
}

// New binds the simulator to the given port. Port 0 picks an ephemeral
// one; use Port() to address it.
func New(cfg Config, port int, logger zerolog.Logger) (*Simulator, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, err
	}
	if cfg.AdvertiseIP == nil {
		cfg.AdvertiseIP = net.IPv4(127, 0, 0, 1)
	}
	return &Simulator{
		cfg:    cfg,
		conn:   conn,
		logger: logger.With().Str("component", "simulator").Logger(),
		done:   make(chan struct{}),
	}, nil
}

// Port returns the bound UDP port.
func (s *Simulator) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Run serves requests until the context is cancelled or the socket closes.
func (s *Simulator) Run(ctx context.Context) error {
	defer close(s.done)
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	buf := make([]byte, 8192)
	for {
		n, sender, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.handle(buf[:n], sender)
	}
}

// Close releases the socket and waits for the serve loop to drain.
func (s *Simulator) Close() error {
	err := s.conn.Close()
	<-s.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Simulator) handle(frame []byte, sender *net.UDPAddr) {
	if !protocol.HasSignature(frame) {
		return
	}

	if len(frame) == 20 {
		s.reply(s.discoveryReply(), sender)
		return
	}
	if len(frame) < 46 {
		return
	}

	hdr, err := protocol.ParseHeader(frame)
	if err != nil {
		return
	}
	command := wire.Uint32At(frame, 42)

	switch command {
	case 0x00000200: // identity probe
		s.reply(s.response(hdr, 0, 0x00000001, nil), sender)
	case 0xFFFD040C: // login
		errCode := uint16(0)
		if !s.passwordMatches(frame) {
			errCode = 0x0100
		}
		s.reply(s.response(hdr, errCode, command, nil), sender)
	case 0xFFFD010E: // logoff, not acknowledged
	default:
		s.handleDataRequest(frame, hdr, sender)
	}
}

func (s *Simulator) handleDataRequest(frame []byte, hdr protocol.Header, sender *net.UDPAddr) {
	command := wire.Uint32At(frame, 42)
	first := wire.Uint32At(frame, 46)

	var records [][]byte
	switch {
	case command == 0x70000200: // daily archive
		last := wire.Uint32At(frame, 50)
		records = s.archiveRecords(first, last)
	default:
		records = s.telemetryRecords(command, first)
	}
	if records == nil {
		// Unknown query: real devices answer with a non-zero error code.
		s.reply(s.response(hdr, 0x0017, command, nil), sender)
		return
	}
	s.reply(s.response(hdr, 0, command, records), sender)
}

// telemetryRecords produces the record set of a named query, selected by
// command code and the first measurement-code bound.
func (s *Simulator) telemetryRecords(command, first uint32) [][]byte {
	now := uint32(time.Now().Unix())

	switch command {
	case 0x51000200: // spot values
		switch protocol.Lri(first & 0x00FFFF00) {
		case protocol.GridMsTotW:
			return [][]byte{record28(protocol.GridMsTotW, 0, protocol.DataTypeSLong, now, s.cfg.ACPower)}
		case protocol.GridMsWphsA:
			return [][]byte{
				record28(protocol.GridMsWphsA, 0, protocol.DataTypeSLong, now, s.cfg.ACPower),
				record28(protocol.GridMsWphsB, 0, protocol.DataTypeSLong, now, 0),
				record28(protocol.GridMsWphsC, 0, protocol.DataTypeSLong, now, 0),
			}
		case protocol.GridMsPhVphsA:
			return [][]byte{
				record28(protocol.GridMsPhVphsA, 0, protocol.DataTypeULong, now, s.cfg.GridVoltage),
				record28(protocol.GridMsAphsA, 0, protocol.DataTypeULong, now, 10868),
			}
		case protocol.GridMsHz:
			return [][]byte{record28(protocol.GridMsHz, 0, protocol.DataTypeULong, now, s.cfg.Frequency)}
		case protocol.MeteringGridMsTotWOut:
			return [][]byte{
				record28(protocol.MeteringGridMsTotWOut, 0, protocol.DataTypeSLong, now, s.cfg.ACPower),
				record28(protocol.MeteringGridMsTotWIn, 0, protocol.DataTypeSLong, now, 0),
			}
		}
	case 0x53800200: // DC values
		switch protocol.Lri(first & 0x00FFFF00) {
		case protocol.DcMsWatt:
			return [][]byte{
				record28(protocol.DcMsWatt, 1, protocol.DataTypeSLong, now, s.cfg.DCPower),
				record28(protocol.DcMsWatt, 2, protocol.DataTypeSLong, now, s.cfg.DCPower),
			}
		case protocol.DcMsVol:
			return [][]byte{
				record28(protocol.DcMsVol, 1, protocol.DataTypeSLong, now, 38500),
				record28(protocol.DcMsAmp, 1, protocol.DataTypeSLong, now, 3324),
			}
		}
	case 0x54000200: // energy counters
		switch protocol.Lri(first & 0x00FFFF00) {
		case protocol.MeteringTotWhOut:
			return [][]byte{
				record16(protocol.MeteringTotWhOut, now, s.cfg.EnergyTotal),
				record16(protocol.MeteringDyWhOut, now, s.cfg.EnergyToday),
			}
		case protocol.MeteringTotOpTms:
			return [][]byte{
				record16(protocol.MeteringTotOpTms, now, 98765432),
				record16(protocol.MeteringTotFeedTms, now, 87654321),
			}
		}
	case 0x58000200: // nameplate
		switch protocol.Lri(first & 0x00FFFF00) {
		case protocol.NameplateLocation:
			return [][]byte{
				record40String(protocol.NameplateLocation, now, s.cfg.Name),
				record40Status(protocol.NameplateMainModel, now, domain.ClassSolarInverter),
				record40Status(protocol.NameplateModel, now, 9074),
			}
		case protocol.NameplatePkgRev:
			return [][]byte{record40Version(protocol.NameplatePkgRev, now, s.cfg.Version)}
		}
	case 0x51800200: // status
		switch protocol.Lri(first & 0x00FFFF00) {
		case protocol.OperationHealth:
			return [][]byte{record40Status(protocol.OperationHealth, now, 307)} // Ok
		case protocol.OperationGriSwStt:
			return [][]byte{record40Status(protocol.OperationGriSwStt, now, 51)} // Closed
		}
	case 0x52000200: // temperature
		return [][]byte{record28(protocol.CoolsysTmpNom, 0, protocol.DataTypeSLong, now, s.cfg.Temperature)}
	}
	return nil
}

// archiveRecords serves a synthetic day: one sample per 5 minutes from
// the requested window start, energy rising linearly.
func (s *Simulator) archiveRecords(first, last uint32) [][]byte {
	const step = 300
	var records [][]byte
	energy := s.cfg.EnergyTotal - uint64(s.cfg.EnergyToday)
	for ts := first; ts <= last && len(records) < 288; ts += step {
		var buf wire.Buffer
		buf.Uint32(ts)
		buf.Uint64(energy)
		records = append(records, buf.Bytes())
		energy += 40
	}
	return records
}

// passwordMatches decodes the obfuscated password field of a login frame
// and compares it against the configured password.
func (s *Simulator) passwordMatches(frame []byte) bool {
	if len(frame) < 74 {
		return false
	}
	userGroup := wire.Uint32At(frame, 46)
	want := protocol.EncodePassword(s.cfg.Password, userGroup)
	for i := 0; i < len(want); i++ {
		if frame[62+i] != want[i] {
			return false
		}
	}
	return true
}

// discoveryReply builds the short announcement frame devices multicast in
// answer to a probe: the Speedwire magic with the device IP at the fixed
// announcement offset.
func (s *Simulator) discoveryReply() []byte {
	var buf wire.Buffer
	buf.Raw([]byte{'S', 'M', 'A', 0})
	buf.Uint32(0x00040200)
	for buf.Len() < 38 {
		buf.Byte(0)
	}
	ip := s.cfg.AdvertiseIP.To4()
	buf.Raw([]byte{ip[0], ip[1], ip[2], ip[3]})
	buf.Uint32(0)
	return buf.Bytes()
}

// response builds a reply frame addressed back to the requester: the
// fields the client checks (source identity, error code, packet index)
// mirror a real device, followed by the command echo, the record index
// range and the records.
func (s *Simulator) response(hdr protocol.Header, errCode uint16, command uint32, records [][]byte) []byte {
	var buf wire.Buffer

	// Outer header; length patched last.
	buf.Raw([]byte{'S', 'M', 'A', 0})
	buf.Uint32(0xA0020400)
	buf.Uint32(0x00000001)
	buf.Uint16(0)

	buf.Uint32(0x65601000)
	buf.Byte(0) // longwords, not checked by clients
	buf.Byte(0xD0)

	// Destination: the requesting client, read from the request's source slot.
	buf.Uint16(hdr.Source.SUSyID)
	buf.Uint32(hdr.Source.Serial)
	buf.Uint16(0)
	// Source: this device.
	buf.Uint16(s.cfg.Identity.SUSyID)
	buf.Uint32(s.cfg.Identity.Serial)
	buf.Uint16(0)

	buf.Uint16(errCode)
	buf.Uint16(0) // no fragments
	buf.Uint16(hdr.PacketID | 0x8000)

	buf.Uint32(command)
	if len(records) > 0 {
		buf.Uint32(0)
		buf.Uint32(uint32(len(records) - 1))
		for _, rec := range records {
			buf.Raw(rec)
		}
	} else {
		buf.Uint32(0)
		buf.Uint32(0)
	}

	buf.Uint32(0) // trailer
	buf.PutUint16BE(12, uint16(buf.Len()-14))
	return buf.Bytes()
}

func (s *Simulator) reply(frame []byte, sender *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(frame, sender); err != nil {
		s.logger.Debug().Err(err).Msg("Reply failed")
	}
}

func recordTag(lri protocol.Lri, class uint8, dataType uint8) uint32 {
	return uint32(dataType)<<24 | uint32(lri) | uint32(class)
}

// record28 is the 28-byte spot-value layout: tag, timestamp, the value
// repeated across the four u32 slots, and a terminator word.
func record28(lri protocol.Lri, class uint8, dataType uint8, ts uint32, value int32) []byte {
	var buf wire.Buffer
	buf.Uint32(recordTag(lri, class, dataType))
	buf.Uint32(ts)
	for i := 0; i < 4; i++ {
		buf.Uint32(uint32(value))
	}
	buf.Uint32(0)
	return buf.Bytes()
}

// record16 is the 16-byte counter layout: tag, timestamp, u64 counter.
func record16(lri protocol.Lri, ts uint32, value uint64) []byte {
	var buf wire.Buffer
	buf.Uint32(recordTag(lri, 0, protocol.DataTypeULong))
	buf.Uint32(ts)
	buf.Uint64(value)
	return buf.Bytes()
}

// record40String is the 40-byte text layout: tag, timestamp, 32 bytes of
// NUL-padded UTF-8.
func record40String(lri protocol.Lri, ts uint32, text string) []byte {
	var buf wire.Buffer
	buf.Uint32(recordTag(lri, 0, protocol.DataTypeString))
	buf.Uint32(ts)
	raw := make([]byte, 32)
	copy(raw, text)
	buf.Raw(raw)
	return buf.Bytes()
}

// record40Status is the 40-byte enum layout: tag, timestamp, then the
// attribute list with the active entry flagged in the high byte and the
// 0xFFFFFE terminator.
func record40Status(lri protocol.Lri, ts uint32, value uint32) []byte {
	var buf wire.Buffer
	buf.Uint32(recordTag(lri, 0, protocol.DataTypeStatus))
	buf.Uint32(ts)
	buf.Uint32(1<<24 | value)
	buf.Uint32(0x00FFFFFE)
	for buf.Len() < 40 {
		buf.Byte(0)
	}
	return buf.Bytes()
}

// record40Version carries the packed firmware version in the u32 at
// offset 24, as nameplate revision records do.
func record40Version(lri protocol.Lri, ts uint32, version uint32) []byte {
	var buf wire.Buffer
	buf.Uint32(recordTag(lri, 0, protocol.DataTypeULong))
	buf.Uint32(ts)
	buf.Uint32(0)
	buf.Uint32(0)
	buf.Uint32(0)
	buf.Uint32(0)
	buf.Uint32(version)
	buf.Uint32(version)
	buf.Uint32(0)
	buf.Uint32(0)
	return buf.Bytes()
}
