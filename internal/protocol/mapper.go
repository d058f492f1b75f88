package protocol

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/pvgrid/go-speedwire/internal/domain"
	"github.com/pvgrid/go-speedwire/internal/wire"
)

// fieldHandler applies one decoded record to the device state.
type fieldHandler func(rec TelemetryRecord, s *domain.DeviceState)

// lriHandlers routes measurement codes to state fields. A code absent
// from this table is one the client does not model; the decoder skips it.
var lriHandlers = map[Lri]fieldHandler{
	GridMsTotW: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.TotalACPower = rec.Value
		s.SleepTime = rec.Timestamp
	},
	GridMsWphsA: phasePower(0),
	GridMsWphsB: phasePower(1),
	GridMsWphsC: phasePower(2),

	GridMsPhVphsA: phaseVoltage(0),
	GridMsPhVphsB: phaseVoltage(1),
	GridMsPhVphsC: phaseVoltage(2),

	GridMsAphsA:  phaseCurrent(0),
	GridMsAphsB:  phaseCurrent(1),
	GridMsAphsC:  phaseCurrent(2),
	GridMsAphsA1: phaseCurrent(0),
	GridMsAphsB1: phaseCurrent(1),
	GridMsAphsC1: phaseCurrent(2),

	GridMsHz: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.GridFrequency = rec.Value
	},

	DcMsWatt: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.Input(rec.Class).Power = rec.Value
	},
	DcMsVol: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.Input(rec.Class).Voltage = rec.Value
	},
	DcMsAmp: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.Input(rec.Class).Current = rec.Value
	},

	MeteringTotWhOut: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.EnergyTotal = rec.Value
		s.InverterTime = rec.Timestamp
	},
	MeteringDyWhOut: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.EnergyToday = rec.Value
	},
	MeteringTotOpTms: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.OperationTime = rec.Value
	},
	MeteringTotFeedTms: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.FeedInTime = rec.Value
	},
	MeteringGridMsTotWOut: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.GridPowerOut = rec.Value
	},
	MeteringGridMsTotWIn: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.GridPowerIn = rec.Value
	},

	OperationHealth: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.Status = statusAttribute(rec)
	},
	OperationGriSwStt: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.GridRelayStatus = statusAttribute(rec)
	},

	CoolsysTmpNom: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.Temperature = rec.Value
	},

	BatChaStt: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.EnsureBattery().ChargeStatus = rec.Value
	},
	BatVol: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.EnsureBattery().Voltage = rec.Value
	},
	BatAmp: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.EnsureBattery().Current = rec.Value
	},
	BatTmpVal: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.EnsureBattery().Temperature = rec.Value
	},

	NameplateLocation: func(rec TelemetryRecord, s *domain.DeviceState) {
		if name := recordString(rec); name != "" {
			s.Name = name
		}
		s.WakeupTime = rec.Timestamp
	},
	NameplateModel: func(rec TelemetryRecord, s *domain.DeviceState) {
		if rec.DataType == DataTypeStatus {
			s.Type = fmt.Sprintf("Type_%d", statusAttribute(rec))
		} else if t := recordString(rec); t != "" {
			s.Type = t
		}
	},
	NameplateMainModel: func(rec TelemetryRecord, s *domain.DeviceState) {
		s.ClassID = statusAttribute(rec)
		s.Class = domain.ClassName(s.ClassID)
	},
	NameplatePkgRev: func(rec TelemetryRecord, s *domain.DeviceState) {
		if rec.Stride >= 28 {
			s.SoftwareVersion = FormatVersion(wire.Uint32At(rec.Raw, 24))
		}
	},
}

// KnownLri reports whether the client maps the given measurement code.
// It doubles as the recognition predicate during stride inference.
func KnownLri(l Lri) bool {
	_, ok := lriHandlers[l]
	return ok
}

// ApplyRecord maps one decoded record onto the device state. Records with
// codes outside the handler table are ignored.
func ApplyRecord(rec TelemetryRecord, s *domain.DeviceState) {
	if h, ok := lriHandlers[rec.Lri]; ok {
		h(rec, s)
	}
}

// ApplyRecords maps every record of a decoded response in order.
func ApplyRecords(recs []TelemetryRecord, s *domain.DeviceState) {
	for _, rec := range recs {
		ApplyRecord(rec, s)
	}
}

func phasePower(i int) fieldHandler {
	return func(rec TelemetryRecord, s *domain.DeviceState) {
		s.Phases[i].Power = rec.Value
	}
}

func phaseVoltage(i int) fieldHandler {
	return func(rec TelemetryRecord, s *domain.DeviceState) {
		s.Phases[i].Voltage = rec.Value
	}
}

func phaseCurrent(i int) fieldHandler {
	return func(rec TelemetryRecord, s *domain.DeviceState) {
		s.Phases[i].Current = rec.Value
	}
}

// statusAttribute extracts the selected entry of a status record's
// attribute list. Entries start at offset 8 and are 4 bytes each: the low
// 24 bits carry the enum tag, the high byte is 1 for the active entry.
// The tag 0xFFFFFE terminates the list.
func statusAttribute(rec TelemetryRecord) uint32 {
	for pos := 8; pos+4 <= rec.Stride; pos += 4 {
		att := wire.Uint32At(rec.Raw, pos)
		tag := att & 0x00FFFFFF
		if tag == 0x00FFFFFE {
			break
		}
		if att>>24 == 1 {
			return tag
		}
	}
	return 0
}

// recordString reads the text portion of a string record: the bytes after
// tag and timestamp, NUL padded. Garbage that is not valid UTF-8 maps to
// the empty string rather than polluting downstream consumers.
func recordString(rec TelemetryRecord) string {
	if rec.Stride <= 8 {
		return ""
	}
	raw := bytes.Trim(rec.Raw[8:], "\x00")
	if !utf8.Valid(raw) {
		return ""
	}
	return string(raw)
}

// FormatVersion renders a packed firmware version. The bytes are, high to
// low: major, minor, build, release type. The release type prints as its
// character when nonzero.
func FormatVersion(v uint32) string {
	major := v >> 24
	minor := (v >> 16) & 0xFF
	build := (v >> 8) & 0xFF
	if rev := byte(v); rev != 0 {
		return fmt.Sprintf("%d.%d.%d.%c", major, minor, build, rev)
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, build)
}
