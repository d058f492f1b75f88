package protocol

import (
	"time"

	"github.com/pvgrid/go-speedwire/internal/wire"
)

// minRecordSize is the smallest record the protocol emits: tag(4) +
// timestamp(4) + one 32-bit value.
const minRecordSize = 12

// fallbackStrides are the record widths observed across device families,
// in trial order. The protocol does not self-describe record width; it
// depends on the measurement family and is only discoverable by trial
// decode.
var fallbackStrides = []int{28, 16, 40, 12}

// TelemetryRecord is one decoded measurement: the raw tag split into its
// parts, the already sentinel-normalized value, and the record bytes for
// handlers that read sub-regions (strings, status attributes, versions).
type TelemetryRecord struct {
	Code      uint32 // full 32-bit tag
	Lri       Lri    // 24-bit measurement code, sub-index cleared
	Class     uint8  // sub-index, e.g. DC input 1 vs 2
	DataType  uint8  // value-type discriminant
	Timestamp time.Time
	Value     int64
	Raw       []byte // the record's bytes, len == Stride
	Stride    int
}

// DecodeRecords decodes the telemetry payload of a response frame into
// records whose measurement code the table recognizes. The record stride
// is inferred from the declared query range and the payload length, then
// checked against the known fixed widths: a wrong stride lands most tag
// reads inside value fields, so the hypothesis that recognizes the most
// records wins, with the candidate order breaking ties. When no candidate
// yields a recognized record the result is empty: some queries
// legitimately return no data.
func DecodeRecords(frame []byte, known func(Lri) bool) []TelemetryRecord {
	if len(frame) < responseDataBase+4 {
		return nil
	}

	first := wire.Uint32At(frame, headerLen+4)
	last := wire.Uint32At(frame, headerLen+8)

	payload := frame[responseDataBase : len(frame)-4] // trailer excluded

	numRecords := 1
	if last > first {
		numRecords = int(last-first) + 1
	}

	stride := minRecordSize
	if len(payload) > 0 {
		if s := len(payload) / numRecords; s > stride {
			stride = s
		}
	}

	var best []TelemetryRecord
	for _, s := range candidateStrides(stride) {
		if recs, ok := decodeAt(payload, s, known); ok && len(recs) > len(best) {
			best = recs
		}
	}
	return best
}

// candidateStrides returns the computed stride followed by the fixed
// fallback widths, deduplicated, preserving priority order.
func candidateStrides(computed int) []int {
	out := []int{computed}
	for _, s := range fallbackStrides {
		if s != computed {
			out = append(out, s)
		}
	}
	return out
}

// decodeAt walks the payload at a fixed stride. Tags whose measurement
// code is unknown are skipped, not errors: responses regularly interleave
// records this client has no use for. The attempt fails (ok == false)
// when a non-empty payload produces no recognized record at all.
func decodeAt(payload []byte, stride int, known func(Lri) bool) ([]TelemetryRecord, bool) {
	if stride < minRecordSize {
		return nil, false
	}

	var recs []TelemetryRecord
	for pos := 0; pos+stride <= len(payload); pos += stride {
		code := wire.Uint32At(payload, pos)
		lri := Lri(code & 0x00FFFF00)
		if !known(lri) {
			continue
		}

		rec := TelemetryRecord{
			Code:     code,
			Lri:      lri,
			Class:    uint8(code & 0xFF),
			DataType: uint8(code >> 24),
			Value:    recordValue(payload, pos, stride),
			Raw:      payload[pos : pos+stride],
			Stride:   stride,
		}
		if ts := wire.Uint32At(payload, pos+4); ts > 0 {
			rec.Timestamp = time.Unix(int64(ts), 0)
		}
		recs = append(recs, rec)
	}

	if len(recs) == 0 && len(payload) >= stride {
		return nil, false
	}
	return recs, true
}

// recordValue reads the record's value field by width. 16-byte records
// carry an unsigned 64-bit counter; everything else carries a signed
// 32-bit value, at offset 16 for wide records and offset 8 otherwise.
// Sentinel patterns normalize to zero rather than propagating as
// measurements.
func recordValue(payload []byte, pos, stride int) int64 {
	if stride == 16 {
		return int64(wire.NormalizeUint64(wire.Uint64At(payload, pos+8)))
	}
	off := pos + 8
	if stride >= 20 {
		off = pos + 16
	}
	return int64(wire.NormalizeInt32(wire.Int32At(payload, off)))
}
