package protocol

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvgrid/go-speedwire/internal/wire"
)

// responseFrame wraps record payloads into a full inbound frame with the
// declared record-index range, the way devices answer data requests.
func responseFrame(first, last uint32, records ...[]byte) []byte {
	var buf wire.Buffer
	buf.Raw([]byte{'S', 'M', 'A', 0})
	buf.Uint32(0xA0020400)
	buf.Uint32(0x00000001)
	buf.Uint16(0)
	buf.Uint32(0x65601000)
	buf.Byte(0)
	buf.Byte(0xD0)
	buf.Uint16(125)
	buf.Uint32(939393939)
	buf.Uint16(0)
	buf.Uint16(378)
	buf.Uint32(3010123456)
	buf.Uint16(0)
	buf.Uint16(0)      // error code
	buf.Uint16(0)      // fragment
	buf.Uint16(0x8001) // packet index
	buf.Uint32(0x51000200)
	buf.Uint32(first)
	buf.Uint32(last)
	for _, rec := range records {
		buf.Raw(rec)
	}
	buf.Uint32(0)
	buf.PutUint16BE(12, uint16(buf.Len()-14))
	return buf.Bytes()
}

func spotRecord28(lri Lri, class uint8, ts uint32, value int32) []byte {
	var buf wire.Buffer
	buf.Uint32(uint32(DataTypeSLong)<<24 | uint32(lri) | uint32(class))
	buf.Uint32(ts)
	for i := 0; i < 4; i++ {
		buf.Uint32(uint32(value))
	}
	buf.Uint32(0)
	return buf.Bytes()
}

func counterRecord16(lri Lri, ts uint32, value uint64) []byte {
	var buf wire.Buffer
	buf.Uint32(uint32(lri))
	buf.Uint32(ts)
	buf.Uint64(value)
	return buf.Bytes()
}

func TestDecodeRecordsStride28(t *testing.T) {
	frame := responseFrame(0, 0, spotRecord28(GridMsTotW, 0, 1700000000, 2500))

	recs := DecodeRecords(frame, KnownLri)
	require.Len(t, recs, 1)

	assert.Equal(t, GridMsTotW, recs[0].Lri)
	assert.Equal(t, uint8(0), recs[0].Class)
	assert.Equal(t, uint8(DataTypeSLong), recs[0].DataType)
	assert.Equal(t, int64(2500), recs[0].Value)
	assert.Equal(t, 28, recs[0].Stride)
	assert.Equal(t, time.Unix(1700000000, 0), recs[0].Timestamp)
}

func TestDecodeRecordsStride16Counter(t *testing.T) {
	frame := responseFrame(0, 1,
		counterRecord16(MeteringTotWhOut, 1700000000, 12345678),
		counterRecord16(MeteringDyWhOut, 1700000000, 8230),
	)

	recs := DecodeRecords(frame, KnownLri)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(12345678), recs[0].Value)
	assert.Equal(t, int64(8230), recs[1].Value)
	assert.Equal(t, 16, recs[0].Stride)
}

func TestDecodeRecordsStride12(t *testing.T) {
	var buf wire.Buffer
	buf.Uint32(uint32(GridMsHz))
	buf.Uint32(1700000000)
	buf.Uint32(4999)

	frame := responseFrame(0, 0, buf.Bytes())
	recs := DecodeRecords(frame, KnownLri)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(4999), recs[0].Value)
	assert.Equal(t, 12, recs[0].Stride)
}

func TestDecodeRecordsStride40Raw(t *testing.T) {
	var buf wire.Buffer
	buf.Uint32(uint32(DataTypeString)<<24 | uint32(NameplateLocation))
	buf.Uint32(1700000000)
	text := make([]byte, 32)
	copy(text, "SN: 3010123456")
	buf.Raw(text)

	frame := responseFrame(0, 0, buf.Bytes())
	recs := DecodeRecords(frame, KnownLri)
	require.Len(t, recs, 1)
	assert.Equal(t, 40, recs[0].Stride)
	assert.Len(t, recs[0].Raw, 40)
}

func TestDecodeRecordsStride20(t *testing.T) {
	// 20 bytes is not among the fixed fallback widths, so it is only ever
	// tried as the computed hypothesis, and it is the narrowest width whose
	// value sits at offset 16 instead of 8.
	record := func(lri Lri, value int32) []byte {
		var buf wire.Buffer
		buf.Uint32(uint32(DataTypeSLong)<<24 | uint32(lri))
		buf.Uint32(1700000000)
		buf.Uint32(7777) // attribute word, must not be mistaken for the value
		buf.Uint32(0)
		buf.Uint32(uint32(value))
		return buf.Bytes()
	}
	frame := responseFrame(0, 1,
		record(GridMsTotW, 2500),
		record(GridMsHz, 4999),
	)

	recs := DecodeRecords(frame, KnownLri)
	require.Len(t, recs, 2)
	assert.Equal(t, GridMsTotW, recs[0].Lri)
	assert.Equal(t, int64(2500), recs[0].Value)
	assert.Equal(t, GridMsHz, recs[1].Lri)
	assert.Equal(t, int64(4999), recs[1].Value)
	assert.Equal(t, 20, recs[0].Stride)
}

func TestDecodeRecordsSkipsUnknownCodes(t *testing.T) {
	unknown := spotRecord28(Lri(0x00DEAD00), 0, 1700000000, 99)
	frame := responseFrame(0, 1,
		unknown,
		spotRecord28(GridMsTotW, 0, 1700000000, 2500),
	)

	recs := DecodeRecords(frame, KnownLri)
	require.Len(t, recs, 1)
	assert.Equal(t, GridMsTotW, recs[0].Lri)
}

func TestDecodeRecordsStrideFallback(t *testing.T) {
	// Seven 16-byte records, but a declared range of four: the computed
	// stride hypothesis (112/4 = 28) misreads the payload; the fallback
	// must recover all seven.
	records := make([][]byte, 7)
	for i := range records {
		records[i] = counterRecord16(MeteringTotWhOut, 1700000000, uint64(1000+i))
	}
	frame := responseFrame(0, 3, records...)

	recs := DecodeRecords(frame, KnownLri)
	require.Len(t, recs, 7)
	for i, rec := range recs {
		assert.Equal(t, int64(1000+i), rec.Value)
		assert.Equal(t, 16, rec.Stride)
	}
}

func TestDecodeRecordsNoRecognizedTags(t *testing.T) {
	frame := responseFrame(0, 0, spotRecord28(Lri(0x00BEEF00), 0, 1700000000, 1))

	recs := DecodeRecords(frame, KnownLri)
	assert.Empty(t, recs, "unrecognizable payload yields zero records, not an error")
}

func TestDecodeRecordsEmptyPayload(t *testing.T) {
	frame := responseFrame(0, 0)
	assert.Empty(t, DecodeRecords(frame, KnownLri))

	assert.Empty(t, DecodeRecords(nil, KnownLri))
	assert.Empty(t, DecodeRecords(make([]byte, 30), KnownLri))
}

func TestDecodeRecordsSentinelNormalization(t *testing.T) {
	tests := []struct {
		name string
		rec  []byte
	}{
		{"signed 32-bit sentinel", spotRecord28(GridMsTotW, 0, 1700000000, math.MinInt32)},
		{"unsigned 32-bit sentinel", spotRecord28(GridMsTotW, 0, 1700000000, -1)},
		{"unsigned 64-bit sentinel", counterRecord16(MeteringTotWhOut, 1700000000, wire.NaNUint64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := responseFrame(0, 0, tt.rec)
			recs := DecodeRecords(frame, KnownLri)
			require.Len(t, recs, 1)
			assert.Equal(t, int64(0), recs[0].Value)
		})
	}
}

func TestDecodeRecordsZeroTimestamp(t *testing.T) {
	frame := responseFrame(0, 0, spotRecord28(GridMsTotW, 0, 0, 100))
	recs := DecodeRecords(frame, KnownLri)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Timestamp.IsZero())
}
