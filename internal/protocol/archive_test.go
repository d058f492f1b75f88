package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvgrid/go-speedwire/internal/wire"
)

func archiveFrame(samples ...[2]uint64) []byte {
	var records [][]byte
	for _, s := range samples {
		var buf wire.Buffer
		buf.Uint32(uint32(s[0]))
		buf.Uint64(s[1])
		records = append(records, buf.Bytes())
	}
	return responseFrame(0, uint32(len(samples)-1), records...)
}

func TestDecodeArchivePowerDerivation(t *testing.T) {
	// Two samples one hour apart with 500 Wh between them average 500 W.
	frame := archiveFrame(
		[2]uint64{1700000000, 1000},
		[2]uint64{1700003600, 1500},
	)

	samples := DecodeArchive(frame)
	require.Len(t, samples, 2)

	assert.Equal(t, time.Unix(1700000000, 0), samples[0].Time)
	assert.Equal(t, uint64(1000), samples[0].TotalWh)
	assert.Equal(t, 0.0, samples[0].Watt, "first sample has no predecessor")

	assert.Equal(t, uint64(1500), samples[1].TotalWh)
	assert.Equal(t, 500.0, samples[1].Watt)
}

func TestDecodeArchiveFiveMinuteInterval(t *testing.T) {
	frame := archiveFrame(
		[2]uint64{1700000000, 10000},
		[2]uint64{1700000300, 10040},
	)

	samples := DecodeArchive(frame)
	require.Len(t, samples, 2)
	assert.Equal(t, 480.0, samples[1].Watt) // 40 Wh over 300 s
}

func TestDecodeArchiveSkipsGaps(t *testing.T) {
	frame := archiveFrame(
		[2]uint64{1700000000, 1000},
		[2]uint64{0, 1200}, // zero timestamp: device asleep
		[2]uint64{1700000600, wire.NaNUint64}, // counter unavailable
		[2]uint64{1700003600, 1500},
	)

	samples := DecodeArchive(frame)
	require.Len(t, samples, 2)
	assert.Equal(t, uint64(1000), samples[0].TotalWh)
	assert.Equal(t, uint64(1500), samples[1].TotalWh)
	assert.Equal(t, 500.0, samples[1].Watt, "power derives from the previous valid sample")
}

func TestDecodeArchiveEmpty(t *testing.T) {
	assert.Empty(t, DecodeArchive(responseFrame(0, 0)))
	assert.Empty(t, DecodeArchive(nil))
	assert.Empty(t, DecodeArchive(make([]byte, 40)))
}
