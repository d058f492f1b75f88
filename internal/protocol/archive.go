package protocol

import (
	"time"

	"github.com/pvgrid/go-speedwire/internal/domain"
	"github.com/pvgrid/go-speedwire/internal/wire"
)

// archiveRecordSize is fixed: a 4-byte timestamp plus an 8-byte
// cumulative energy counter. Archive responses never vary their stride.
const archiveRecordSize = 12

// DecodeArchive decodes a daily-archive response into samples. Each
// record pairs a timestamp with the lifetime Wh counter at that moment;
// the average power over the interval is derived from consecutive
// counters. Records with a zero timestamp or a sentinel counter are
// gaps (device asleep) and are dropped.
func DecodeArchive(frame []byte) []domain.HistoricalSample {
	if len(frame) < responseDataBase+4 {
		return nil
	}
	payload := frame[responseDataBase : len(frame)-4]

	var samples []domain.HistoricalSample
	var prev *domain.HistoricalSample
	for pos := 0; pos+archiveRecordSize <= len(payload); pos += archiveRecordSize {
		ts := wire.Uint32At(payload, pos)
		wh := wire.Uint64At(payload, pos+4)
		if ts == 0 || wh == wire.NaNUint64 {
			continue
		}

		sample := domain.HistoricalSample{
			Time:    time.Unix(int64(ts), 0),
			TotalWh: wh,
		}
		if prev != nil {
			dt := sample.Time.Sub(prev.Time).Seconds()
			if dt > 0 {
				sample.Watt = float64(sample.TotalWh-prev.TotalWh) * 3600.0 / dt
			}
		}
		samples = append(samples, sample)
		prev = &samples[len(samples)-1]
	}
	return samples
}
