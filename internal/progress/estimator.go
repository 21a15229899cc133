package progress

import (
	"time"

	units "github.com/docker/go-units"
)

// smoothingFactor weights the newest instantaneous sample.
const smoothingFactor = 0.3

// Estimator smooths throughput samples for one transfer.
type Estimator struct {
	lastBytes int64
	lastAt    time.Time
	smoothed  float64
}

// NewEstimator starts an estimator at zero bytes at the given instant.
func NewEstimator(start time.Time) *Estimator {
	return &Estimator{lastAt: start}
}

// Observe feeds the cumulative byte count seen at instant at and returns the
// smoothed speed in bytes per second. Samples with no elapsed whole
// millisecond or no new bytes leave the estimate unchanged.
func (e *Estimator) Observe(bytes int64, at time.Time) int64 {
	ms := at.Sub(e.lastAt).Milliseconds()
	if ms <= 0 || bytes <= e.lastBytes {
		return int64(e.smoothed)
	}

	instant := float64(bytes-e.lastBytes) * 1000 / float64(ms)
	if e.smoothed == 0 {
		e.smoothed = instant
	} else {
		e.smoothed = smoothingFactor*instant + (1-smoothingFactor)*e.smoothed
	}
	e.lastBytes = bytes
	e.lastAt = at
	return int64(e.smoothed)
}

var speedUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatSpeed renders bytes per second as "512 B/s", "1.2 KB/s", "3.4 MB/s".
func FormatSpeed(bytesPerSecond int64) string {
	if bytesPerSecond < 1024 {
		return units.CustomSize("%.0f %s", float64(bytesPerSecond), 1024, speedUnits) + "/s"
	}
	return units.CustomSize("%.1f %s", float64(bytesPerSecond), 1024, speedUnits) + "/s"
}
