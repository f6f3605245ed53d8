package engine

import (
	"time"

	"github.com/bryan-buckman/followsync/internal/model"
)

// Staleness thresholds per importance tier.
const (
	RealtimeThreshold = 5 * time.Minute
	DailyThreshold    = time.Hour
	SlowThreshold     = 12 * time.Hour
)

// Threshold is how long a follow of the given importance stays fresh before jitter.
func Threshold(importance int) time.Duration {
	switch {
	case importance < 1:
		return RealtimeThreshold
	case importance < 2:
		return DailyThreshold
	default:
		return SlowThreshold
	}
}

// IsStale reports whether f is due for a fetch at now. A follow never fetched is
// always due; otherwise the tier threshold is scaled by the recorded delay factor.
func IsStale(f *model.Follow, last *model.FetchRecord, now time.Time) bool {
	if last == nil {
		return true
	}
	factor := last.DelayFactor
	if factor <= 0 {
		factor = 1.0
	}
	limit := time.Duration(float64(Threshold(f.Importance)) * factor)
	return now.Sub(last.At) > limit
}
