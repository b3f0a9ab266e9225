package fetch

import (
	"golang.org/x/time/rate"
)

// Burst headroom over the steady pacing rate: short bursts up to 2x are
// tolerated while the average holds the configured requests per second.
const burstMultiplier = 2

// NewPacingLimiter creates a global fetch pacing limiter from a
// requests-per-second value. Zero or negative means unlimited (nil limiter),
// which Requester treats as "no pacing". A non-positive burst derives the
// 2x headroom default.
func NewPacingLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}

	if burst < 1 {
		burst = int(perSecond * burstMultiplier)
	}

	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
