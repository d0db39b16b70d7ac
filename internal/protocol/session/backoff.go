package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before dial attempt N+1 after attempt N (1-based) failed.
// Jitter scales the delay by a factor in [0.5, 1.5) drawn from rng; a nil rng
// leaves it unscaled. An unbounded delay saturates instead of overflowing.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.InitialDelay) * math.Pow(math.Max(b.Multiplier, 1), float64(attempt-1))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter && rng != nil {
		d *= 0.5 + rng.Float64()
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
