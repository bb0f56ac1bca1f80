package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff spaces retry attempts. A Factor of 1 or less keeps the delay at
// Base.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	// Jitter spreads each delay uniformly over [d/2, d].
	Jitter bool
}

// Fixed returns a constant-interval backoff.
func Fixed(d time.Duration) Backoff {
	return Backoff{Base: d}
}

// Delay returns the wait after attempt N (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base)
	if b.Factor > 1 {
		d *= math.Pow(b.Factor, float64(attempt-1))
	}
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	if b.Jitter {
		d = d/2 + rand.Float64()*d/2
	}
	return time.Duration(d)
}
