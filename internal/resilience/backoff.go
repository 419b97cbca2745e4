package resilience

import (
	"math/rand"
	"time"
)

// MaxDelayCeiling bounds any single backoff wait, whatever the configuration asks for.
const MaxDelayCeiling = 5 * time.Minute

// Backoff computes exponential delays with multiplicative jitter.
// With Jitter at most 0.5, delays never decrease from one attempt to the next.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay added at random, clamped to [0, 0.5]

	rand func() float64
}

// NewBackoff returns a Backoff with 0.5 jitter.
func NewBackoff(base, max time.Duration) Backoff {
	return Backoff{Base: base, Max: max, Jitter: 0.5}
}

// Delay returns the wait before retrying after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	ceiling := b.Max
	if ceiling <= 0 || ceiling > MaxDelayCeiling {
		ceiling = MaxDelayCeiling
	}

	d := float64(base)
	for i := 1; i < attempt && d < float64(ceiling); i++ {
		d *= 2
	}

	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	} else if jitter > 0.5 {
		jitter = 0.5
	}
	if jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d += d * jitter * r()
	}

	if d >= float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}
