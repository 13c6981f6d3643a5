package queue

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffCap  = 30 * time.Minute
	DefaultJitter      = 0.2
)

// Backoff computes min(Base*2^n, Cap) with multiplicative jitter in [1-Jitter, 1+Jitter],
// clamped to Cap.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap, Jitter: DefaultJitter}
}

func (b Backoff) Delay(n int) time.Duration {
	base, capD := b.Base, b.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if capD <= 0 {
		capD = DefaultBackoffCap
	}
	if capD < base {
		capD = base
	}
	if n < 0 {
		n = 0
	}

	d := base
	for i := 0; i < n && d < capD; i++ {
		d *= 2
	}
	if d > capD {
		d = capD
	}

	j := b.Jitter
	if j > 0 {
		if j > 1 {
			j = 1
		}
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		d = time.Duration(float64(d) * (1 - j + 2*j*r()))
	}
	if d > capD {
		d = capD
	}
	if d < 0 {
		d = 0
	}
	return d
}
