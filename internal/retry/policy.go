package retry

import (
	"math"
	"math/rand"
	"time"
)

// BackoffType selects the delay growth strategy.
type BackoffType string

const (
	BackoffExp       BackoffType = "exp"
	BackoffExpJitter BackoffType = "exp-jitter"
	BackoffFixed     BackoffType = "fixed"
	BackoffNone      BackoffType = "none"
)

// Policy describes bounded retry behavior for one class of operation.
type Policy struct {
	Type   BackoffType
	Base   time.Duration
	Cap    time.Duration
	Factor float64
	// MaxAttempts bounds retries after the first attempt.
	MaxAttempts int
	// JitterFrac is the maximum randomized fraction added on exp-jitter.
	JitterFrac float64
}

// DefaultPolicy matches the upload transport's needs: exponential growth
// from one second, capped at thirty, three retries, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Type:        BackoffExpJitter,
		Base:        time.Second,
		Cap:         30 * time.Second,
		Factor:      2.0,
		MaxAttempts: 3,
		JitterFrac:  0.10,
	}
}

// Backoff computes the delay before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Type {
	case BackoffNone:
		return 0
	case BackoffFixed:
		if p.Base <= 0 {
			return 0
		}
		if p.Cap > 0 && p.Base > p.Cap {
			return p.Cap
		}
		return p.Base
	default: // BackoffExp, BackoffExpJitter
		base := p.Base
		if base <= 0 {
			base = 200 * time.Millisecond
		}
		factor := p.Factor
		if factor <= 0 {
			factor = 2.0
		}
		delay := float64(base) * math.Pow(factor, float64(attempt-1))
		d := time.Duration(delay)
		if p.Cap > 0 && d > p.Cap {
			d = p.Cap
		}
		if p.Type == BackoffExpJitter && d > 0 {
			frac := p.JitterFrac
			if frac <= 0 {
				frac = 0.10
			}
			if jitterMax := int64(float64(d) * frac); jitterMax > 0 {
				d += time.Duration(rand.Int63n(jitterMax))
			}
		}
		return d
	}
}
