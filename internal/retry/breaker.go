package retry

import (
	"fmt"
	"sync"
	"time"
)

// CircuitOpenError is produced locally when a key's breaker is open. It is
// never retried automatically; the caller waits or retries manually.
type CircuitOpenError struct {
	Key      string
	Failures int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("service unavailable: circuit open for %s after %d consecutive failures", e.Key, e.Failures)
}

// Breaker tracks consecutive failures per operation key.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	resetAfter  time.Duration
	now         func() time.Time
	states      map[string]*breakerState
}

type breakerState struct {
	consecutiveFailures int
	lastSuccess         time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker creates a breaker that opens a key at threshold consecutive
// failures and resets it once resetAfter has passed since the key's last
// success.
func NewBreaker(threshold int, resetAfter time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetAfter <= 0 {
		resetAfter = time.Minute
	}
	b := &Breaker{
		threshold:  threshold,
		resetAfter: resetAfter,
		now:        time.Now,
		states:     make(map[string]*breakerState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) state(key string) *breakerState {
	st, ok := b.states[key]
	if !ok {
		// lastSuccess starts at creation time so a key that has never
		// succeeded can still recover once the reset window elapses.
		st = &breakerState{lastSuccess: b.now()}
		b.states[key] = st
	}
	return st
}

// Allow reports whether a call on key may proceed. When the breaker is open
// it returns CircuitOpenError, unless the reset window has elapsed since the
// key's last success, in which case the key is reset and the call proceeds.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(key)
	if st.consecutiveFailures < b.threshold {
		return nil
	}
	if b.now().Sub(st.lastSuccess) > b.resetAfter {
		st.consecutiveFailures = 0
		return nil
	}
	return &CircuitOpenError{Key: key, Failures: st.consecutiveFailures}
}

// RecordSuccess resets the key's failure count and success timestamp.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(key)
	st.consecutiveFailures = 0
	st.lastSuccess = b.now()
}

// RecordFailure increments the key's consecutive failure count.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state(key).consecutiveFailures++
}

// Relax decrements the key's failure count by one, allowing user-initiated
// recovery through an otherwise open breaker.
func (b *Breaker) Relax(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(key)
	if st.consecutiveFailures > 0 {
		st.consecutiveFailures--
	}
}

// Failures returns the key's current consecutive failure count.
func (b *Breaker) Failures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(key).consecutiveFailures
}

// Open reports whether the key's breaker is currently open.
func (b *Breaker) Open(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state(key).consecutiveFailures >= b.threshold
}

// Reset clears all keys.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states = make(map[string]*breakerState)
}
