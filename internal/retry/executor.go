package retry

import (
	"context"
	"time"

	"github.com/pranitl/image2model/internal/transport"
	"github.com/pranitl/image2model/pkg/log"
)

// Executor runs operations under the retry policy and circuit breaker.
type Executor struct {
	policy  Policy
	breaker *Breaker
	logger  log.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	// OnRetry, when set, observes each scheduled retry: the operation key,
	// the retry number (1-based), the chosen delay, and the triggering error.
	OnRetry func(key string, attempt int, delay time.Duration, err error)
}

type observerKey struct{}

// WithObserver attaches a per-call retry observer to ctx. Do reports each
// scheduled retry to it with the delay it will actually sleep, including
// any server-provided minimum.
func WithObserver(ctx context.Context, fn func(attempt int, delay time.Duration, err error)) context.Context {
	return context.WithValue(ctx, observerKey{}, fn)
}

func observerFrom(ctx context.Context) func(attempt int, delay time.Duration, err error) {
	fn, _ := ctx.Value(observerKey{}).(func(attempt int, delay time.Duration, err error))
	return fn
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l log.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l.WithComponent("retry") }
}

// WithSleep overrides the delay function. Intended for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

// NewExecutor creates an Executor over the given policy and breaker.
func NewExecutor(policy Policy, breaker *Breaker, opts ...ExecutorOption) *Executor {
	e := &Executor{
		policy:  policy,
		breaker: breaker,
		logger:  log.NewTestLogger(),
		sleep:   sleepCtx,
	}
	if e.breaker == nil {
		e.breaker = NewBreaker(5, time.Minute)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breaker exposes the underlying breaker for manual relax/reset.
func (e *Executor) Breaker() *Breaker { return e.breaker }

// Policy returns the executor's retry policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do runs op under the policy. Validation errors and other non-retryable
// failures surface immediately; retryable ones are retried up to
// MaxAttempts with backoff, honoring any server-provided minimum delay.
// A key whose breaker is open short-circuits with CircuitOpenError before
// op is invoked.
func (e *Executor) Do(ctx context.Context, key string, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := e.breaker.Allow(key); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			e.breaker.RecordSuccess(key)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.breaker.RecordFailure(key)

		if !transport.Retryable(err) || attempt >= e.policy.MaxAttempts {
			return err
		}

		delay := e.policy.Backoff(attempt + 1)
		if hint := transport.RetryAfterHint(err); hint > delay {
			delay = hint
		}
		if e.OnRetry != nil {
			e.OnRetry(key, attempt+1, delay, err)
		}
		if fn := observerFrom(ctx); fn != nil {
			fn(attempt+1, delay, err)
		}
		e.logger.Warn("retrying operation",
			log.Str("key", key),
			log.Int("attempt", attempt+1),
			log.Int("max", e.policy.MaxAttempts),
			log.Duration("delay", delay),
			log.Err(err))
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
