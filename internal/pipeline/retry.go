package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"wayfarer/internal/config"
	"wayfarer/internal/services"
)

// RetryPolicy bounds stage and checkpoint retries.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
}

// DefaultRetryPolicy is exponential from 1s, doubling with 0.5 jitter, capped
// at 10s, three attempts in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Initial: time.Second, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.5}
}

// RetryPolicyFromConfig reads the [pipeline] backoff settings.
func RetryPolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Initial:     cfg.Pipeline.BackoffInitial(),
		Max:         cfg.Pipeline.BackoffMax(),
		Multiplier:  cfg.Pipeline.BackoffMultiplier,
		Jitter:      cfg.Pipeline.BackoffJitter,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = def.Jitter
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context, clock clockwork.Clock) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Max
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Clock = clock
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// retry runs op until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. notify runs before each wait with the failed
// attempt number.
func (p RetryPolicy) retry(ctx context.Context, clock clockwork.Clock, op func(attempt int) error, notify func(attempt int, err error, wait time.Duration)) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(attempt)
		if err != nil && !services.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) { notify(attempt, err, wait) }
	}
	return backoff.RetryNotifyWithTimer(operation, p.backOff(ctx, clock), onRetry, &clockTimer{clock: clock})
}

// clockTimer drives backoff waits from an injected clock.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
