// Package executor hands runs to the broker and drives the worker pool that
// takes them off it.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"cadence/internal/domain"
	"cadence/internal/queue"
)

// RetryPolicy bounds how hard ExecuteAsync tries to enqueue one run.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
}

type Dispatcher struct {
	broker         queue.Broker
	policy         RetryPolicy
	enqueueTimeout time.Duration
	limiter        *rate.Limiter
	log            zerolog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithRetryPolicy(p RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.policy = p }
}

// WithEnqueueTimeout bounds a single enqueue attempt.
func WithEnqueueTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.enqueueTimeout = t }
}

// WithRateLimit caps dispatches per second. A non-positive rps disables the
// limit.
func WithRateLimit(rps float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if rps <= 0 {
			d.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewDispatcher(b queue.Broker, log zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		broker:         b,
		policy:         DefaultRetryPolicy(),
		enqueueTimeout: 5 * time.Second,
		log:            log.With().Str("component", "dispatcher").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.policy.MaxAttempts < 1 {
		d.policy.MaxAttempts = 1
	}
	return d
}

// ExecuteAsync enqueues p and returns without waiting for it to run. Each
// attempt is bounded by the enqueue timeout; failed attempts are retried
// with exponential backoff. Once attempts are exhausted the error is a
// *domain.TransientDispatchError.
func (d *Dispatcher) ExecuteAsync(ctx context.Context, p domain.RunParams) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return &domain.TransientDispatchError{Attempts: 0, Err: err}
		}
	}

	attempts := 0
	op := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, d.enqueueTimeout)
		defer cancel()
		err := d.broker.Enqueue(actx, p)
		if errors.Is(err, queue.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.log.Warn().Err(err).
			Str("run_id", p.RunID).
			Str("task_id", p.TaskID).
			Int("attempt", attempts).
			Dur("retry_in", wait).
			Msg("enqueue failed, retrying")
	}

	if err := backoff.RetryNotify(op, d.retrier(ctx), notify); err != nil {
		return &domain.TransientDispatchError{Attempts: attempts, Err: err}
	}
	d.log.Debug().Str("run_id", p.RunID).Str("task_id", p.TaskID).Int("attempts", attempts).Msg("run enqueued")
	return nil
}

func (d *Dispatcher) retrier(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.policy.InitialDelay
	if d.policy.MaxDelay > 0 {
		eb.MaxInterval = d.policy.MaxDelay
	}
	if d.policy.Multiplier >= 1 {
		eb.Multiplier = d.policy.Multiplier
	}
	eb.RandomizationFactor = 0.1
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.policy.MaxAttempts-1)), ctx)
}
