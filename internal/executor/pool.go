package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cadence/internal/domain"
	"cadence/internal/queue"
)

// Runner executes one dequeued run to completion. The supervisor is the
// production Runner.
type Runner interface {
	Run(ctx context.Context, p domain.RunParams) error
}

type Pool struct {
	broker queue.Broker
	runner Runner
	log    zerolog.Logger
}

func NewPool(b queue.Broker, runner Runner, log zerolog.Logger) *Pool {
	return &Pool{broker: b, runner: runner, log: log.With().Str("component", "pool").Logger()}
}

// Start launches concurrency workers and blocks until ctx is done or the
// broker is closed. When ctx ends it returns context.Cause(ctx).
func (p *Pool) Start(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		return &domain.ConfigurationError{
			Setting: "executor.concurrency",
			Value:   strconv.Itoa(concurrency),
			Err:     errors.New("must be at least 1"),
		}
	}
	p.log.Info().Int("concurrency", concurrency).Msg("worker pool started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		id := i
		g.Go(func() error { return p.work(gctx, id) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.log.Info().Msg("worker pool stopped")
	return context.Cause(ctx)
}

func (p *Pool) work(ctx context.Context, id int) error {
	log := p.log.With().Int("worker", id).Logger()
	failures := 0
	for {
		params, err := p.broker.Dequeue(ctx)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			failures++
			wait := dequeueBackoff(failures)
			log.Error().Err(err).Dur("retry_in", wait).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		// a run dequeued as ctx ends is still handed over; the runner
		// resolves it to a terminal state
		rlog := log.With().Str("run_id", params.RunID).Str("task_id", params.TaskID).Str("task_type", params.TaskType).Logger()
		if err := p.runOne(ctx, params); err != nil {
			rlog.Error().Err(err).Msg("run failed")
			continue
		}
		rlog.Info().Msg("run succeeded")
	}
}

// runOne keeps a panicking runner from taking the worker down with it.
func (p *Pool) runOne(ctx context.Context, params domain.RunParams) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.ExecutionError{Type: "panic", Message: fmt.Sprint(r), Trace: string(debug.Stack())}
		}
	}()
	return p.runner.Run(ctx, params)
}

// dequeueBackoff returns 1s, 2s, 4s ... capped at 60s.
func dequeueBackoff(failures int) time.Duration {
	if failures <= 0 {
		return time.Second
	}
	if failures > 7 {
		return time.Minute
	}
	d := time.Duration(1<<(failures-1)) * time.Second
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
