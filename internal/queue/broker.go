// Package queue carries dispatched runs from the scheduler to workers.
package queue

import (
	"context"
	"errors"
	"sync"

	"cadence/internal/domain"
)

var ErrClosed = errors.New("broker closed")

// Broker is the hand-off point between the dispatcher and the worker pool.
// Enqueue must not block past ctx; Dequeue blocks until a run is available,
// ctx is done, or the broker is closed.
type Broker interface {
	Enqueue(ctx context.Context, p domain.RunParams) error
	Dequeue(ctx context.Context) (domain.RunParams, error)
	Close() error
}

// MemoryBroker is a bounded in-process queue. It only connects a scheduler
// and workers that share one process.
type MemoryBroker struct {
	ch        chan domain.RunParams
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemoryBroker(size int) *MemoryBroker {
	if size < 1 {
		size = 1
	}
	return &MemoryBroker{
		ch:   make(chan domain.RunParams, size),
		done: make(chan struct{}),
	}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, p domain.RunParams) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- p:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Dequeue(ctx context.Context) (domain.RunParams, error) {
	select {
	case p := <-b.ch:
		return p, nil
	case <-b.done:
		return domain.RunParams{}, ErrClosed
	case <-ctx.Done():
		return domain.RunParams{}, ctx.Err()
	}
}

// Len reports the number of runs waiting.
func (b *MemoryBroker) Len() int { return len(b.ch) }

func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
