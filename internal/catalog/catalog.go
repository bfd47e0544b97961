// Package catalog caches task definitions for a fixed time-to-live.
package catalog

import (
	"bytes"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cadence/internal/domain"
)

// Source loads the full set of task definitions.
type Source interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
}

type Catalog struct {
	src   Source
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu        sync.RWMutex
	tasks     []domain.Task
	fetchedAt time.Time
	loaded    bool
}

type Option func(*Catalog)

// WithClock replaces time.Now, which lets tests move the TTL window.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

func New(src Source, ttl time.Duration, opts ...Option) *Catalog {
	c := &Catalog{src: src, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached tasks, refetching them from the source once the
// TTL has elapsed since the last successful fetch. Concurrent callers that
// find the cache expired share a single fetch.
//
// The returned slice is a copy; callers may not observe each other's
// modifications.
func (c *Catalog) Get(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.fresh(); ok {
		return tasks, nil
	}
	v, err, _ := c.group.Do("tasks", func() (any, error) {
		if tasks, ok := c.fresh(); ok {
			return tasks, nil
		}
		tasks, err := c.src.ListTasks(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.tasks = tasks
		c.fetchedAt = c.now()
		c.loaded = true
		c.mu.Unlock()
		return tasks, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]domain.Task)), nil
}

// Invalidate forces the next Get to refetch.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}

func (c *Catalog) fresh() ([]domain.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded || c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return clone(c.tasks), true
}

func clone(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)
	for i := range out {
		if out[i].Args != nil {
			out[i].Args = bytes.Clone(out[i].Args)
		}
	}
	return out
}
