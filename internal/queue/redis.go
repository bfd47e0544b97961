package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"cadence/internal/domain"
)

// pollTimeout bounds each BRPOP so Dequeue notices Close and ctx promptly.
const pollTimeout = time.Second

// RedisBroker keeps runs in a Redis list: LPUSH on enqueue, BRPOP on
// dequeue. It lets schedulers and workers run as separate processes.
type RedisBroker struct {
	client redis.UniversalClient
	key    string
	closed atomic.Bool
}

func NewRedisBroker(client redis.UniversalClient, key string) *RedisBroker {
	return &RedisBroker{client: client, key: key}
}

// DialRedis parses a redis:// or rediss:// URL and checks the server answers.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, &domain.ConfigurationError{Setting: "redis.url", Value: url, Err: err}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

func (b *RedisBroker) Enqueue(ctx context.Context, p domain.RunParams) error {
	if b.closed.Load() {
		return ErrClosed
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", p.RunID, err)
	}
	return b.client.LPush(ctx, b.key, payload).Err()
}

func (b *RedisBroker) Dequeue(ctx context.Context) (domain.RunParams, error) {
	for {
		if b.closed.Load() {
			return domain.RunParams{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return domain.RunParams{}, err
		}
		res, err := b.client.BRPop(ctx, pollTimeout, b.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.RunParams{}, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return domain.RunParams{}, ErrClosed
			}
			return domain.RunParams{}, err
		}
		// res is [key, value]
		var p domain.RunParams
		if err := json.Unmarshal([]byte(res[1]), &p); err != nil {
			return domain.RunParams{}, fmt.Errorf("decode run from %s: %w", b.key, err)
		}
		return p, nil
	}
}

// Close stops Dequeue loops and closes the client.
func (b *RedisBroker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
