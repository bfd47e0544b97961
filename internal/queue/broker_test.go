package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/domain"
)

func run(id string) domain.RunParams {
	ds := time.Date(2018, 7, 28, 0, 0, 0, 0, time.UTC)
	return domain.RunParams{RunID: id, TaskID: "tsk_1", TaskType: "shell", RunDS: ds, IntervalStartDS: ds.Add(-time.Minute), IntervalEndDS: ds}
}

func TestMemoryBrokerFIFO(t *testing.T) {
	b := NewMemoryBroker(4)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, run("a")))
	require.NoError(t, b.Enqueue(ctx, run("b")))
	assert.Equal(t, 2, b.Len())

	p, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", p.RunID)
	p, err = b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", p.RunID)
}

func TestMemoryBrokerEnqueueBoundedByContext(t *testing.T) {
	b := NewMemoryBroker(1)
	require.NoError(t, b.Enqueue(context.Background(), run("a")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := b.Enqueue(ctx, run("b"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMemoryBrokerClose(t *testing.T) {
	b := NewMemoryBroker(1)

	errc := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(context.Background())
		errc <- err
	}()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}
	assert.ErrorIs(t, b.Enqueue(context.Background(), run("x")), ErrClosed)
}

func TestRedisBroker(t *testing.T) {
	addr := os.Getenv("CADENCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CADENCE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := DialRedis(ctx, "redis://"+addr+"/15")
	require.NoError(t, err)

	key := "cadence:test:" + time.Now().Format("150405.000000")
	b := NewRedisBroker(client, key)
	t.Cleanup(func() {
		client.Del(context.Background(), key)
		b.Close()
	})

	require.NoError(t, b.Enqueue(ctx, run("a")))
	require.NoError(t, b.Enqueue(ctx, run("b")))

	p, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", p.RunID)
	assert.Equal(t, run("a").RunDS, p.RunDS.UTC())

	p, err = b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", p.RunID)

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = b.Dequeue(cctx)
	assert.Error(t, err)
}

func TestDialRedisBadURL(t *testing.T) {
	_, err := DialRedis(context.Background(), "not a url")
	var ce *domain.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "redis.url", ce.Setting)
}
