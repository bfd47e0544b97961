package scheduler

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/domain"
	"cadence/internal/store"
)

type cutoffRecorder struct {
	abandoned, orphaned time.Time
	orphanCalls         int
	err                 error
}

func (r *cutoffRecorder) ReapAbandonedRuns(_ context.Context, cutoff time.Time) (int, error) {
	r.abandoned = cutoff
	return 2, r.err
}

func (r *cutoffRecorder) ReapOrphanedRuns(_ context.Context, cutoff time.Time) (int, error) {
	r.orphaned = cutoff
	r.orphanCalls++
	return 1, nil
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		expr  string
		valid bool
	}{
		{"@every 1m", true},
		{"*/5 * * * *", true},
		{"@hourly", true},
		{"0 0 * * * *", false},
		{"not a schedule", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := ValidateSchedule(tt.expr)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestNextSweep(t *testing.T) {
	next, err := NextSweep("*/15 * * * *", time.Date(2024, 1, 1, 10, 7, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 15, 0, 0, time.UTC), next)

	_, err = NextSweep("bogus", time.Now())
	assert.Error(t, err)
}

func TestNewReaperRejectsBadConfig(t *testing.T) {
	_, err := NewReaper(&cutoffRecorder{}, ReaperConfig{Schedule: "bogus", HeartbeatInterval: time.Second}, zerolog.Nop())
	var ce *domain.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "reaper.schedule", ce.Setting)

	_, err = NewReaper(&cutoffRecorder{}, ReaperConfig{Schedule: "@every 1m"}, zerolog.Nop())
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "supervisor.heartbeat_interval", ce.Setting)
}

func TestSweepCutoffs(t *testing.T) {
	rec := &cutoffRecorder{}
	r, err := NewReaper(rec, ReaperConfig{
		Schedule:          "@every 1m",
		HeartbeatInterval: 10 * time.Second,
		HeartbeatMisses:   3,
		QueuedTimeout:     time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)
	r.now = func() time.Time { return t0 }

	abandoned, orphaned, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, abandoned)
	assert.Equal(t, 1, orphaned)
	assert.Equal(t, t0.Add(-30*time.Second), rec.abandoned)
	assert.Equal(t, t0.Add(-time.Hour), rec.orphaned)
}

func TestSweepWithoutQueuedTimeout(t *testing.T) {
	rec := &cutoffRecorder{}
	r, err := NewReaper(rec, ReaperConfig{Schedule: "@every 1m", HeartbeatInterval: time.Second}, zerolog.Nop())
	require.NoError(t, err)

	_, orphaned, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, orphaned)
	assert.Zero(t, rec.orphanCalls)
}

func TestSweepPropagatesErrors(t *testing.T) {
	rec := &cutoffRecorder{err: errors.New("locked")}
	r, err := NewReaper(rec, ReaperConfig{Schedule: "@every 1m", HeartbeatInterval: time.Second, QueuedTimeout: time.Minute}, zerolog.Nop())
	require.NoError(t, err)

	_, _, err = r.Sweep(context.Background())
	assert.EqualError(t, err, "locked")
	assert.Zero(t, rec.orphanCalls)
}

func TestReaperStartStops(t *testing.T) {
	var logs bytes.Buffer
	r, err := NewReaper(&cutoffRecorder{}, ReaperConfig{Schedule: "@every 1h", HeartbeatInterval: time.Second},
		zerolog.New(zerolog.SyncWriter(&logs)).Level(zerolog.InfoLevel))
	require.NoError(t, err)
	r.now = func() time.Time { return t0 }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop")
	}
	assert.Contains(t, logs.String(), `"next":"2018-07-28T01:00:00Z"`)
}

func TestSweepAgainstStore(t *testing.T) {
	ctx := context.Background()
	now := t0
	st, err := store.Open(ctx, store.DriverSQLite, ":memory:", store.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureSchema(ctx))

	task, err := st.CreateTask(ctx, domain.Task{Name: "t", Type: "shell", RunFrequencySeconds: 60})
	require.NoError(t, err)
	params := domain.RunParams{TaskID: task.ID, RunDS: t0, IntervalStartDS: t0, IntervalEndDS: t0.Add(time.Minute)}

	running, err := st.CreateRun(ctx, params)
	require.NoError(t, err)
	require.NoError(t, st.TransitionRun(ctx, running, domain.RunRunning, ""))
	_, err = st.CreateHeartbeat(ctx, running, "shell")
	require.NoError(t, err)

	queued, err := st.CreateRun(ctx, params)
	require.NoError(t, err)

	now = t0.Add(2 * time.Hour)
	r, err := NewReaper(st, ReaperConfig{
		Schedule:          "@every 1m",
		HeartbeatInterval: 10 * time.Second,
		HeartbeatMisses:   3,
		QueuedTimeout:     time.Hour,
	}, zerolog.Nop())
	require.NoError(t, err)
	r.now = func() time.Time { return now }

	abandoned, orphaned, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, abandoned)
	assert.Equal(t, 1, orphaned)

	run, err := st.GetRun(ctx, running)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.State)
	assert.Equal(t, "heartbeat lost", run.Error)

	run, err = st.GetRun(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.State)
	assert.Equal(t, "never started", run.Error)
}
