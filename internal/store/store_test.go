package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2018, 7, 28, 0, 0, 0, 0, time.UTC)}
	st, err := Open(context.Background(), DriverSQLite, ":memory:", WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st, clock
}

func sampleTask(t *testing.T, st *Store, name string) domain.Task {
	t.Helper()
	task, err := st.CreateTask(context.Background(), domain.Task{
		Name:                name,
		Type:                "shell",
		Args:                json.RawMessage(`{"command":"true"}`),
		RunFrequencySeconds: 60,
		ScheduleLatest:      true,
	})
	require.NoError(t, err)
	return task
}

func paramsFor(task domain.Task, runDS time.Time) domain.RunParams {
	return domain.RunParams{
		TaskID:          task.ID,
		RunDS:           runDS,
		IntervalStartDS: runDS.Add(-task.Frequency()),
		IntervalEndDS:   runDS,
	}
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	st, _ := testStore(t)
	require.NoError(t, st.EnsureSchema(context.Background()))
}

func TestTaskRoundTrip(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()

	created := sampleTask(t, st, "news")
	assert.Contains(t, created.ID, "tsk_")

	got, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "news", got.Name)
	assert.Equal(t, 60, got.RunFrequencySeconds)
	assert.True(t, got.ScheduleLatest)
	assert.JSONEq(t, `{"command":"true"}`, string(got.Args))

	sampleTask(t, st, "alpha")
	all, err := st.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)

	_, err = st.GetTask(ctx, "tsk_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateTaskValidation(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		task    domain.Task
		setting string
	}{
		{"missing name", domain.Task{Type: "shell", RunFrequencySeconds: 60}, "name"},
		{"missing type", domain.Task{Name: "x", RunFrequencySeconds: 60}, "type"},
		{"zero frequency", domain.Task{Name: "x", Type: "shell"}, "run_frequency_seconds"},
		{"bad args", domain.Task{Name: "x", Type: "shell", RunFrequencySeconds: 1, Args: json.RawMessage(`{`)}, "args"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := st.CreateTask(ctx, tt.task)
			var ce *domain.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.setting, ce.Setting)
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	st, clock := testStore(t)
	ctx := context.Background()
	task := sampleTask(t, st, "job")
	runDS := time.Date(2018, 7, 28, 0, 0, 0, 0, time.UTC)

	id, err := st.CreateRun(ctx, paramsFor(task, runDS))
	require.NoError(t, err)

	run, err := st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, run.State)
	assert.Equal(t, runDS, run.RunDS)
	assert.Equal(t, time.Minute, run.IntervalEndDS.Sub(run.IntervalStartDS))
	assert.Nil(t, run.StartTime)

	clock.Advance(time.Second)
	require.NoError(t, st.TransitionRun(ctx, id, domain.RunRunning, ""))
	run, err = st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.State)
	require.NotNil(t, run.StartTime)
	assert.Equal(t, clock.Now(), *run.StartTime)

	// a second RUNNING transition is rejected: exactly one per run
	err = st.TransitionRun(ctx, id, domain.RunRunning, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	clock.Advance(time.Second)
	require.NoError(t, st.TransitionRun(ctx, id, domain.RunFailed, "boom"))
	run, err = st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.State)
	assert.Equal(t, "boom", run.Error)
	require.NotNil(t, run.EndTime)

	// terminal transitions are idempotent for the state they set and final otherwise
	assert.NoError(t, st.TransitionRun(ctx, id, domain.RunFailed, "again"))
	assert.ErrorIs(t, st.TransitionRun(ctx, id, domain.RunSuccess, ""), domain.ErrInvalidTransition)
	run, err = st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "boom", run.Error)
}

func TestTransitionRunErrors(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()
	task := sampleTask(t, st, "job")

	assert.ErrorIs(t, st.TransitionRun(ctx, "run_missing", domain.RunRunning, ""), domain.ErrNotFound)

	id, err := st.CreateRun(ctx, paramsFor(task, time.Date(2018, 7, 28, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.ErrorIs(t, st.TransitionRun(ctx, id, domain.RunSuccess, ""), domain.ErrInvalidTransition)
	assert.ErrorIs(t, st.TransitionRun(ctx, id, domain.RunQueued, ""), domain.ErrInvalidTransition)

	// QUEUED may fail directly
	require.NoError(t, st.TransitionRun(ctx, id, domain.RunFailed, "dispatch"))
}

func TestLastRunDSSkipsNeverStartedFailures(t *testing.T) {
	st, _ := testStore(t)
	ctx := context.Background()
	task := sampleTask(t, st, "job")
	first := time.Date(2018, 7, 28, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)

	id1, err := st.CreateRun(ctx, paramsFor(task, first))
	require.NoError(t, err)
	require.NoError(t, st.TransitionRun(ctx, id1, domain.RunRunning, ""))
	require.NoError(t, st.TransitionRun(ctx, id1, domain.RunSuccess, ""))

	id2, err := st.CreateRun(ctx, paramsFor(task, second))
	require.NoError(t, err)

	last, err := st.LastRunDS(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, last[task.ID], "queued runs count")

	require.NoError(t, st.TransitionRun(ctx, id2, domain.RunFailed, "dispatch failed"))
	last, err = st.LastRunDS(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, last[task.ID])
}

func TestListAndCountRuns(t *testing.T) {
	st, clock := testStore(t)
	ctx := context.Background()
	a := sampleTask(t, st, "a")
	b := sampleTask(t, st, "b")
	base := time.Date(2018, 7, 28, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		_, err := st.CreateRun(ctx, paramsFor(a, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	clock.Advance(time.Second)
	idB, err := st.CreateRun(ctx, paramsFor(b, base))
	require.NoError(t, err)
	require.NoError(t, st.TransitionRun(ctx, idB, domain.RunRunning, ""))

	all, err := st.ListRecentRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, idB, all[0].ID)

	onlyA, err := st.ListRecentRuns(ctx, a.ID, 2)
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	counts, err := st.CountRunsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.RunQueued])
	assert.Equal(t, 1, counts[domain.RunRunning])
	assert.Equal(t, 0, counts[domain.RunSuccess])
}

func TestHeartbeats(t *testing.T) {
	st, clock := testStore(t)
	ctx := context.Background()
	task := sampleTask(t, st, "job")

	id, err := st.CreateRun(ctx, paramsFor(task, clock.Now()))
	require.NoError(t, err)
	require.NoError(t, st.TransitionRun(ctx, id, domain.RunRunning, ""))

	hb, err := st.CreateHeartbeat(ctx, id, "shell")
	require.NoError(t, err)
	assert.Contains(t, hb.ID, "hb_")
	proc, err := st.CreateHeartbeat(ctx, "", "scheduler")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	require.NoError(t, st.TouchHeartbeat(ctx, hb.ID))
	assert.ErrorIs(t, st.TouchHeartbeat(ctx, "hb_missing"), domain.ErrNotFound)

	stale, err := st.StaleHeartbeats(ctx, clock.Now().Add(-10*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, proc.ID, stale[0].ID)
	assert.Empty(t, stale[0].TaskRunID)

	clock.Advance(time.Minute)
	stale, err = st.StaleHeartbeats(ctx, clock.Now().Add(-10*time.Second))
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	// finished runs drop out of the stale view
	require.NoError(t, st.TransitionRun(ctx, id, domain.RunSuccess, ""))
	stale, err = st.StaleHeartbeats(ctx, clock.Now().Add(-10*time.Second))
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func TestReapAbandonedAndOrphanedRuns(t *testing.T) {
	st, clock := testStore(t)
	ctx := context.Background()
	task := sampleTask(t, st, "job")
	base := clock.Now()

	alive, err := st.CreateRun(ctx, paramsFor(task, base))
	require.NoError(t, err)
	require.NoError(t, st.TransitionRun(ctx, alive, domain.RunRunning, ""))
	aliveHB, err := st.CreateHeartbeat(ctx, alive, "shell")
	require.NoError(t, err)

	dead, err := st.CreateRun(ctx, paramsFor(task, base.Add(time.Minute)))
	require.NoError(t, err)
	require.NoError(t, st.TransitionRun(ctx, dead, domain.RunRunning, ""))
	_, err = st.CreateHeartbeat(ctx, dead, "shell")
	require.NoError(t, err)

	orphan, err := st.CreateRun(ctx, paramsFor(task, base.Add(2*time.Minute)))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	require.NoError(t, st.TouchHeartbeat(ctx, aliveHB.ID))

	n, err := st.ReapAbandonedRuns(ctx, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.ReapOrphanedRuns(ctx, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[string]domain.RunState{alive: domain.RunRunning, dead: domain.RunFailed, orphan: domain.RunFailed} {
		run, err := st.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, run.State, id)
	}
	run, err := st.GetRun(ctx, dead)
	require.NoError(t, err)
	assert.Equal(t, "heartbeat lost", run.Error)
}

func TestRebind(t *testing.T) {
	pg := New(nil, DriverPostgres)
	assert.Equal(t, "SELECT a FROM t WHERE x=$1 AND y IN ($2,$3)", pg.rebind("SELECT a FROM t WHERE x=? AND y IN (?,?)"))
	lite := New(nil, DriverSQLite)
	assert.Equal(t, "x=?", lite.rebind("x=?"))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x")
	var ce *domain.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "database.driver", ce.Setting)
}
