package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/catalog"
	"cadence/internal/domain"
	"cadence/internal/queue"
	"cadence/internal/store"
)

type staticCatalog struct {
	tasks []domain.Task
	err   error
}

func (c staticCatalog) Get(context.Context) ([]domain.Task, error) { return c.tasks, c.err }

type fakeRuns struct {
	mu      sync.Mutex
	last    map[string]time.Time
	lastErr error
	created []domain.RunParams
	states  map[string]domain.RunState
	errs    map[string]string
	failOn  string
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{last: map[string]time.Time{}, states: map[string]domain.RunState{}, errs: map[string]string{}}
}

func (f *fakeRuns) LastRunDS(context.Context) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time, len(f.last))
	for k, v := range f.last {
		out[k] = v
	}
	return out, f.lastErr
}

func (f *fakeRuns) CreateRun(_ context.Context, p domain.RunParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.TaskID == f.failOn {
		return "", &domain.PersistenceError{Op: "create run", Err: errors.New("disk full")}
	}
	id := fmt.Sprintf("run_%d", len(f.created)+1)
	p.RunID = id
	f.created = append(f.created, p)
	f.states[id] = domain.RunQueued
	if !f.last[p.TaskID].After(p.RunDS) {
		f.last[p.TaskID] = p.RunDS
	}
	return id, nil
}

func (f *fakeRuns) TransitionRun(_ context.Context, id string, to domain.RunState, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !domain.CanTransition(f.states[id], to) {
		return domain.ErrInvalidTransition
	}
	f.states[id] = to
	f.errs[id] = errMsg
	return nil
}

type fakeExec struct {
	mu     sync.Mutex
	got    []domain.RunParams
	err    error
	panics bool
}

func (e *fakeExec) ExecuteAsync(_ context.Context, p domain.RunParams) error {
	if e.panics {
		panic("boom")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.got = append(e.got, p)
	return nil
}

func (e *fakeExec) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.got)
}

type knownTypes map[string]bool

func (k knownTypes) Validate(t string) error {
	if !k[t] {
		return &domain.ConfigurationError{Setting: "task_type", Value: t, Err: domain.ErrUnknownTaskType}
	}
	return nil
}

type fakeHeartbeats struct {
	mu      sync.Mutex
	created int
	touched int
	lost    bool
}

func (h *fakeHeartbeats) CreateHeartbeat(_ context.Context, runID, taskType string) (domain.Heartbeat, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created++
	return domain.Heartbeat{ID: fmt.Sprintf("hb_%d", h.created), TaskRunID: runID, TaskType: taskType}, nil
}

func (h *fakeHeartbeats) TouchHeartbeat(context.Context, string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lost {
		h.lost = false
		return domain.ErrNotFound
	}
	h.touched++
	return nil
}

var t0 = time.Date(2018, 7, 28, 0, 0, 0, 0, time.UTC)

func hourly(id string) domain.Task {
	return domain.Task{ID: id, Name: "task" + id, Type: "shell", RunFrequencySeconds: 3600}
}

func TestRunOnceDispatchesDueRuns(t *testing.T) {
	runs := newFakeRuns()
	runs.last["b"] = t0.Add(-30 * time.Minute)
	exec := &fakeExec{}
	s := NewService(staticCatalog{tasks: []domain.Task{hourly("a"), hourly("b")}}, runs, exec, time.Second, zerolog.Nop())

	rep := s.RunOnce(context.Background(), t0)
	assert.Equal(t, Report{Eligible: 1, Dispatched: 1}, rep)
	require.Len(t, exec.got, 1)
	assert.Equal(t, "a", exec.got[0].TaskID)
	assert.Equal(t, "run_1", exec.got[0].RunID)
	assert.Equal(t, domain.RunQueued, runs.states["run_1"])
}

func TestRunOnceCatchUpAcrossPasses(t *testing.T) {
	runs := newFakeRuns()
	runs.last["a"] = t0.Add(-3 * time.Hour)
	exec := &fakeExec{}
	s := NewService(staticCatalog{tasks: []domain.Task{hourly("a")}}, runs, exec, time.Second, zerolog.Nop())

	for i := 0; i < 5; i++ {
		s.RunOnce(context.Background(), t0)
	}
	require.Len(t, exec.got, 3)
	for i, p := range exec.got {
		assert.Equal(t, t0.Add(time.Duration(i-2)*time.Hour), p.RunDS)
	}
}

func TestRunOnceMarksRefusedDispatchFailed(t *testing.T) {
	runs := newFakeRuns()
	exec := &fakeExec{err: &domain.TransientDispatchError{Attempts: 3, Err: errors.New("broker down")}}
	s := NewService(staticCatalog{tasks: []domain.Task{hourly("a")}}, runs, exec, time.Second, zerolog.Nop())

	rep := s.RunOnce(context.Background(), t0)
	assert.Equal(t, Report{Eligible: 1, Failed: 1}, rep)
	assert.Equal(t, domain.RunFailed, runs.states["run_1"])
	assert.Contains(t, runs.errs["run_1"], "broker down")
}

func TestRunOnceIsolatesPerTaskFailures(t *testing.T) {
	runs := newFakeRuns()
	runs.failOn = "b"
	exec := &fakeExec{}
	tasks := []domain.Task{hourly("a"), hourly("b"), hourly("c")}
	tasks[2].Type = "nope"
	s := NewService(staticCatalog{tasks: tasks}, runs, exec, time.Second, zerolog.Nop(),
		WithTypeChecker(knownTypes{"shell": true}))

	rep := s.RunOnce(context.Background(), t0)
	assert.Equal(t, Report{Eligible: 3, Dispatched: 1, Failed: 2}, rep)
	require.Len(t, runs.created, 1, "unknown type must not create a run")
	assert.Equal(t, "a", runs.created[0].TaskID)
}

func TestRunOnceRecoversFromPanic(t *testing.T) {
	runs := newFakeRuns()
	s := NewService(staticCatalog{tasks: []domain.Task{hourly("a")}}, runs, &fakeExec{panics: true}, time.Second, zerolog.Nop())

	var rep Report
	require.NotPanics(t, func() { rep = s.RunOnce(context.Background(), t0) })
	assert.Equal(t, 1, rep.Failed)
}

func TestRunOnceSkipsPassOnLoadErrors(t *testing.T) {
	exec := &fakeExec{}
	s := NewService(staticCatalog{err: errors.New("db gone")}, newFakeRuns(), exec, time.Second, zerolog.Nop())
	assert.Equal(t, Report{}, s.RunOnce(context.Background(), t0))

	runs := newFakeRuns()
	runs.lastErr = errors.New("db gone")
	s = NewService(staticCatalog{tasks: []domain.Task{hourly("a")}}, runs, exec, time.Second, zerolog.Nop())
	assert.Equal(t, Report{}, s.RunOnce(context.Background(), t0))
	assert.Zero(t, exec.count())
}

func TestStartLoopsUntilCancelled(t *testing.T) {
	runs := newFakeRuns()
	exec := &fakeExec{}
	hbs := &fakeHeartbeats{}
	now := t0
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Hour)
		return now
	}
	s := NewService(staticCatalog{tasks: []domain.Task{hourly("a")}}, runs, exec, 10*time.Millisecond, zerolog.Nop(),
		WithClock(clock), WithHeartbeats(hbs))

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return exec.count() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel(&domain.CancellationError{Reason: "received interrupt"})

	select {
	case err := <-done:
		assert.True(t, domain.IsCancellation(err))
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	hbs.mu.Lock()
	defer hbs.mu.Unlock()
	assert.Equal(t, 1, hbs.created)
	assert.GreaterOrEqual(t, hbs.touched, 2)
}

func TestSchedulerHeartbeatRecreatedWhenLost(t *testing.T) {
	hbs := &fakeHeartbeats{}
	s := NewService(staticCatalog{}, newFakeRuns(), &fakeExec{}, time.Second, zerolog.Nop(), WithHeartbeats(hbs))

	s.beat(context.Background())
	hbs.lost = true
	s.beat(context.Background())
	assert.Equal(t, 2, hbs.created)
	assert.Equal(t, "hb_2", s.heartbeatID)
}

func TestRunOnceAgainstStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureSchema(ctx))

	task, err := st.CreateTask(ctx, domain.Task{Name: "hourly", Type: "shell", RunFrequencySeconds: 3600, ScheduleLatest: true})
	require.NoError(t, err)

	broker := queue.NewMemoryBroker(16)
	defer broker.Close()
	s := NewService(catalog.New(st, time.Minute), st, enqueueOnly{broker}, time.Second, zerolog.Nop(), WithHeartbeats(st))

	now := time.Date(2024, 3, 1, 12, 30, 15, 0, time.UTC)
	assert.Equal(t, Report{Eligible: 1, Dispatched: 1}, s.RunOnce(ctx, now))
	assert.Equal(t, Report{}, s.RunOnce(ctx, now))

	p, err := broker.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, p.TaskID)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), p.RunDS)

	run, err := st.GetRun(ctx, p.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, run.State)
}

type enqueueOnly struct{ b queue.Broker }

func (e enqueueOnly) ExecuteAsync(ctx context.Context, p domain.RunParams) error {
	return e.b.Enqueue(ctx, p)
}
