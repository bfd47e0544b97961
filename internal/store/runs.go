package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cadence/internal/domain"
)

const runColumns = `id,task_id,state,run_ds,interval_start_ds,interval_end_ds,start_time,end_time,error,created_at,updated_at`

// CreateRun durably records a QUEUED run for one slot of a task and returns
// its id. It is a single insert, so a run id that is returned is persisted.
func (s *Store) CreateRun(ctx context.Context, p domain.RunParams) (string, error) {
	id := "run_" + uuid.NewString()
	now := s.stamp()
	_, err := s.exec(ctx, `
INSERT INTO task_runs (id,task_id,state,run_ds,interval_start_ds,interval_end_ds,error,created_at,updated_at)
VALUES (?,?,?,?,?,?,'',?,?)`,
		id, p.TaskID, string(domain.RunQueued), formatTS(p.RunDS), formatTS(p.IntervalStartDS), formatTS(p.IntervalEndDS), now, now)
	if err != nil {
		return "", persistErr("create run", err)
	}
	return id, nil
}

// TransitionRun moves a run to state to with one guarded update. RUNNING
// stamps start_time; terminal states stamp end_time and record errMsg.
//
// Setting the terminal state a run already holds is a no-op. Any other
// transition the current state does not allow returns ErrInvalidTransition.
func (s *Store) TransitionRun(ctx context.Context, id string, to domain.RunState, errMsg string) error {
	from := domain.AllowedFrom(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: to %q", domain.ErrInvalidTransition, to)
	}
	now := s.stamp()

	var (
		q    string
		args []any
	)
	if to == domain.RunRunning {
		q = `UPDATE task_runs SET state=?, start_time=?, updated_at=? WHERE id=? AND state IN (` + placeholders(len(from)) + `)`
		args = []any{string(to), now, now, id}
	} else {
		q = `UPDATE task_runs SET state=?, end_time=?, error=?, updated_at=? WHERE id=? AND state IN (` + placeholders(len(from)) + `)`
		args = []any{string(to), now, errMsg, now, id}
	}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return persistErr("transition run", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	cur, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if cur.State == to && to.Terminal() {
		return nil
	}
	return fmt.Errorf("%w: run %s is %s, cannot become %s", domain.ErrInvalidTransition, id, cur.State, to)
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.TaskRun, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM task_runs WHERE id=?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskRun{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TaskRun{}, persistErr("get run", err)
	}
	return r, nil
}

// LastRunDS returns the latest run_ds per task id. Runs that failed without
// ever starting are ignored so that their slot is scheduled again.
func (s *Store) LastRunDS(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.query(ctx, `
SELECT task_id, MAX(run_ds) FROM task_runs
WHERE NOT (state = 'failed' AND start_time IS NULL)
GROUP BY task_id`)
	if err != nil {
		return nil, persistErr("last run ds", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var taskID, ds string
		if err := rows.Scan(&taskID, &ds); err != nil {
			return nil, persistErr("last run ds", err)
		}
		t, err := parseTS(ds)
		if err != nil {
			return nil, persistErr("last run ds", err)
		}
		out[taskID] = t
	}
	return out, persistErr("last run ds", rows.Err())
}

// ListRecentRuns returns the newest runs first. An empty taskID lists runs
// of every task.
func (s *Store) ListRecentRuns(ctx context.Context, taskID string, limit int) ([]domain.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + runColumns + ` FROM task_runs`
	args := []any{}
	if taskID != "" {
		q += ` WHERE task_id=?`
		args = append(args, taskID)
	}
	q += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, persistErr("list runs", err)
	}
	defer rows.Close()

	runs := []domain.TaskRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, persistErr("list runs", err)
		}
		runs = append(runs, r)
	}
	return runs, persistErr("list runs", rows.Err())
}

// CountRunsByState returns the number of runs in each state. Every state is
// present in the result, with zero when no run holds it.
func (s *Store) CountRunsByState(ctx context.Context) (map[domain.RunState]int, error) {
	rows, err := s.query(ctx, `SELECT state, COUNT(*) FROM task_runs GROUP BY state`)
	if err != nil {
		return nil, persistErr("count runs", err)
	}
	defer rows.Close()

	out := make(map[domain.RunState]int, len(domain.AllRunStates))
	for _, st := range domain.AllRunStates {
		out[st] = 0
	}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, persistErr("count runs", err)
		}
		out[domain.RunState(st)] = n
	}
	return out, persistErr("count runs", rows.Err())
}

// ReapAbandonedRuns fails RUNNING runs whose most recent heartbeat (or start
// time, when none was written) is older than cutoff.
func (s *Store) ReapAbandonedRuns(ctx context.Context, cutoff time.Time) (int, error) {
	now := s.stamp()
	res, err := s.exec(ctx, `
UPDATE task_runs
SET state='failed', end_time=?, error=?, updated_at=?
WHERE state='running'
  AND COALESCE(
        (SELECT MAX(h.last_heartbeat_time) FROM heartbeats h WHERE h.task_run_id = task_runs.id),
        task_runs.start_time
      ) < ?`,
		now, "heartbeat lost", now, formatTS(cutoff))
	if err != nil {
		return 0, persistErr("reap abandoned runs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReapOrphanedRuns fails QUEUED runs created before cutoff. Their slot is
// picked up again by the next scheduler poll.
func (s *Store) ReapOrphanedRuns(ctx context.Context, cutoff time.Time) (int, error) {
	now := s.stamp()
	res, err := s.exec(ctx, `
UPDATE task_runs
SET state='failed', end_time=?, error=?, updated_at=?
WHERE state='queued' AND created_at < ?`,
		now, "never started", now, formatTS(cutoff))
	if err != nil {
		return 0, persistErr("reap orphaned runs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanRun(sc scanner) (domain.TaskRun, error) {
	var (
		r                     domain.TaskRun
		state                 string
		runDS, startDS, endDS string
		startTime, endTime    sql.NullString
		created, updated      string
	)
	if err := sc.Scan(&r.ID, &r.TaskID, &state, &runDS, &startDS, &endDS, &startTime, &endTime, &r.Error, &created, &updated); err != nil {
		return domain.TaskRun{}, err
	}
	r.State = domain.RunState(state)

	var err error
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&r.RunDS, runDS},
		{&r.IntervalStartDS, startDS},
		{&r.IntervalEndDS, endDS},
		{&r.CreatedAt, created},
		{&r.UpdatedAt, updated},
	} {
		if *f.dst, err = parseTS(f.src); err != nil {
			return domain.TaskRun{}, err
		}
	}
	if r.StartTime, err = parseNullTS(startTime); err != nil {
		return domain.TaskRun{}, err
	}
	if r.EndTime, err = parseNullTS(endTime); err != nil {
		return domain.TaskRun{}, err
	}
	return r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
