package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"cadence/internal/domain"
)

const taskColumns = `id,name,type,args,run_frequency_seconds,schedule_latest,created_at,updated_at`

// CreateTask inserts a task definition and returns it with id and
// timestamps filled in.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.Name == "" {
		return domain.Task{}, &domain.ConfigurationError{Setting: "name", Err: errors.New("required")}
	}
	if t.Type == "" {
		return domain.Task{}, &domain.ConfigurationError{Setting: "type", Err: errors.New("required")}
	}
	if t.RunFrequencySeconds <= 0 {
		return domain.Task{}, &domain.ConfigurationError{
			Setting: "run_frequency_seconds",
			Value:   strconv.Itoa(t.RunFrequencySeconds),
			Err:     errors.New("must be positive"),
		}
	}
	if len(t.Args) == 0 {
		t.Args = json.RawMessage("{}")
	}
	if !json.Valid(t.Args) {
		return domain.Task{}, &domain.ConfigurationError{Setting: "args", Err: errors.New("not valid JSON")}
	}
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	now := s.stamp()
	_, err := s.exec(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Type, string(t.Args), t.RunFrequencySeconds, t.ScheduleLatest, now, now)
	if err != nil {
		return domain.Task{}, persistErr("create task", err)
	}
	t.CreatedAt, _ = parseTS(now)
	t.UpdatedAt = t.CreatedAt
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, persistErr("get task", err)
	}
	return t, nil
}

// ListTasks returns every task definition ordered by name. It is the
// source behind the task catalog.
func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY name, id`)
	if err != nil {
		return nil, persistErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, persistErr("list tasks", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, persistErr("list tasks", rows.Err())
}

func scanTask(sc scanner) (domain.Task, error) {
	var (
		t                domain.Task
		args             string
		created, updated string
	)
	if err := sc.Scan(&t.ID, &t.Name, &t.Type, &args, &t.RunFrequencySeconds, &t.ScheduleLatest, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	t.Args = json.RawMessage(args)
	var err error
	if t.CreatedAt, err = parseTS(created); err != nil {
		return domain.Task{}, err
	}
	if t.UpdatedAt, err = parseTS(updated); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}
