package domain

import (
	"encoding/json"
	"time"
)

// Task is a recurring job definition. It is read-mostly and never mutated
// during a scheduling cycle.
type Task struct {
	ID                  string
	Name                string
	Type                string
	Args                json.RawMessage
	RunFrequencySeconds int
	ScheduleLatest      bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (t Task) Frequency() time.Duration {
	return time.Duration(t.RunFrequencySeconds) * time.Second
}

// TaskRun is one scheduled execution attempt for one logical time slot.
type TaskRun struct {
	ID              string
	TaskID          string
	State           RunState
	RunDS           time.Time
	IntervalStartDS time.Time
	IntervalEndDS   time.Time
	StartTime       *time.Time
	EndTime         *time.Time
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Heartbeat is the liveness record written while an activity executes.
// TaskRunID is empty for heartbeats that belong to a long-lived process
// (the scheduler loop) rather than a run.
type Heartbeat struct {
	ID                 string
	TaskRunID          string
	TaskType           string
	HeartbeatStartTime time.Time
	LastHeartbeatTime  time.Time
}

// Stale reports whether more than misses heartbeat intervals have elapsed
// since the last beat.
func (h Heartbeat) Stale(now time.Time, interval time.Duration, misses int) bool {
	if misses < 1 {
		misses = 1
	}
	return now.Sub(h.LastHeartbeatTime) > time.Duration(misses)*interval
}

// RunParams is everything a worker needs to execute one run. It travels
// through the broker and across the process boundary as JSON.
type RunParams struct {
	RunID               string          `json:"run_id"`
	TaskID              string          `json:"task_id"`
	TaskName            string          `json:"task_name"`
	TaskType            string          `json:"task_type"`
	Args                json.RawMessage `json:"args,omitempty"`
	RunFrequencySeconds int             `json:"run_frequency_seconds"`
	ScheduleLatest      bool            `json:"schedule_latest"`
	RunDS               time.Time       `json:"run_ds"`
	IntervalStartDS     time.Time       `json:"interval_start_ds"`
	IntervalEndDS       time.Time       `json:"interval_end_ds"`
}

// Result is what a task reports on success.
type Result struct {
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
