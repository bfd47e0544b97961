package api

import (
	"encoding/json"
	"time"

	"cadence/internal/domain"
)

type taskView struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Type                string          `json:"type"`
	Args                json.RawMessage `json:"args,omitempty"`
	RunFrequencySeconds int             `json:"run_frequency_seconds"`
	ScheduleLatest      bool            `json:"schedule_latest"`
	CreatedAt           string          `json:"created_at"`
	UpdatedAt           string          `json:"updated_at"`
}

func newTaskView(t domain.Task) taskView {
	return taskView{
		ID:                  t.ID,
		Name:                t.Name,
		Type:                t.Type,
		Args:                t.Args,
		RunFrequencySeconds: t.RunFrequencySeconds,
		ScheduleLatest:      t.ScheduleLatest,
		CreatedAt:           t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:           t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type runView struct {
	ID              string  `json:"id"`
	TaskID          string  `json:"task_id"`
	State           string  `json:"state"`
	RunDS           string  `json:"run_ds"`
	IntervalStartDS string  `json:"interval_start_ds"`
	IntervalEndDS   string  `json:"interval_end_ds"`
	StartTime       *string `json:"start_time"`
	EndTime         *string `json:"end_time"`
	Error           string  `json:"error,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

func newRunView(r domain.TaskRun) runView {
	return runView{
		ID:              r.ID,
		TaskID:          r.TaskID,
		State:           string(r.State),
		RunDS:           r.RunDS.UTC().Format(time.RFC3339),
		IntervalStartDS: r.IntervalStartDS.UTC().Format(time.RFC3339),
		IntervalEndDS:   r.IntervalEndDS.UTC().Format(time.RFC3339),
		StartTime:       optionalTime(r.StartTime),
		EndTime:         optionalTime(r.EndTime),
		Error:           r.Error,
		CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type heartbeatView struct {
	ID                 string `json:"id"`
	TaskRunID          string `json:"task_run_id,omitempty"`
	TaskType           string `json:"task_type"`
	HeartbeatStartTime string `json:"heartbeat_start_time"`
	LastHeartbeatTime  string `json:"last_heartbeat_time"`
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
