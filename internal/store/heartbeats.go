package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cadence/internal/domain"
)

// CreateHeartbeat opens the liveness record for one execution attempt. An
// empty runID records a heartbeat for a process rather than a run.
func (s *Store) CreateHeartbeat(ctx context.Context, runID, taskType string) (domain.Heartbeat, error) {
	now := s.now().UTC()
	hb := domain.Heartbeat{
		ID:                 "hb_" + uuid.NewString(),
		TaskRunID:          runID,
		TaskType:           taskType,
		HeartbeatStartTime: now,
		LastHeartbeatTime:  now,
	}
	ts := formatTS(now)
	_, err := s.exec(ctx, `
INSERT INTO heartbeats (id,task_run_id,task_type,heartbeat_start_time,last_heartbeat_time)
VALUES (?,?,?,?,?)`,
		hb.ID, sql.NullString{String: runID, Valid: runID != ""}, taskType, ts, ts)
	if err != nil {
		return domain.Heartbeat{}, persistErr("create heartbeat", err)
	}
	hb.HeartbeatStartTime, _ = parseTS(ts)
	hb.LastHeartbeatTime = hb.HeartbeatStartTime
	return hb, nil
}

// TouchHeartbeat advances last_heartbeat_time to now.
func (s *Store) TouchHeartbeat(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE heartbeats SET last_heartbeat_time=? WHERE id=?`, s.stamp(), id)
	if err != nil {
		return persistErr("touch heartbeat", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("heartbeat %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// StaleHeartbeats lists heartbeats last written before cutoff whose run is
// still RUNNING, plus process heartbeats that have gone quiet.
func (s *Store) StaleHeartbeats(ctx context.Context, cutoff time.Time) ([]domain.Heartbeat, error) {
	rows, err := s.query(ctx, `
SELECT h.id, h.task_run_id, h.task_type, h.heartbeat_start_time, h.last_heartbeat_time
FROM heartbeats h
LEFT JOIN task_runs r ON r.id = h.task_run_id
WHERE h.last_heartbeat_time < ?
  AND (h.task_run_id IS NULL OR r.state = 'running')
ORDER BY h.last_heartbeat_time`, formatTS(cutoff))
	if err != nil {
		return nil, persistErr("stale heartbeats", err)
	}
	defer rows.Close()

	out := []domain.Heartbeat{}
	for rows.Next() {
		var (
			hb          domain.Heartbeat
			runID       sql.NullString
			start, last string
		)
		if err := rows.Scan(&hb.ID, &runID, &hb.TaskType, &start, &last); err != nil {
			return nil, persistErr("stale heartbeats", err)
		}
		hb.TaskRunID = runID.String
		if hb.HeartbeatStartTime, err = parseTS(start); err != nil {
			return nil, persistErr("stale heartbeats", err)
		}
		if hb.LastHeartbeatTime, err = parseTS(last); err != nil {
			return nil, persistErr("stale heartbeats", err)
		}
		out = append(out, hb)
	}
	return out, persistErr("stale heartbeats", rows.Err())
}
