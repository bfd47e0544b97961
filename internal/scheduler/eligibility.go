package scheduler

import (
	"time"

	"cadence/internal/domain"
)

// Compute returns the runs that are due at now. It is a pure function of
// its inputs: it neither mutates tasks or lastRuns nor depends on their
// order, so identical inputs always produce the same set of runs.
//
// lastRuns maps task id to the run_ds of the task's latest run.
func Compute(now time.Time, tasks []domain.Task, lastRuns map[string]time.Time) []domain.RunParams {
	now = now.UTC()
	due := make([]domain.RunParams, 0, len(tasks))
	for _, t := range tasks {
		last, ok := lastRuns[t.ID]
		runDS, eligible := NextRun(now, t, last, ok)
		if !eligible {
			continue
		}
		freq := t.Frequency()
		due = append(due, domain.RunParams{
			TaskID:              t.ID,
			TaskName:            t.Name,
			TaskType:            t.Type,
			Args:                t.Args,
			RunFrequencySeconds: t.RunFrequencySeconds,
			ScheduleLatest:      t.ScheduleLatest,
			RunDS:               runDS,
			IntervalStartDS:     runDS.Add(-freq),
			IntervalEndDS:       runDS,
		})
	}
	return due
}

// NextRun computes the candidate run_ds for a task and whether it is due.
//
// A task that never ran is scheduled for now floored to the minute. After
// that, the candidate is one period past the last run; with ScheduleLatest
// set it jumps forward to the latest whole period that has elapsed, so a
// backlog collapses into a single run.
func NextRun(now time.Time, t domain.Task, last time.Time, hasLast bool) (time.Time, bool) {
	freq := t.Frequency()
	if freq <= 0 {
		return time.Time{}, false
	}
	now = now.UTC()
	if !hasLast {
		return now.Truncate(time.Minute), true
	}
	last = last.UTC()
	candidate := last.Add(freq)
	if t.ScheduleLatest && now.After(last) {
		periods := now.Sub(last) / freq
		if latest := last.Add(periods * freq); latest.After(candidate) {
			candidate = latest
		}
	}
	return candidate, !candidate.After(now)
}
