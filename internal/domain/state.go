package domain

type RunState string

const (
	RunQueued  RunState = "queued"
	RunRunning RunState = "running"
	RunSuccess RunState = "success"
	RunFailed  RunState = "failed"
)

// AllRunStates lists states in lifecycle order.
var AllRunStates = []RunState{RunQueued, RunRunning, RunSuccess, RunFailed}

func (s RunState) Valid() bool {
	switch s {
	case RunQueued, RunRunning, RunSuccess, RunFailed:
		return true
	}
	return false
}

func (s RunState) Terminal() bool {
	return s == RunSuccess || s == RunFailed
}

// AllowedFrom returns the states a run may be in for a transition to s to
// apply. QUEUED is only ever the initial state.
//
// A QUEUED run may fail directly when it could not be dispatched or was
// never picked up by a worker.
func AllowedFrom(s RunState) []RunState {
	switch s {
	case RunRunning:
		return []RunState{RunQueued}
	case RunSuccess:
		return []RunState{RunRunning}
	case RunFailed:
		return []RunState{RunQueued, RunRunning}
	}
	return nil
}

func CanTransition(from, to RunState) bool {
	for _, s := range AllowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}
