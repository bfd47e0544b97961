package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid run state transition")
	ErrUnknownTaskType   = errors.New("unknown task type")
)

// ConfigurationError is fatal: an unknown task type or a missing/invalid
// setting. Callers fail fast rather than retry.
type ConfigurationError struct {
	Setting string
	Value   string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("configuration: %s=%q: %v", e.Setting, e.Value, e.Err)
	}
	return fmt.Sprintf("configuration: %s: %v", e.Setting, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransientDispatchError is returned once enqueue retries are exhausted.
type TransientDispatchError struct {
	Attempts int
	Err      error
}

func (e *TransientDispatchError) Error() string {
	return fmt.Sprintf("dispatch failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransientDispatchError) Unwrap() error { return e.Err }

// ExecutionError carries a failure raised by task code inside the child
// activity back to the supervising context.
type ExecutionError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// CancellationError marks an attempt terminated by a signal or a deadline.
// It is never retried by the supervisor.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	return "cancelled: " + e.Reason
}

// PersistenceError wraps a failed durable write or read.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsCancellation reports whether err is, or wraps, a CancellationError.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}
