// Package tasks implements the Redis-backed task manager: named queues with
// per-queue concurrency bounds, persistent task records, retry with back-off
// and crash recovery. Task functions are referenced by registered name so
// submissions survive process restarts; execution is at-least-once and
// functions must tolerate repeats.
package tasks

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors callers branch on.
var (
	// ErrUnknownQueue reports a submission to a queue absent from the
	// configuration.
	ErrUnknownQueue = errors.New("tasks: unknown queue")

	// ErrUnknownFunction reports a task whose function name is not
	// registered. It is a permanent failure; the task is never retried.
	ErrUnknownFunction = errors.New("tasks: unknown function")

	// ErrNotFound reports a task record that does not exist or has expired.
	ErrNotFound = errors.New("tasks: task not found")
)

// Status is the lifecycle state of a task. Transitions are monotonic except
// for the retrying → pending loop.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is the persisted record of one submission, stored as JSON under
// tasks:info:<id> with the queue's keep_result TTL.
type Task struct {
	TaskID       string          `json:"task_id"`
	QueueName    string          `json:"queue_name"`
	FunctionName string          `json:"function_name"`
	Args         json.RawMessage `json:"args,omitempty"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxTries     int             `json:"max_tries"`
}

// permanentError marks a failure that must not be retried.
type permanentError struct {
	err error
}

// Permanent wraps err so the worker fails the task immediately instead of
// retrying. Task functions use it for inputs that can never succeed (bad
// workflow parameters, malformed arguments).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err (or anything it wraps) was marked with
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
