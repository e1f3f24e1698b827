// Package remote waits for index builds that run outside the caller, either
// by polling a status endpoint or by listening for completion
// notifications, and hosts the in-process build service those waiters talk
// to.
package remote

import (
	"context"
	"fmt"
	"time"
)

// State is the outcome of a wait. It only moves forward: once terminal it
// never changes again.
type State int

const (
	Pending State = iota
	Succeeded
	Failed
	TimedOut
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s ends a wait.
func (s State) Terminal() bool {
	return s != Pending
}

// JobStatus is one answer from a status check.
type JobStatus struct {
	Done    bool
	Success bool
	Message string
	// ObjectKey is where a finished index was written, when known.
	ObjectKey string
}

// StatusClient reports the progress of a remote build. Implementations must
// be safe to call repeatedly from one goroutine and must return once ctx
// is done.
type StatusClient interface {
	CheckStatus(ctx context.Context, jobID string) (JobStatus, error)
}

// StatusClientFunc adapts a function to StatusClient.
type StatusClientFunc func(ctx context.Context, jobID string) (JobStatus, error)

func (f StatusClientFunc) CheckStatus(ctx context.Context, jobID string) (JobStatus, error) {
	return f(ctx, jobID)
}

// Waiter blocks until a job reaches a terminal state.
type Waiter interface {
	Await(ctx context.Context, jobID string) (State, error)
}

// Transition computes the next state from the latest status and the time
// spent waiting so far. A resolved status wins over an expired timeout, so
// a job that finishes on the final check is not reported as timed out.
func Transition(state State, status JobStatus, elapsed, timeout time.Duration) State {
	if state.Terminal() {
		return state
	}
	switch {
	case status.Done && status.Success:
		return Succeeded
	case status.Done:
		return Failed
	case elapsed >= timeout:
		return TimedOut
	default:
		return Pending
	}
}

func statusResult(status JobStatus) string {
	switch {
	case status.Done && status.Success:
		return "succeeded"
	case status.Done:
		return "failed"
	default:
		return "pending"
	}
}
