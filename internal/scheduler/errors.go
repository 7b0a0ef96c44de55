package scheduler

import (
	"errors"
	"fmt"

	"appletd/internal/tick"
)

// ErrBusy is returned by Step when another iteration is in progress.
var ErrBusy = errors.New("scheduler: iteration already in progress")

// TaskFailure reports a task that terminated abnormally during an iteration.
type TaskFailure struct {
	ID   string
	Tick tick.Tick
	Err  error
}

func (e *TaskFailure) Error() string {
	return fmt.Sprintf("task %q failed at tick %d: %v", e.ID, e.Tick, e.Err)
}

func (e *TaskFailure) Unwrap() error { return e.Err }

// Fatal marks a task error as terminal for the loop, even under FailContinue.
//
// Example:
//
//	return scheduler.Fatal(fmt.Errorf("sensor gone: %w", err))
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err is wrapped with Fatal.
func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e fatalError) Unwrap() error { return e.err }
