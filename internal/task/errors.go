package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrNilWork  = errors.New("task work is nil")
)

// PanicError is returned by Execute when the work function panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func notFound(id string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, id)
}
