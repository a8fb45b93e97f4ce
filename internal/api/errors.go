package api

import (
	"errors"
	"fmt"
)

// ErrNotFound signals the referenced generation no longer exists server-side.
// Callers must drop local state for that id and never retry.
var ErrNotFound = errors.New("generation not found")

// CreationError signals the server rejected a generation request. The
// session stays idle when this is returned.
type CreationError struct {
	StatusCode int
	Message    string
}

func (e *CreationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("create generation rejected: status %d", e.StatusCode)
	}
	return fmt.Sprintf("create generation rejected: status %d: %s", e.StatusCode, e.Message)
}

// Is enables errors.Is checks against any CreationError.
func (e *CreationError) Is(target error) bool {
	_, ok := target.(*CreationError)
	return ok
}

// TransientError signals a reachability failure. It escalates through the
// health monitor rather than failing the session immediately.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks against any TransientError.
func (e *TransientError) Is(target error) bool {
	_, ok := target.(*TransientError)
	return ok
}
