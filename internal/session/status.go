package session

import (
	"fmt"
	"strings"

	"github.com/genwatch/genwatch/internal/api"
)

// Status is the lifecycle state of the one active session.
type Status string

const (
	// StatusIdle means no job is active; the prompt is editable.
	StatusIdle Status = "idle"
	// StatusCreating means job creation is in flight.
	StatusCreating Status = "creating"
	// StatusStreaming means a channel is consuming generated output.
	StatusStreaming Status = "streaming"
	// StatusCompleted is terminal success for the current job id.
	StatusCompleted Status = "completed"
	// StatusStopped is terminal user cancellation for the current job id.
	StatusStopped Status = "stopped"
	// StatusFailed is terminal failure for the current job id.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status can no longer change for this job id.
// Terminal states are sticky: late-arriving recovery signals are ignored.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusIdle: {
		StatusCreating: {},
	},
	StatusCreating: {
		StatusStreaming: {},
		StatusIdle:      {},
	},
	StatusStreaming: {
		StatusCompleted: {},
		StatusStopped:   {},
		StatusFailed:    {},
		StatusIdle:      {},
	},
	// Terminal states allow a fresh start or a regenerate against the
	// same id, which re-enters streaming without a create call.
	StatusCompleted: {
		StatusStreaming: {},
		StatusIdle:      {},
	},
	StatusStopped: {
		StatusStreaming: {},
		StatusIdle:      {},
	},
	StatusFailed: {
		StatusStreaming: {},
		StatusIdle:      {},
	},
}

func transitionAllowed(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// StatusFromRecord maps a server-side record status onto the local
// vocabulary. A processing record mirrors as streaming even though no
// channel may be attached locally.
func StatusFromRecord(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case api.StatusProcessing:
		return StatusStreaming
	case api.StatusCompleted:
		return StatusCompleted
	case api.StatusStopped:
		return StatusStopped
	case api.StatusFailed:
		return StatusFailed
	default:
		return StatusIdle
	}
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	From      Status
	To        Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q",
		e.SessionID,
		e.From,
		e.To,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// ValidationError rejects a start request before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is enables errors.Is checks for validation failures.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}
