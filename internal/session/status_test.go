package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusStopped.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusIdle.Terminal())
	assert.False(t, StatusCreating.Terminal())
	assert.False(t, StatusStreaming.Terminal())
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{name: "idle to creating", from: StatusIdle, to: StatusCreating, allowed: true},
		{name: "idle to streaming skips creation", from: StatusIdle, to: StatusStreaming, allowed: false},
		{name: "creating to streaming", from: StatusCreating, to: StatusStreaming, allowed: true},
		{name: "creating back to idle on failure", from: StatusCreating, to: StatusIdle, allowed: true},
		{name: "creating cannot complete directly", from: StatusCreating, to: StatusCompleted, allowed: false},
		{name: "streaming to completed", from: StatusStreaming, to: StatusCompleted, allowed: true},
		{name: "streaming to stopped", from: StatusStreaming, to: StatusStopped, allowed: true},
		{name: "streaming to failed", from: StatusStreaming, to: StatusFailed, allowed: true},
		{name: "streaming reset to idle", from: StatusStreaming, to: StatusIdle, allowed: true},
		{name: "completed regenerates to streaming", from: StatusCompleted, to: StatusStreaming, allowed: true},
		{name: "stopped regenerates to streaming", from: StatusStopped, to: StatusStreaming, allowed: true},
		{name: "failed regenerates to streaming", from: StatusFailed, to: StatusStreaming, allowed: true},
		{name: "completed cannot fail afterwards", from: StatusCompleted, to: StatusFailed, allowed: false},
		{name: "stopped cannot complete afterwards", from: StatusStopped, to: StatusCompleted, allowed: false},
		{name: "failed resets to idle", from: StatusFailed, to: StatusIdle, allowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, transitionAllowed(tt.from, tt.to))
		})
	}
}

func TestStatusFromRecord(t *testing.T) {
	assert.Equal(t, StatusStreaming, StatusFromRecord("processing"))
	assert.Equal(t, StatusStreaming, StatusFromRecord(" Processing "))
	assert.Equal(t, StatusCompleted, StatusFromRecord("completed"))
	assert.Equal(t, StatusStopped, StatusFromRecord("stopped"))
	assert.Equal(t, StatusFailed, StatusFromRecord("failed"))
	assert.Equal(t, StatusIdle, StatusFromRecord("mystery"))
	assert.Equal(t, StatusIdle, StatusFromRecord(""))
}

func TestIllegalTransitionError(t *testing.T) {
	err := &IllegalTransitionError{SessionID: "gen-1", From: StatusIdle, To: StatusCompleted}
	assert.Contains(t, err.Error(), "gen-1")
	assert.Contains(t, err.Error(), "idle")
	assert.Contains(t, err.Error(), "completed")
	assert.True(t, errors.Is(err, &IllegalTransitionError{}))
	assert.False(t, errors.Is(err, &ValidationError{}))
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "prompt", Reason: "must not be empty"}
	assert.Equal(t, "invalid prompt: must not be empty", err.Error())
	assert.True(t, errors.Is(err, &ValidationError{}))
}
