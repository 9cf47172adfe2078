// Package taskstate enforces the task status transition table: which
// worker-reported status changes are legal from which current status.
package taskstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
)

// ErrInvalidTransition is returned when a status change is not in the
// allowed-transition table.
var ErrInvalidTransition = errors.New("taskstate: invalid transition")

var allowed = map[types.TaskStatus]map[types.TaskStatus]bool{
	types.TaskLeased: {
		types.TaskInProgress: true,
		types.TaskBlocked:    true,
	},
	types.TaskInProgress: {
		types.TaskBlocked:  true,
		types.TaskPROpened: true,
	},
	types.TaskBlocked: {
		types.TaskInProgress: true,
		types.TaskPROpened:   true,
	},
	types.TaskPROpened: {
		types.TaskMerged:     true,
		types.TaskInProgress: true,
	},
}

// Validate reports whether the transition from -> to is legal. The
// matcher's ready->leased transition is not covered here: it is driven
// by the matcher itself, never by a worker status report.
func Validate(from, to types.TaskStatus) error {
	if allowed[from][to] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Apply validates the transition from task's current status to to, and
// if legal, commits it to store along with an optional status message
// and artifact.
func Apply(ctx context.Context, store storage.Store, task *types.Task, to types.TaskStatus, message string, artifact *types.Artifact) error {
	if err := Validate(task.Status, to); err != nil {
		return err
	}
	return store.UpdateTaskStatus(ctx, task.TaskID, to, message, artifact)
}
