// Package lease requeues tasks whose worker lease has expired, the
// core's sole safety net against a worker that died mid-task.
package lease

import (
	"context"
	"fmt"

	"github.com/cuemby/warren/pkg/clock"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// Manager scans held tasks for expired leases and returns them to ready.
type Manager struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewManager creates a lease manager over store.
func NewManager(store storage.Store) *Manager {
	return &Manager{
		store:  store,
		logger: log.WithComponent("lease"),
	}
}

// RequeueExpired returns every active ({leased, in_progress}) task whose
// LeaseExpiresAt is strictly before now to ready, bumping its attempt
// counter, and returns how many were requeued. A task exactly at its
// deadline is not yet expired. blocked/pr_opened tasks are untouched:
// they retain the lease fields from their original assignment but have
// already moved past the window this sweep polices.
func (m *Manager) RequeueExpired(ctx context.Context) (int, error) {
	active, err := m.store.ListActiveTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}

	now := clock.Now()
	requeued := 0
	for _, task := range active {
		if task.LeaseExpiresAt == nil || !task.LeaseExpiresAt.Before(now) {
			continue
		}

		if err := m.store.RequeueTask(ctx, task.TaskID); err != nil {
			m.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to requeue expired task")
			continue
		}

		m.logger.Info().
			Str("task_id", task.TaskID).
			Str("worker_id", task.AssignedWorkerID).
			Int("attempt", task.Attempt+1).
			Msg("lease expired, task requeued")

		_ = m.store.LogEvent(ctx, &types.Event{
			Timestamp: now,
			Type:      types.EventTaskRequeued,
			ActorID:   task.AssignedWorkerID,
			Repo:      task.Repo,
			TaskID:    task.TaskID,
			Details:   types.EventDetails{"reason": "lease_expired"},
		})

		metrics.CycleRequeuedTotal.Inc()
		requeued++
	}

	return requeued, nil
}
