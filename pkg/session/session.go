// Package session authenticates and registers workers with the
// dispatch core, hashing bearer tokens the same way the teacher's join
// tokens are generated (random bytes, hex-encoded), but persisting only
// the hash so a stolen database dump never yields a usable token.
package session

import (
	"context"
	"fmt"

	"github.com/cuemby/warren/pkg/clock"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
)

// Manager registers workers and authenticates their bearer tokens.
type Manager struct {
	store storage.Store
}

// NewManager creates a session manager over store.
func NewManager(store storage.Store) *Manager {
	return &Manager{store: store}
}

// Register creates a new worker and returns its ID and the raw bearer
// token. The raw token is returned exactly once; the store only ever
// sees its hash.
func (m *Manager) Register(ctx context.Context, name, handle string, skills types.SkillSet, capacityPoints, maxConcurrentTasks int) (workerID, rawToken string, err error) {
	rawToken, err = clock.NewBearerToken()
	if err != nil {
		return "", "", fmt.Errorf("register worker: %w", err)
	}

	worker := &types.Worker{
		WorkerID:           clock.NewWorkerID(),
		Name:               name,
		Handle:             handle,
		Skills:             skills.Normalize(),
		CapacityPoints:     capacityPoints,
		MaxConcurrentTasks: maxConcurrentTasks,
		Status:             types.WorkerIdle,
		TokenHash:          clock.HashToken(rawToken),
		Reputation:         1.0,
		CreatedAt:          clock.Now(),
	}

	if err := m.store.InsertWorker(ctx, worker); err != nil {
		return "", "", fmt.Errorf("register worker: %w", err)
	}

	_ = m.store.LogEvent(ctx, &types.Event{
		Timestamp: worker.CreatedAt,
		Type:      types.EventWorkerRegister,
		ActorID:   worker.WorkerID,
	})

	return worker.WorkerID, rawToken, nil
}

// Authenticate resolves a raw bearer token to its worker. A miss here
// is indistinguishable from an unknown worker: the caller should map
// both to the same auth-invalid response.
func (m *Manager) Authenticate(ctx context.Context, rawToken string) (*types.Worker, error) {
	worker, err := m.store.WorkerByTokenHash(ctx, clock.HashToken(rawToken))
	if err != nil {
		return nil, err
	}
	return worker, nil
}

// Heartbeat records a worker's self-reported status and bumps its
// last-heartbeat timestamp, the sole input to the matcher's online
// determination.
func (m *Manager) Heartbeat(ctx context.Context, workerID string, status types.WorkerStatus) error {
	now := clock.Now()
	if err := m.store.UpdateWorkerHeartbeat(ctx, workerID, status, now); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	_ = m.store.LogEvent(ctx, &types.Event{
		Timestamp: now,
		Type:      types.EventWorkerHeartbeat,
		ActorID:   workerID,
	})
	return nil
}
