package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned by a state-changing write whose precondition
// on the row's current status does not hold (e.g. leasing a task that
// is not ready).
var ErrConflict = errors.New("storage: conflict")

// Store defines the persistence interface for the dispatch core's state:
// repos, workers, tasks, and the append-only event log. BoltStore is its
// only implementation; ctx is honored only as a pre-flight cancellation
// check, never mid-transaction, since every operation here is a single
// bbolt transaction that either commits whole or not at all.
type Store interface {
	// Repos
	UpsertRepo(ctx context.Context, repo *types.Repo) error
	GetRepo(ctx context.Context, name string) (*types.Repo, error)
	ListRepos(ctx context.Context) ([]*types.Repo, error)
	CountRepos(ctx context.Context) (int, error)

	// Workers
	InsertWorker(ctx context.Context, worker *types.Worker) error
	WorkerByTokenHash(ctx context.Context, tokenHash string) (*types.Worker, error)
	WorkerByID(ctx context.Context, workerID string) (*types.Worker, error)
	ListWorkers(ctx context.Context) ([]*types.Worker, error)
	UpdateWorkerHeartbeat(ctx context.Context, workerID string, status types.WorkerStatus, at time.Time) error
	CountWorkersByStatus(ctx context.Context) (map[types.WorkerStatus]int, error)
	CountWorkersOnline(ctx context.Context, since time.Time) (int, error)

	// Tasks
	InsertTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ListReadyTasks(ctx context.Context) ([]*types.Task, error)
	ListHeldTasks(ctx context.Context) ([]*types.Task, error)
	ListActiveTasks(ctx context.Context) ([]*types.Task, error)
	ListTasksForWorker(ctx context.Context, workerID string) ([]*types.Task, error)
	LeaseTask(ctx context.Context, taskID, workerID string, leasedAt, expiresAt time.Time) error
	UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus, message string, artifact *types.Artifact) error
	RequeueTask(ctx context.Context, taskID string) error
	CountsByStatus(ctx context.Context) (map[types.TaskStatus]int, error)

	// Matcher support queries, scoped to an in-flight cycle
	WorkerLoad(ctx context.Context, workerID string) (points int, tasks int, err error)
	LockedAreas(ctx context.Context, repo string) (map[string]bool, error)
	CountOpenPRs(ctx context.Context, repo string) (int, error)

	// Events
	LogEvent(ctx context.Context, event *types.Event) error
	ListEvents(ctx context.Context, sinceID uint64, limit int) ([]*types.Event, error)

	Close() error
}
