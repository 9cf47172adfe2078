// Package dispatch is the orchestrating facade of the dispatch core: it
// owns the store and every subsystem (session, matcher, lease manager,
// scheduling driver, event broker) and exposes the external interface
// from spec.md §6 as Go methods, serialized behind one mutex per
// spec.md §5's single-writer requirement.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/clock"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/lease"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/scheduler"
	"github.com/cuemby/warren/pkg/session"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/taskstate"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// Config carries the dispatch core's tunable parameters, defaults per
// spec.md §6.
type Config struct {
	DataDir       string
	LeaseTTL      time.Duration
	HeartbeatTTL  time.Duration
	CycleInterval time.Duration
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:       "./data",
		LeaseTTL:      30 * time.Minute,
		HeartbeatTTL:  90 * time.Second,
		CycleInterval: 5 * time.Second,
	}
}

// Dispatcher is the single entry point external callers (an HTTP
// transport, an admin CLI) use to drive the core. Every exported method
// that mutates state acquires mu for its duration, matching the
// teacher's per-component RWMutex pattern collapsed into one lock per
// spec.md's explicit single-writer requirement.
type Dispatcher struct {
	mu sync.Mutex

	store     storage.Store
	config    Config
	session   *session.Manager
	matcher   *scheduler.Matcher
	lease     *lease.Manager
	driver    *scheduler.Driver
	broker    *events.Broker
	collector *metrics.Collector
	logger    zerolog.Logger
}

// New builds a Dispatcher over a freshly-opened BoltStore at
// config.DataDir and starts its background scheduling driver and event
// broker. Callers must call Close when done.
func New(config Config) (*Dispatcher, error) {
	store, err := storage.NewBoltStore(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d := &Dispatcher{
		store:   store,
		config:  config,
		session: session.NewManager(store),
		matcher: scheduler.NewMatcher(store, scheduler.Config{HeartbeatTTL: config.HeartbeatTTL, LeaseTTL: config.LeaseTTL}),
		lease:   lease.NewManager(store),
		broker:  events.NewBroker(),
		logger:  log.WithComponent("dispatch"),
	}
	d.driver = scheduler.NewDriver(d.runCycleOnce, config.CycleInterval)
	d.collector = metrics.NewCollector(d)

	d.broker.Start()
	d.driver.Start()
	d.collector.Start()

	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("scheduler", true, "")

	return d, nil
}

// Close stops the background driver, collector, and broker and closes
// the store.
func (d *Dispatcher) Close() error {
	d.driver.Stop()
	d.collector.Stop()
	d.broker.Stop()
	return d.store.Close()
}

// Subscribe returns a channel of the events the Dispatcher logs itself
// (repo.upsert, task.create, task.status), for an admin stream or
// debugging tail. worker.register, worker.heartbeat, task.leased and
// task.requeued events are written to the store only and are not
// delivered on this channel.
func (d *Dispatcher) Subscribe() events.Subscriber {
	return d.broker.Subscribe()
}

// Unsubscribe removes a subscription created by Subscribe.
func (d *Dispatcher) Unsubscribe(sub events.Subscriber) {
	d.broker.Unsubscribe(sub)
}

func (d *Dispatcher) logEvent(ctx context.Context, event *types.Event) {
	if err := d.store.LogEvent(ctx, event); err != nil {
		d.logger.Error().Err(err).Str("type", string(event.Type)).Msg("failed to log event")
		return
	}
	d.broker.Publish(event)
}

// CreateRepo upserts a repo's throttle and area-lock policy
// (administrative operation, spec.md §6 create_repo).
func (d *Dispatcher) CreateRepo(ctx context.Context, name string, maxOpenPRs int, areaLocksEnabled bool) (*types.Repo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	repo := &types.Repo{
		Repo:             name,
		MaxOpenPRs:       maxOpenPRs,
		AreaLocksEnabled: areaLocksEnabled,
		CreatedAt:        clock.Now(),
	}
	if err := d.store.UpsertRepo(ctx, repo); err != nil {
		return nil, newError(KindBadRequest, err)
	}
	d.logEvent(ctx, &types.Event{Timestamp: repo.CreatedAt, Type: types.EventRepoUpsert, Repo: name})
	d.driver.Trigger()
	return repo, nil
}

// RegisterWorker registers a new worker and returns its id and raw
// bearer token (spec.md §6 register_worker). The raw token is returned
// exactly once.
func (d *Dispatcher) RegisterWorker(ctx context.Context, name, handle string, skills types.SkillSet, capacityPoints, maxConcurrentTasks int) (workerID, rawToken string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	workerID, rawToken, err = d.session.Register(ctx, name, handle, skills, capacityPoints, maxConcurrentTasks)
	if err != nil {
		return "", "", newError(KindBadRequest, err)
	}
	metrics.WorkerRegistrationsTotal.Inc()
	d.driver.Trigger()
	return workerID, rawToken, nil
}

// Authenticate resolves a raw bearer token to its worker, mapping a
// missing or unknown token to auth-missing / auth-invalid respectively.
func (d *Dispatcher) Authenticate(ctx context.Context, rawToken string) (*types.Worker, error) {
	if rawToken == "" {
		return nil, ErrAuthMissing
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	worker, err := d.session.Authenticate(ctx, rawToken)
	if err != nil {
		return nil, newError(KindAuthInvalid, err)
	}
	return worker, nil
}

// Heartbeat records a worker's self-reported status and triggers an
// immediate scheduling cycle (spec.md §6 heartbeat).
func (d *Dispatcher) Heartbeat(ctx context.Context, workerID string, status types.WorkerStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.session.Heartbeat(ctx, workerID, status); err != nil {
		return newError(KindBadRequest, err)
	}
	metrics.HeartbeatsTotal.Inc()
	d.driver.Trigger()
	return nil
}

// CreateTask inserts a new ready task under repo (spec.md §6
// create_task). Fails bad-request if the repo does not exist.
func (d *Dispatcher) CreateTask(ctx context.Context, repo, title, description string, estimatePoints, priority int, requiredSkills types.SkillSet, area string, tier int) (*types.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.store.GetRepo(ctx, repo); err != nil {
		return nil, newError(KindBadRequest, fmt.Errorf("unknown repo %q: %w", repo, err))
	}

	now := clock.Now()
	task := &types.Task{
		TaskID:         clock.NewTaskID(),
		Repo:           repo,
		Title:          title,
		Description:    description,
		EstimatePoints: estimatePoints,
		Priority:       priority,
		RequiredSkills: requiredSkills.Normalize(),
		Area:           area,
		Tier:           tier,
		Status:         types.TaskReady,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.store.InsertTask(ctx, task); err != nil {
		return nil, newError(KindBadRequest, err)
	}
	d.logEvent(ctx, &types.Event{Timestamp: now, Type: types.EventTaskCreate, Repo: repo, TaskID: task.TaskID})
	d.driver.Trigger()
	return task, nil
}

// UpdateTaskStatus applies a worker-reported status transition (spec.md
// §6 update_task_status). Returns not-found if the task does not
// exist, forbidden if it is not assigned to workerID, and bad-request
// if the transition is not in taskstate's allowed table.
func (d *Dispatcher) UpdateTaskStatus(ctx context.Context, workerID, taskID string, newStatus types.TaskStatus, message string, artifact *types.Artifact) (*types.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, newError(KindNotFound, err)
	}
	if task.AssignedWorkerID != workerID {
		return nil, newError(KindForbidden, fmt.Errorf("task %s is not assigned to worker %s", taskID, workerID))
	}

	from := task.Status
	if err := taskstate.Apply(ctx, d.store, task, newStatus, message, artifact); err != nil {
		return nil, newError(KindBadRequest, err)
	}
	metrics.TaskTransitionsTotal.WithLabelValues(string(from), string(newStatus)).Inc()

	d.logEvent(ctx, &types.Event{
		Timestamp: clock.Now(),
		Type:      types.EventTaskStatus,
		ActorID:   workerID,
		Repo:      task.Repo,
		TaskID:    taskID,
	})
	d.driver.Trigger()

	return d.store.GetTask(ctx, taskID)
}

// WorkForWorker returns the tasks currently held by workerID (spec.md
// §6 work_for).
func (d *Dispatcher) WorkForWorker(ctx context.Context, workerID string) ([]*types.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tasks, err := d.store.ListTasksForWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// CountsByStatus returns the aggregate task-status counts (spec.md §6
// counts_by_status).
func (d *Dispatcher) CountsByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.CountsByStatus(ctx)
}

// WorkersOnline returns the number of workers whose last heartbeat is
// within the configured heartbeat TTL (spec.md §6 workers_online).
func (d *Dispatcher) WorkersOnline(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.CountWorkersOnline(ctx, clock.Now().Add(-d.config.HeartbeatTTL))
}

// TaskCountsByStatus satisfies metrics.StatsProvider.
func (d *Dispatcher) TaskCountsByStatus() map[types.TaskStatus]int {
	ctx := context.Background()
	counts, err := d.CountsByStatus(ctx)
	if err != nil {
		return nil
	}
	return counts
}

// WorkerCountsByStatus satisfies metrics.StatsProvider.
func (d *Dispatcher) WorkerCountsByStatus() map[types.WorkerStatus]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	counts, err := d.store.CountWorkersByStatus(context.Background())
	if err != nil {
		return nil
	}
	return counts
}

// WorkersOnlineCount satisfies metrics.StatsProvider.
func (d *Dispatcher) WorkersOnlineCount() int {
	n, err := d.WorkersOnline(context.Background())
	if err != nil {
		return 0
	}
	return n
}

// RepoCount satisfies metrics.StatsProvider.
func (d *Dispatcher) RepoCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.store.CountRepos(context.Background())
	if err != nil {
		return 0
	}
	return n
}

// runCycleOnce runs one requeue-then-match pass synchronously under mu.
// It is the CycleFunc the background driver invokes on each tick and
// trigger; tests also call it directly to run a cycle to completion.
func (d *Dispatcher) runCycleOnce(ctx context.Context) (int, scheduler.Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	requeued, err := d.lease.RequeueExpired(ctx)
	if err != nil {
		return 0, scheduler.Stats{}, err
	}
	stats, err := d.matcher.RunCycle(ctx)
	return requeued, stats, err
}
