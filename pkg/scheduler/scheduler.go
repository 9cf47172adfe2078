package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/cuemby/warren/pkg/clock"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/rs/zerolog"
)

// Config controls the matcher's online/capacity thresholds.
type Config struct {
	HeartbeatTTL time.Duration
	LeaseTTL     time.Duration
}

// Stats summarizes one matcher cycle for logging and metrics.
type Stats struct {
	Assigned          int
	SkippedThrottle   int
	SkippedAreaLock   int
	SkippedNoWorker   int
	SkippedRepoUnknown int
}

// Matcher assigns ready tasks to eligible online workers using greedy,
// priority-ordered matching. One RunCycle call is one atomic pass: it
// snapshots worker load and area locks once at the start, then updates
// its own in-memory snapshot (never the store) as it assigns tasks, so
// that later tasks in the same cycle see the effect of earlier ones
// without extra store round-trips.
type Matcher struct {
	store  storage.Store
	config Config
	logger zerolog.Logger
}

// NewMatcher creates a matcher over store.
func NewMatcher(store storage.Store, config Config) *Matcher {
	return &Matcher{
		store:  store,
		config: config,
		logger: log.WithComponent("scheduler"),
	}
}

type workerSnapshot struct {
	online         bool
	status         types.WorkerStatus
	skills         types.SkillSet
	capacityPoints int
	maxTasks       int
	usedPoints     int
	usedTasks      int
	reputation     float64
	lastHeartbeat  string
}

type repoSnapshot struct {
	repo       *types.Repo
	openPRs    int
	lockedArea map[string]bool
}

// RunCycle performs one matching pass over every ready task.
func (m *Matcher) RunCycle(ctx context.Context) (Stats, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CycleDuration)

	now := clock.Now()
	stats := Stats{}

	repos, err := m.store.ListRepos(ctx)
	if err != nil {
		return stats, err
	}
	repoState := make(map[string]*repoSnapshot, len(repos))
	for _, repo := range repos {
		openPRs, err := m.store.CountOpenPRs(ctx, repo.Repo)
		if err != nil {
			return stats, err
		}
		locked, err := m.store.LockedAreas(ctx, repo.Repo)
		if err != nil {
			return stats, err
		}
		repoState[repo.Repo] = &repoSnapshot{repo: repo, openPRs: openPRs, lockedArea: locked}
	}

	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return stats, err
	}
	workerState := make(map[string]*workerSnapshot, len(workers))
	for _, worker := range workers {
		usedPoints, usedTasks, err := m.store.WorkerLoad(ctx, worker.WorkerID)
		if err != nil {
			return stats, err
		}
		heartbeatStr := ""
		online := false
		if worker.LastHeartbeat != nil {
			// Fixed-width UTC layout so string order equals time order
			// (RFC3339Nano trims trailing zeros and would not).
			heartbeatStr = worker.LastHeartbeat.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
			online = now.Sub(*worker.LastHeartbeat) <= m.config.HeartbeatTTL
		}
		workerState[worker.WorkerID] = &workerSnapshot{
			online:         online,
			status:         worker.Status,
			skills:         worker.Skills.Normalize(),
			capacityPoints: worker.CapacityPoints,
			maxTasks:       worker.MaxConcurrentTasks,
			usedPoints:     usedPoints,
			usedTasks:      usedTasks,
			reputation:     worker.Reputation,
			lastHeartbeat:  heartbeatStr,
		}
	}

	ready, err := m.store.ListReadyTasks(ctx)
	if err != nil {
		return stats, err
	}

	for _, task := range ready {
		repo, ok := repoState[task.Repo]
		if !ok {
			stats.SkippedRepoUnknown++
			continue
		}

		if repo.repo.MaxOpenPRs == 0 || repo.openPRs >= repo.repo.MaxOpenPRs {
			stats.SkippedThrottle++
			metrics.CycleSkippedTotal.WithLabelValues("throttle").Inc()
			continue
		}

		if repo.repo.AreaLocksEnabled && task.Area != "" && repo.lockedArea[task.Area] {
			stats.SkippedAreaLock++
			metrics.CycleSkippedTotal.WithLabelValues("area_lock").Inc()
			continue
		}

		workerID, ok := m.selectWorker(task, workerState)
		if !ok {
			stats.SkippedNoWorker++
			metrics.CycleSkippedTotal.WithLabelValues("no_worker").Inc()
			continue
		}

		leaseExpires := now.Add(m.config.LeaseTTL)
		if err := m.store.LeaseTask(ctx, task.TaskID, workerID, now, leaseExpires); err != nil {
			return stats, err
		}
		_ = m.store.LogEvent(ctx, &types.Event{
			Timestamp: now,
			Type:      types.EventTaskLeased,
			ActorID:   workerID,
			Repo:      task.Repo,
			TaskID:    task.TaskID,
		})

		m.logger.Info().
			Str("task_id", task.TaskID).
			Str("worker_id", workerID).
			Str("repo", task.Repo).
			Msg("task leased")

		ws := workerState[workerID]
		ws.usedPoints += task.EstimatePoints
		ws.usedTasks++
		if repo.repo.AreaLocksEnabled && task.Area != "" {
			repo.lockedArea[task.Area] = true
		}

		stats.Assigned++
		metrics.CycleAssignedTotal.Inc()
	}

	return stats, nil
}

type candidate struct {
	workerID   string
	usedPoints int
	usedTasks  int
	reputation float64
	heartbeat  string
}

// selectWorker picks the best eligible worker for task: lowest load
// points, then lowest concurrent task count, then highest reputation,
// then tie-broken by last_heartbeat ascending — matching the reference
// matcher's literal sort key, not its "most recent wins" comment.
func (m *Matcher) selectWorker(task *types.Task, workerState map[string]*workerSnapshot) (string, bool) {
	var candidates []candidate

	for workerID, ws := range workerState {
		if !ws.online || ws.status == types.WorkerPaused {
			continue
		}
		if !task.RequiredSkills.Normalize().Subset(ws.skills) {
			continue
		}
		if ws.usedPoints+task.EstimatePoints > ws.capacityPoints {
			continue
		}
		if ws.usedTasks+1 > ws.maxTasks {
			continue
		}

		candidates = append(candidates, candidate{
			workerID:   workerID,
			usedPoints: ws.usedPoints,
			usedTasks:  ws.usedTasks,
			reputation: ws.reputation,
			heartbeat:  ws.lastHeartbeat,
		})
	}

	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.usedPoints != b.usedPoints {
			return a.usedPoints < b.usedPoints
		}
		if a.usedTasks != b.usedTasks {
			return a.usedTasks < b.usedTasks
		}
		if a.reputation != b.reputation {
			return a.reputation > b.reputation
		}
		return a.heartbeat < b.heartbeat
	})

	return candidates[0].workerID, true
}
