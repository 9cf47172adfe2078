package metrics

import (
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// StatsProvider is the read-only view the collector needs. The dispatch
// core's Dispatcher satisfies this structurally; the collector never
// imports the dispatch package directly, since dispatch already imports
// metrics to record cycle counters.
type StatsProvider interface {
	TaskCountsByStatus() map[types.TaskStatus]int
	WorkerCountsByStatus() map[types.WorkerStatus]int
	WorkersOnlineCount() int
	RepoCount() int
}

// Collector periodically samples gauge-shaped state (pool composition)
// from a StatsProvider. Counter-shaped events (cycle results, transitions,
// registrations) are recorded inline by the packages that cause them, not
// polled here.
type Collector struct {
	source StatsProvider
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source StatsProvider) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectWorkerMetrics()
	c.collectTaskMetrics()
	c.collectRepoMetrics()
}

func (c *Collector) collectWorkerMetrics() {
	counts := c.source.WorkerCountsByStatus()
	for _, status := range []types.WorkerStatus{types.WorkerIdle, types.WorkerWorking, types.WorkerPaused} {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	WorkersOnline.Set(float64(c.source.WorkersOnlineCount()))
}

func (c *Collector) collectTaskMetrics() {
	counts := c.source.TaskCountsByStatus()
	statuses := []types.TaskStatus{
		types.TaskReady, types.TaskLeased, types.TaskInProgress,
		types.TaskBlocked, types.TaskPROpened, types.TaskMerged,
	}
	for _, status := range statuses {
		TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectRepoMetrics() {
	ReposTotal.Set(float64(c.source.RepoCount()))
}
