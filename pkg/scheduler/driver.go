package scheduler

import (
	"context"
	"time"

	"github.com/cuemby/warren/pkg/log"
	"github.com/rs/zerolog"
)

// CycleFunc runs one requeue-then-match pass and reports how many tasks
// were requeued plus the matcher's stats for that pass. The caller
// (normally Dispatcher.runCycleOnce) is responsible for holding
// whatever lock makes the pass atomic with respect to every other
// store-mutating operation; Driver itself holds no lock.
type CycleFunc func(ctx context.Context) (requeued int, stats Stats, err error)

// Driver runs a CycleFunc on a fixed interval, and can also be nudged to
// run it immediately after a mutation (a new task, a new worker)
// instead of waiting for the next tick.
type Driver struct {
	cycle    CycleFunc
	interval time.Duration
	logger   zerolog.Logger

	trigger chan struct{}
	stopCh  chan struct{}
}

// NewDriver creates a driver that invokes cycle every interval.
func NewDriver(cycle CycleFunc, interval time.Duration) *Driver {
	return &Driver{
		cycle:    cycle,
		interval: interval,
		logger:   log.WithComponent("scheduler-driver"),
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the driver loop.
func (d *Driver) Start() {
	go d.run()
}

// Stop stops the driver loop.
func (d *Driver) Stop() {
	close(d.stopCh)
}

// Trigger requests an out-of-band cycle as soon as the driver is next
// able to run one. It never blocks: a pending trigger is coalesced with
// any trigger already queued.
func (d *Driver) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Driver) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.runCycle()
		case <-d.trigger:
			d.runCycle()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Driver) runCycle() {
	requeued, stats, err := d.cycle(context.Background())
	if err != nil {
		d.logger.Error().Err(err).Msg("cycle failed")
		return
	}

	if requeued > 0 || stats.Assigned > 0 {
		d.logger.Info().
			Int("requeued", requeued).
			Int("assigned", stats.Assigned).
			Int("skipped_throttle", stats.SkippedThrottle).
			Int("skipped_area_lock", stats.SkippedAreaLock).
			Int("skipped_no_worker", stats.SkippedNoWorker).
			Msg("cycle complete")
	}
}
