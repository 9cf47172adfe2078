package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/scheduler"
	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := New(Config{
		DataDir:       t.TempDir(),
		LeaseTTL:      30 * time.Minute,
		HeartbeatTTL:  90 * time.Second,
		CycleInterval: time.Hour, // background ticker never fires during the test
	})
	require.NoError(t, err)
	// New starts a driver that also runs a cycle on every mutation's
	// Trigger; swap in an unstarted one so cycles run only when a test
	// calls runCycleOnce.
	d.driver.Stop()
	d.driver = scheduler.NewDriver(d.runCycleOnce, time.Hour)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// S1 — basic assignment.
func TestDispatcherBasicAssignment(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.CreateRepo(ctx, "demo", 2, true)
	require.NoError(t, err)

	workerID, rawToken, err := d.RegisterWorker(ctx, "W1", "", nil, 5, 2)
	require.NoError(t, err)
	require.NotEmpty(t, rawToken)

	require.NoError(t, d.Heartbeat(ctx, workerID, types.WorkerIdle))

	task, err := d.CreateTask(ctx, "demo", "T1", "", 2, 10, nil, "", 0)
	require.NoError(t, err)

	_, stats, err := d.runCycleOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Assigned)

	got, err := d.store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskLeased, got.Status)
	assert.Equal(t, workerID, got.AssignedWorkerID)
	require.NotNil(t, got.LeaseExpiresAt)
}

// S3 — throttle.
func TestDispatcherThrottleBlocksAssignment(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.CreateRepo(ctx, "demo", 1, false)
	require.NoError(t, err)
	workerID, _, err := d.RegisterWorker(ctx, "W1", "", nil, 5, 2)
	require.NoError(t, err)
	require.NoError(t, d.Heartbeat(ctx, workerID, types.WorkerIdle))

	preseeded, err := d.CreateTask(ctx, "demo", "already-open", "", 1, 1, nil, "", 0)
	require.NoError(t, err)
	_, _, err = d.runCycleOnce(ctx)
	require.NoError(t, err)
	_, err = d.UpdateTaskStatus(ctx, workerID, preseeded.TaskID, types.TaskInProgress, "", nil)
	require.NoError(t, err)
	_, err = d.UpdateTaskStatus(ctx, workerID, preseeded.TaskID, types.TaskPROpened, "", &types.Artifact{PRUrl: "http://example.com/1"})
	require.NoError(t, err)

	newTask, err := d.CreateTask(ctx, "demo", "new", "", 1, 1, nil, "", 0)
	require.NoError(t, err)

	_, stats, err := d.runCycleOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Assigned)
	assert.Equal(t, 1, stats.SkippedThrottle)

	got, err := d.store.GetTask(ctx, newTask.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskReady, got.Status)
}

// Covers update_task_status's forbidden/not-found/bad-request error kinds.
func TestDispatcherUpdateTaskStatusErrorKinds(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.CreateRepo(ctx, "demo", 5, false)
	require.NoError(t, err)
	workerID, _, err := d.RegisterWorker(ctx, "W1", "", nil, 5, 2)
	require.NoError(t, err)
	otherWorkerID, _, err := d.RegisterWorker(ctx, "W2", "", nil, 5, 2)
	require.NoError(t, err)
	require.NoError(t, d.Heartbeat(ctx, workerID, types.WorkerIdle))

	task, err := d.CreateTask(ctx, "demo", "T1", "", 1, 10, nil, "", 0)
	require.NoError(t, err)
	_, _, err = d.runCycleOnce(ctx)
	require.NoError(t, err)

	_, err = d.UpdateTaskStatus(ctx, workerID, "does-not-exist", types.TaskInProgress, "", nil)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, kind)

	_, err = d.UpdateTaskStatus(ctx, otherWorkerID, task.TaskID, types.TaskInProgress, "", nil)
	kind, ok = KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindForbidden, kind)

	_, err = d.UpdateTaskStatus(ctx, workerID, task.TaskID, types.TaskMerged, "", nil)
	kind, ok = KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindBadRequest, kind)

	updated, err := d.UpdateTaskStatus(ctx, workerID, task.TaskID, types.TaskInProgress, "starting", nil)
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, updated.Status)
}

func TestDispatcherAuthenticateMissingAndInvalid(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrAuthMissing)

	_, err = d.Authenticate(ctx, "not-a-real-token")
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindAuthInvalid, kind)
}

func TestDispatcherWorkForWorkerAndCounts(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.CreateRepo(ctx, "demo", 5, false)
	require.NoError(t, err)
	workerID, _, err := d.RegisterWorker(ctx, "W1", "", nil, 5, 2)
	require.NoError(t, err)
	require.NoError(t, d.Heartbeat(ctx, workerID, types.WorkerIdle))

	_, err = d.CreateTask(ctx, "demo", "T1", "", 1, 10, nil, "", 0)
	require.NoError(t, err)
	_, stats, err := d.runCycleOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Assigned)

	held, err := d.WorkForWorker(ctx, workerID)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, types.TaskLeased, held[0].Status)

	counts, err := d.CountsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.TaskLeased])

	online, err := d.WorkersOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, online)
}

// S6 — lease expiry triggers requeue, and a still-capable worker is
// re-leased in the same cycle since requeue precedes matching.
func TestDispatcherLeaseExpiryRequeuesAndReassigns(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.CreateRepo(ctx, "demo", 5, false)
	require.NoError(t, err)
	workerID, _, err := d.RegisterWorker(ctx, "W1", "", nil, 5, 2)
	require.NoError(t, err)
	require.NoError(t, d.Heartbeat(ctx, workerID, types.WorkerIdle))

	task, err := d.CreateTask(ctx, "demo", "T1", "", 1, 10, nil, "", 0)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, d.store.LeaseTask(ctx, task.TaskID, workerID, past, past.Add(time.Second)))

	requeued, stats, err := d.runCycleOnce(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, requeued, 1)
	assert.Equal(t, 1, stats.Assigned)

	got, err := d.store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskLeased, got.Status)
	assert.Equal(t, 1, got.Attempt)
}
