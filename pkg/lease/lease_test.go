package lease

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRequeueExpiredRequeuesOnlyPastDeadline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := &types.Task{TaskID: "t-expired", Repo: "acme/widgets", Status: types.TaskReady, CreatedAt: now}
	require.NoError(t, store.InsertTask(ctx, expired))
	require.NoError(t, store.LeaseTask(ctx, "t-expired", "wkr_1", now.Add(-time.Hour), now.Add(-time.Minute)))

	fresh := &types.Task{TaskID: "t-fresh", Repo: "acme/widgets", Status: types.TaskReady, CreatedAt: now}
	require.NoError(t, store.InsertTask(ctx, fresh))
	require.NoError(t, store.LeaseTask(ctx, "t-fresh", "wkr_2", now, now.Add(time.Hour)))

	manager := NewManager(store)
	count, err := manager.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.GetTask(ctx, "t-expired")
	require.NoError(t, err)
	assert.Equal(t, types.TaskReady, got.Status)
	assert.Equal(t, 1, got.Attempt)

	stillHeld, err := store.GetTask(ctx, "t-fresh")
	require.NoError(t, err)
	assert.Equal(t, types.TaskLeased, stillHeld.Status)
}

// A pr_opened task retains the lease_expires_at stamped when it was
// first leased, long before it reached pr_opened. The sweep must leave
// it alone rather than throwing completed work back to ready.
func TestRequeueExpiredIgnoresPROpenedAndBlocked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	longExpired := now.Add(-time.Hour)

	prOpened := &types.Task{
		TaskID: "t-pr", Repo: "acme/widgets", Status: types.TaskPROpened,
		AssignedWorkerID: "wkr_1", LeaseExpiresAt: &longExpired, CreatedAt: now,
	}
	require.NoError(t, store.InsertTask(ctx, prOpened))

	blocked := &types.Task{
		TaskID: "t-blocked", Repo: "acme/widgets", Status: types.TaskBlocked,
		AssignedWorkerID: "wkr_1", LeaseExpiresAt: &longExpired, CreatedAt: now,
	}
	require.NoError(t, store.InsertTask(ctx, blocked))

	manager := NewManager(store)
	count, err := manager.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	gotPR, err := store.GetTask(ctx, "t-pr")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPROpened, gotPR.Status)
	assert.Equal(t, "wkr_1", gotPR.AssignedWorkerID)
	assert.Equal(t, 0, gotPR.Attempt)

	gotBlocked, err := store.GetTask(ctx, "t-blocked")
	require.NoError(t, err)
	assert.Equal(t, types.TaskBlocked, gotBlocked.Status)
}

func TestRequeueExpiredNoExpiredTasks(t *testing.T) {
	store := newTestStore(t)
	manager := NewManager(store)

	count, err := manager.RequeueExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
