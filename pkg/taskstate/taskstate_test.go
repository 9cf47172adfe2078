package taskstate

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		from    types.TaskStatus
		to      types.TaskStatus
		wantErr bool
	}{
		{"leased to in_progress", types.TaskLeased, types.TaskInProgress, false},
		{"leased to blocked", types.TaskLeased, types.TaskBlocked, false},
		{"leased to pr_opened skips in_progress", types.TaskLeased, types.TaskPROpened, true},
		{"in_progress to blocked", types.TaskInProgress, types.TaskBlocked, false},
		{"in_progress to pr_opened", types.TaskInProgress, types.TaskPROpened, false},
		{"blocked to in_progress", types.TaskBlocked, types.TaskInProgress, false},
		{"blocked to pr_opened", types.TaskBlocked, types.TaskPROpened, false},
		{"pr_opened to merged", types.TaskPROpened, types.TaskMerged, false},
		{"pr_opened to in_progress reopen", types.TaskPROpened, types.TaskInProgress, false},
		{"merged is terminal", types.TaskMerged, types.TaskInProgress, true},
		{"ready cannot be worker-reported", types.TaskReady, types.TaskInProgress, true},
		{"no self transition", types.TaskInProgress, types.TaskInProgress, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.from, tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyCommitsLegalTransition(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	task := &types.Task{TaskID: "t-1", Repo: "acme/widgets", Status: types.TaskLeased, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	require.NoError(t, Apply(ctx, store, task, types.TaskInProgress, "picked up", nil))

	got, err := store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, got.Status)
	assert.Equal(t, "picked up", got.Message)
}

func TestApplyRejectsIllegalTransition(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	task := &types.Task{TaskID: "t-1", Repo: "acme/widgets", Status: types.TaskLeased, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.InsertTask(ctx, task))

	err = Apply(ctx, store, task, types.TaskMerged, "", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := store.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskLeased, got.Status)
}
