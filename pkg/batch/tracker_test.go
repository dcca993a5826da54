package batch

import (
	"context"
	"testing"

	"github.com/dukex/prompthook/pkg/counter"
	"github.com/dukex/prompthook/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_TwoSuccessesAndOnePermanentFailure(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(counter.NewMemoryStore())

	created, err := tracker.Initialize(ctx, "b1", 3)
	require.NoError(t, err)
	require.True(t, created)

	for range 3 {
		_, err := tracker.IncrementEnqueued(ctx, "b1")
		require.NoError(t, err)
	}

	_, err = tracker.IncrementCompleted(ctx, "b1")
	require.NoError(t, err)
	_, err = tracker.IncrementCompleted(ctx, "b1")
	require.NoError(t, err)
	_, err = tracker.IncrementErrors(ctx, "b1")
	require.NoError(t, err)
	_, err = tracker.DecrementTotal(ctx, "b1")
	require.NoError(t, err)

	progress, found, err := tracker.Progress(ctx, "b1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.BatchProgress{InitialTotal: 3, Total: 2, Completed: 2, Errors: 1, Enqueued: 3}, progress)
	assert.True(t, progress.IsFinished())
}

func TestTracker_NotFinishedWhileFanoutIsBehind(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(counter.NewMemoryStore())

	_, err := tracker.Initialize(ctx, "b2", 3)
	require.NoError(t, err)

	_, err = tracker.IncrementEnqueued(ctx, "b2")
	require.NoError(t, err)
	_, err = tracker.IncrementErrors(ctx, "b2")
	require.NoError(t, err)
	_, err = tracker.DecrementTotal(ctx, "b2")
	require.NoError(t, err)

	progress, _, err := tracker.Progress(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, progress.Enqueued, progress.Completed+progress.Errors)
	assert.False(t, progress.IsFinished())
}

func TestTracker_InitializeKeepsExistingProgress(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(counter.NewMemoryStore())

	_, err := tracker.Initialize(ctx, "b3", 2)
	require.NoError(t, err)
	_, err = tracker.IncrementEnqueued(ctx, "b3")
	require.NoError(t, err)
	_, err = tracker.IncrementCompleted(ctx, "b3")
	require.NoError(t, err)

	created, err := tracker.Initialize(ctx, "b3", 2)
	require.NoError(t, err)
	assert.False(t, created)

	progress, _, err := tracker.Progress(ctx, "b3")
	require.NoError(t, err)
	assert.Equal(t, models.BatchProgress{InitialTotal: 2, Total: 2, Completed: 1, Enqueued: 1}, progress)
}

func TestTracker_UnknownBatch(t *testing.T) {
	_, found, err := NewTracker(counter.NewMemoryStore()).Progress(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "batch:b1:enqueued", Key("b1", fieldEnqueued))
}
