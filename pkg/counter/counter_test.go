package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetIncrDecrGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	written, err := store.SetNX(ctx, map[string]int64{"a": 3, "b": 0}, time.Hour)
	require.NoError(t, err)
	assert.True(t, written)

	value, err := store.Incr(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	value, err = store.Decr(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)

	values, err := store.Get(ctx, "a", "b", "missing")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 2, "b": 1}, values)
}

func TestMemoryStore_SetNXKeepsExistingValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.SetNX(ctx, map[string]int64{"a": 3, "b": 0}, time.Hour)
	require.NoError(t, err)

	_, err = store.Incr(ctx, "b")
	require.NoError(t, err)

	written, err := store.SetNX(ctx, map[string]int64{"a": 3, "b": 0}, time.Hour)
	require.NoError(t, err)
	assert.False(t, written)

	values, err := store.Get(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 3, "b": 1}, values)
}

func TestMemoryStore_IncrementsAreAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.SetNX(ctx, map[string]int64{"hits": 0}, time.Hour)
	require.NoError(t, err)

	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, _ = store.Incr(ctx, "hits")
		}()
	}

	wg.Wait()

	values, err := store.Get(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, int64(100), values["hits"])
}

func TestMemoryStore_ExpiredKeysAreNotRecreated(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }

	_, err := store.SetNX(ctx, map[string]int64{"a": 1}, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)

	values, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, values)

	_, err = store.Incr(ctx, "a")
	require.ErrorIs(t, err, ErrMissing)

	_, err = store.Decr(ctx, "never-set")
	require.ErrorIs(t, err, ErrMissing)

	values, err = store.Get(ctx, "a", "never-set")
	require.NoError(t, err)
	assert.Empty(t, values)
}
