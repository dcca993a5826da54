// Package batch fans one request out into independently retried child jobs and tracks
// their aggregate progress in the shared counter store.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/prompthook/pkg/counter"
	"github.com/dukex/prompthook/pkg/models"
)

// ProgressTTL bounds how long a batch's counters outlive its initialization.
const ProgressTTL = 24 * time.Hour

const (
	fieldInitialTotal = "initialTotal"
	fieldTotal        = "total"
	fieldCompleted    = "completed"
	fieldErrors       = "errors"
	fieldEnqueued     = "enqueued"
)

// Tracker keeps the counters of every batch. Each mutation is a single atomic store
// operation and nothing is cached between calls.
type Tracker struct {
	store counter.Store
}

func NewTracker(store counter.Store) *Tracker {
	return &Tracker{store: store}
}

func Key(batchID, field string) string {
	return "batch:" + batchID + ":" + field
}

// Initialize sets initialTotal and total to total and every other counter to zero, unless
// the batch already has counters. It reports whether it created them, so any delivery of
// the fan-out job may call it without resetting progress already counted.
func (t *Tracker) Initialize(ctx context.Context, batchID string, total int64) (bool, error) {
	created, err := t.store.SetNX(ctx, map[string]int64{
		Key(batchID, fieldInitialTotal): total,
		Key(batchID, fieldTotal):        total,
		Key(batchID, fieldCompleted):    0,
		Key(batchID, fieldErrors):       0,
		Key(batchID, fieldEnqueued):     0,
	}, ProgressTTL)
	if err != nil {
		return false, fmt.Errorf("failed to initialize batch %s: %w", batchID, err)
	}

	return created, nil
}

func (t *Tracker) IncrementEnqueued(ctx context.Context, batchID string) (int64, error) {
	return t.store.Incr(ctx, Key(batchID, fieldEnqueued))
}

func (t *Tracker) IncrementCompleted(ctx context.Context, batchID string) (int64, error) {
	return t.store.Incr(ctx, Key(batchID, fieldCompleted))
}

func (t *Tracker) IncrementErrors(ctx context.Context, batchID string) (int64, error) {
	return t.store.Incr(ctx, Key(batchID, fieldErrors))
}

// DecrementTotal removes a permanently failed child from the expected total.
func (t *Tracker) DecrementTotal(ctx context.Context, batchID string) (int64, error) {
	return t.store.Decr(ctx, Key(batchID, fieldTotal))
}

// Progress reads every counter of a batch. It reports false when the batch was never
// initialized or its counters have expired.
func (t *Tracker) Progress(ctx context.Context, batchID string) (models.BatchProgress, bool, error) {
	values, err := t.store.Get(ctx,
		Key(batchID, fieldInitialTotal),
		Key(batchID, fieldTotal),
		Key(batchID, fieldCompleted),
		Key(batchID, fieldErrors),
		Key(batchID, fieldEnqueued),
	)
	if err != nil {
		return models.BatchProgress{}, false, fmt.Errorf("failed to read batch %s: %w", batchID, err)
	}

	initialTotal, found := values[Key(batchID, fieldInitialTotal)]
	if !found {
		return models.BatchProgress{}, false, nil
	}

	return models.BatchProgress{
		InitialTotal: initialTotal,
		Total:        values[Key(batchID, fieldTotal)],
		Completed:    values[Key(batchID, fieldCompleted)],
		Errors:       values[Key(batchID, fieldErrors)],
		Enqueued:     values[Key(batchID, fieldEnqueued)],
	}, true, nil
}
