// Package counter provides atomic named counters shared by every worker process.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrMissing is returned when a counter to change does not exist or has expired.
var ErrMissing = errors.New("counter does not exist")

// Store holds integer counters. Every operation is atomic across processes.
type Store interface {
	// SetNX writes all values with the given ttl, only when none of the keys exists. It
	// reports whether the values were written.
	SetNX(ctx context.Context, values map[string]int64, ttl time.Duration) (bool, error)
	// Incr adds one to an existing key and returns the new value. The key keeps its ttl.
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	// Get returns the values of the keys that exist. Missing keys are left out.
	Get(ctx context.Context, keys ...string) (map[string]int64, error)
}
