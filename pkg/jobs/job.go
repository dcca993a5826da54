// Package jobs provides a durable background job queue with retries and a worker pool.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultAttempts = 1
	DefaultBackoff  = time.Second
)

// Options control how a job is delivered.
type Options struct {
	// Attempts is the total number of executions allowed, including the first.
	Attempts int
	// Backoff is the base delay between attempts; attempt n waits Backoff * 2^(n-1).
	Backoff time.Duration
	// Delay postpones the first execution.
	Delay time.Duration
	// ID deduplicates enqueues: a second job with the same ID is accepted and discarded.
	ID string
}

// Job is one unit of background work.
type Job struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	// Attempt counts the executions that already failed.
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	LastError   string        `json:"last_error,omitempty"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
}

func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Unrecoverable(fmt.Errorf("failed to decode %s payload: %w", j.Name, err))
	}

	return nil
}

// IsFinalAttempt reports whether a failure of the current execution exhausts the job.
func (j *Job) IsFinalAttempt() bool {
	return j.Attempt+1 >= j.MaxAttempts
}

// RetryDelay is the wait before the next execution after the current one failed.
func (j *Job) RetryDelay() time.Duration {
	backoff := j.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	return backoff << j.Attempt
}

func newJob(id, name string, payload any, opts Options, now time.Time) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	return &Job{
		ID:          id,
		Name:        name,
		Payload:     raw,
		MaxAttempts: attempts,
		Backoff:     backoff,
		EnqueuedAt:  now,
	}, nil
}

// Enqueuer schedules jobs. Enqueuing a job whose Options.ID was already used succeeds
// without scheduling a second job.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts Options) (string, error)
}

type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// FailureHandler runs once a job has failed for the last time.
type FailureHandler interface {
	Failed(ctx context.Context, job *Job, cause error)
}

type FailureHandlerFunc func(ctx context.Context, job *Job, cause error)

func (f FailureHandlerFunc) Failed(ctx context.Context, job *Job, cause error) {
	f(ctx, job, cause)
}

// Queue is the storage a Worker consumes.
type Queue interface {
	Enqueuer

	// Dequeue waits up to timeout for a ready job. It returns nil when none arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	// Retry records the failure and makes the job ready again after delay.
	Retry(ctx context.Context, job *Job, cause error, delay time.Duration) error
	Fail(ctx context.Context, job *Job, cause error) error
	// Release hands back a job whose execution was interrupted, without counting an attempt.
	Release(ctx context.Context, job *Job) error
	// PromoteDue moves delayed jobs whose time has come to the ready list.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	// RecoverExpired makes ready again every job dequeued more than lease ago and never
	// settled, which is what a worker that died mid-job leaves behind.
	RecoverExpired(ctx context.Context, now time.Time, lease time.Duration) (int, error)
}

type unrecoverableError struct{ err error }

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err as a failure that retrying cannot fix.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}

	return &unrecoverableError{err: err}
}

func IsUnrecoverable(err error) bool {
	var target *unrecoverableError

	return errors.As(err, &target)
}

type dropError struct{ err error }

func (e *dropError) Error() string { return e.err.Error() }
func (e *dropError) Unwrap() error { return e.err }

// Drop completes the job without running failure handlers. Use it when the work no longer
// applies, for example because the record it refers to is gone.
func Drop(err error) error {
	if err == nil {
		return nil
	}

	return &dropError{err: err}
}

func IsDrop(err error) bool {
	var target *dropError

	return errors.As(err, &target)
}
