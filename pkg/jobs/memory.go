package jobs

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type delayedJob struct {
	job   *Job
	dueAt time.Time
}

type leasedJob struct {
	job   *Job
	since time.Time
}

// MemoryQueue is a process-local Queue for tests and single-process development.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []*Job
	delayed    []delayedJob
	processing map[string]leasedJob
	failed     []*Job
	seen       map[string]bool
	enqueueErr error
	now        func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		processing: map[string]leasedJob{},
		seen:       map[string]bool{},
		now:        time.Now,
	}
}

// FailEnqueues makes every following Enqueue return err until called again with nil.
func (q *MemoryQueue) FailEnqueues(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.enqueueErr = err
}

func (q *MemoryQueue) Enqueue(_ context.Context, name string, payload any, opts Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	} else if q.seen[id] {
		return id, nil
	}

	now := q.now()

	job, err := newJob(id, name, payload, opts, now)
	if err != nil {
		return "", err
	}

	q.seen[id] = true

	if opts.Delay > 0 {
		q.delayed = append(q.delayed, delayedJob{job: job, dueAt: now.Add(opts.Delay)})
	} else {
		q.ready = append(q.ready, job)
	}

	return id, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, _ time.Duration) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return nil, ctx.Err()
	}

	job := q.ready[0]
	q.ready = q.ready[1:]
	q.processing[job.ID] = leasedJob{job: job, since: q.now()}

	return job, nil
}

func (q *MemoryQueue) Complete(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, job.ID)

	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, job *Job, cause error, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.Attempt++
	job.LastError = cause.Error()

	delete(q.processing, job.ID)
	q.delayed = append(q.delayed, delayedJob{job: job, dueAt: q.now().Add(delay)})

	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, job *Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.LastError = cause.Error()

	delete(q.processing, job.ID)
	q.failed = append(q.failed, job)

	return nil
}

func (q *MemoryQueue) Release(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, job.ID)
	q.ready = append([]*Job{job}, q.ready...)

	return nil
}

func (q *MemoryQueue) RecoverExpired(_ context.Context, now time.Time, lease time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recovered := 0

	for id, leased := range q.processing {
		if leased.since.Add(lease).After(now) {
			continue
		}

		delete(q.processing, id)
		q.ready = append(q.ready, leased.job)
		recovered++
	}

	return recovered, nil
}

// InFlight returns the number of dequeued jobs not yet settled.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.processing)
}

func (q *MemoryQueue) PromoteDue(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.promote(func(d delayedJob) bool { return !d.dueAt.After(now) }), nil
}

// PromoteAll makes every delayed job ready regardless of its due time.
func (q *MemoryQueue) PromoteAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.promote(func(delayedJob) bool { return true })
}

func (q *MemoryQueue) promote(due func(delayedJob) bool) int {
	promoted := 0

	q.delayed = slices.DeleteFunc(q.delayed, func(d delayedJob) bool {
		if !due(d) {
			return false
		}

		q.ready = append(q.ready, d.job)
		promoted++

		return true
	})

	return promoted
}

// Ready returns the ready jobs with the given name, or all ready jobs when name is empty.
func (q *MemoryQueue) Ready(name string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	return filterJobs(q.ready, name)
}

// Delayed returns the delayed jobs with the given name, or all when name is empty.
func (q *MemoryQueue) Delayed(name string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*Job, 0, len(q.delayed))
	for _, d := range q.delayed {
		jobs = append(jobs, d.job)
	}

	return filterJobs(jobs, name)
}

func (q *MemoryQueue) Failed() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	return slices.Clone(q.failed)
}

// Pending reports whether any job is ready or delayed.
func (q *MemoryQueue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ready) > 0 || len(q.delayed) > 0
}

func filterJobs(jobs []*Job, name string) []*Job {
	result := make([]*Job, 0, len(jobs))

	for _, job := range jobs {
		if name == "" || job.Name == name {
			result = append(result, job)
		}
	}

	return result
}
