package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/prompthook/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPollTimeout     = time.Second
	defaultPromoteInterval = time.Second

	// DefaultLease is how long a dequeued job may stay unsettled before another worker
	// takes it over. It must exceed the longest handler run.
	DefaultLease = 15 * time.Minute
)

// ErrUnknownJob is returned for jobs no handler was registered for.
var ErrUnknownJob = errors.New("no handler registered for job")

// Worker consumes a Queue with a fixed number of goroutines.
type Worker struct {
	queue           Queue
	logger          *slog.Logger
	concurrency     int
	pollTimeout     time.Duration
	promoteInterval time.Duration
	lease           time.Duration
	now             func() time.Time
	tracer          trace.Tracer

	mu       sync.RWMutex
	handlers map[string]Handler
	failures map[string]FailureHandler
}

func NewWorker(queue Queue, logger *slog.Logger, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Worker{
		queue:           queue,
		logger:          logger.With("module", "job_worker"),
		concurrency:     concurrency,
		pollTimeout:     defaultPollTimeout,
		promoteInterval: defaultPromoteInterval,
		lease:           DefaultLease,
		now:             time.Now,
		tracer:          otelhelper.Noop(),
		handlers:        map[string]Handler{},
		failures:        map[string]FailureHandler{},
	}
}

// SetTracer makes the worker open one span per job execution.
func (w *Worker) SetTracer(tracer trace.Tracer) {
	w.tracer = tracer
}

// SetLease changes how long a dequeued job may stay unsettled before it is redelivered.
func (w *Worker) SetLease(lease time.Duration) {
	if lease > 0 {
		w.lease = lease
	}
}

func (w *Worker) Register(name string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.handlers[name] = handler
}

// OnFailure registers a handler called when a job of this name fails for the last time.
func (w *Worker) OnFailure(name string, handler FailureHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.failures[name] = handler
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting job worker", "concurrency", w.concurrency)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		w.promote(ctx)
	}()

	for i := range w.concurrency {
		wg.Add(1)

		go func() {
			defer wg.Done()
			w.consume(ctx, i)
		}()
	}

	wg.Wait()
	w.logger.InfoContext(ctx, "Job worker stopped")

	return nil
}

func (w *Worker) consume(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		processed, err := w.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "Error dequeuing job", "slot", slot, "error", err)
			sleep(ctx, w.pollTimeout)

			continue
		}

		if !processed {
			sleep(ctx, w.pollTimeout/10)
		}
	}
}

func (w *Worker) promote(ctx context.Context) {
	ticker := time.NewTicker(w.promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			promoted, err := w.queue.PromoteDue(ctx, now)
			if err != nil {
				w.logger.ErrorContext(ctx, "Failed to promote delayed jobs", "error", err)

				continue
			}

			if promoted > 0 {
				w.logger.DebugContext(ctx, "Promoted delayed jobs", "count", promoted)
			}

			w.Recover(ctx)
		}
	}
}

// Recover redelivers jobs abandoned by workers that stopped before settling them.
func (w *Worker) Recover(ctx context.Context) int {
	recovered, err := w.queue.RecoverExpired(ctx, w.now(), w.lease)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to recover abandoned jobs", "error", err)
	}

	if recovered > 0 {
		w.logger.WarnContext(ctx, "Redelivered abandoned jobs", "count", recovered, "lease", w.lease)
	}

	return recovered
}

// ProcessOne dequeues and handles a single job. It reports false when no job was ready.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx, w.pollTimeout)
	if err != nil {
		return false, err
	}

	if job == nil {
		return false, nil
	}

	w.process(ctx, job)

	return true, nil
}

// Drain processes ready jobs until none is left, promoting delayed jobs that are due.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		if _, err := w.queue.PromoteDue(ctx, time.Now()); err != nil {
			return err
		}

		processed, err := w.ProcessOne(ctx)
		if err != nil {
			return err
		}

		if !processed {
			return nil
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	logger := w.logger.With("job_id", job.ID, "job", job.Name, "attempt", job.Attempt+1, "max_attempts", job.MaxAttempts)

	w.mu.RLock()
	handler, ok := w.handlers[job.Name]
	failure := w.failures[job.Name]
	w.mu.RUnlock()

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "job "+job.Name,
		attribute.String(otelhelper.JobNameKey, job.Name),
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.Int("prompthook.job.attempt", job.Attempt+1),
	)
	defer span.End()

	var err error
	if ok {
		err = w.handle(ctx, handler, job)
	} else {
		err = Unrecoverable(fmt.Errorf("%w: %s", ErrUnknownJob, job.Name))
	}

	if err != nil && !IsDrop(err) {
		otelhelper.SetError(span, err)
	}

	// Shutdown must not lose the outcome, so the job is settled on a context that
	// outlives cancellation.
	interrupted := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)

	switch {
	case err != nil && interrupted:
		logger.InfoContext(ctx, "Job interrupted by shutdown, releasing", "error", err)

		if releaseErr := w.queue.Release(ctx, job); releaseErr != nil {
			logger.ErrorContext(ctx, "Failed to release job", "error", releaseErr)
		}
	case err == nil:
		logger.DebugContext(ctx, "Job completed")
		w.complete(ctx, logger, job)
	case IsDrop(err):
		logger.InfoContext(ctx, "Job dropped", "reason", err)
		w.complete(ctx, logger, job)
	case IsUnrecoverable(err) || job.IsFinalAttempt():
		logger.ErrorContext(ctx, "Job failed permanently", "error", err)

		if failErr := w.queue.Fail(ctx, job, err); failErr != nil {
			logger.ErrorContext(ctx, "Failed to mark job as failed", "error", failErr)
		}

		if failure != nil {
			failure.Failed(ctx, job, err)
		}
	default:
		delay := job.RetryDelay()
		logger.WarnContext(ctx, "Job failed, retrying", "error", err, "delay", delay)

		if retryErr := w.queue.Retry(ctx, job, err, delay); retryErr != nil {
			logger.ErrorContext(ctx, "Failed to schedule job retry", "error", retryErr)
		}
	}
}

func (w *Worker) handle(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("job panicked: %v", recovered)
		}
	}()

	return handler.Handle(ctx, job)
}

func (w *Worker) complete(ctx context.Context, logger *slog.Logger, job *Job) {
	if err := w.queue.Complete(ctx, job); err != nil {
		logger.ErrorContext(ctx, "Failed to complete job", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
