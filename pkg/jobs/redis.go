package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix    = "jobs:job:"
	dedupeKeyPrefix = "jobs:dedupe:"
	readyKey        = "jobs:ready"
	processingKey   = "jobs:processing"
	leasesKey       = "jobs:leases"
	delayedKey      = "jobs:delayed"
	failedKey       = "jobs:failed"

	jobTTL    = 7 * 24 * time.Hour
	dedupeTTL = 24 * time.Hour
)

// recoverScript moves one job from the processing list back to the ready list, unless a
// worker settled it in the meantime.
var recoverScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) > 0 then
	redis.call('LPUSH', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// RedisQueue stores jobs in Redis. Ready jobs move atomically to a processing list when
// dequeued and get a lease scored by dequeue time; delayed jobs wait in a sorted set
// scored by due time.
type RedisQueue struct {
	client redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

func NewRedisQueue(client redis.UniversalClient, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		logger: logger.With("module", "job_queue"),
		now:    time.Now,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload any, opts Options) (string, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	} else {
		fresh, err := q.client.SetNX(ctx, dedupeKeyPrefix+id, name, dedupeTTL).Result()
		if err != nil {
			return "", fmt.Errorf("failed to reserve job id %s: %w", id, err)
		}

		if !fresh {
			q.logger.DebugContext(ctx, "Skipping duplicate job", "job_id", id, "job", name)

			return id, nil
		}
	}

	now := q.now()

	job, err := newJob(id, name, payload, opts, now)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKeyPrefix+id, data, jobTTL)

		if opts.Delay > 0 {
			pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: id})
		} else {
			pipe.LPush(ctx, readyKey, id)
		}

		return nil
	})
	if err != nil {
		if opts.ID != "" {
			q.client.Del(ctx, dedupeKeyPrefix+id)
		}

		return "", fmt.Errorf("failed to enqueue job %s: %w", name, err)
	}

	q.logger.DebugContext(ctx, "Enqueued job", "job_id", id, "job", name, "delay", opts.Delay)

	return id, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, readyKey, processingKey, timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	// A missing lease is granted by the next RecoverExpired, so a failure here only
	// delays recovery.
	if err := q.client.ZAdd(ctx, leasesKey, redis.Z{Score: float64(q.now().UnixMilli()), Member: id}).Err(); err != nil {
		q.logger.WarnContext(ctx, "Failed to record job lease", "job_id", id, "error", err)
	}

	data, err := q.client.Get(ctx, jobKeyPrefix+id).Bytes()
	if err != nil {
		q.removeFromProcessing(ctx, id)

		return nil, fmt.Errorf("job data not found for ID %s: %w", id, err)
	}

	var job Job

	err = json.Unmarshal(data, &job)
	if err != nil {
		q.removeFromProcessing(ctx, id)

		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}

	return &job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey, 1, job.ID)
		pipe.ZRem(ctx, leasesKey, job.ID)
		pipe.Del(ctx, jobKeyPrefix+job.ID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}

	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, job *Job, cause error, delay time.Duration) error {
	job.Attempt++
	job.LastError = cause.Error()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKeyPrefix+job.ID, data, jobTTL)
		pipe.LRem(ctx, processingKey, 1, job.ID)
		pipe.ZRem(ctx, leasesKey, job.ID)
		pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(q.now().Add(delay).UnixMilli()), Member: job.ID})

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry of job %s: %w", job.ID, err)
	}

	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) error {
	job.LastError = cause.Error()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKeyPrefix+job.ID, data, jobTTL)
		pipe.LRem(ctx, processingKey, 1, job.ID)
		pipe.ZRem(ctx, leasesKey, job.ID)
		pipe.LPush(ctx, failedKey, job.ID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark job %s as failed: %w", job.ID, err)
	}

	return nil
}

// Release puts an interrupted job at the head of the ready list with its attempt count
// unchanged.
func (q *RedisQueue) Release(ctx context.Context, job *Job) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey, 1, job.ID)
		pipe.ZRem(ctx, leasesKey, job.ID)
		pipe.RPush(ctx, readyKey, job.ID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", job.ID, err)
	}

	return nil
}

// RecoverExpired requeues processing jobs whose lease is older than lease. Jobs found in
// the processing list without a lease are leased from now on. ZREM decides which sweeper
// owns an expired lease.
func (q *RedisQueue) RecoverExpired(ctx context.Context, now time.Time, lease time.Duration) (int, error) {
	processing, err := q.client.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read processing jobs: %w", err)
	}

	for _, id := range processing {
		err := q.client.ZAddNX(ctx, leasesKey, redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err()
		if err != nil {
			return 0, fmt.Errorf("failed to lease job %s: %w", id, err)
		}
	}

	expired, err := q.client.ZRangeByScore(ctx, leasesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Add(-lease).UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read job leases: %w", err)
	}

	recovered := 0

	for _, id := range expired {
		removed, err := q.client.ZRem(ctx, leasesKey, id).Result()
		if err != nil {
			return recovered, fmt.Errorf("failed to claim lease of job %s: %w", id, err)
		}

		if removed == 0 {
			continue
		}

		moved, err := recoverScript.Run(ctx, q.client, []string{processingKey, readyKey}, id).Int()
		if err != nil {
			return recovered, fmt.Errorf("failed to recover job %s: %w", id, err)
		}

		if moved == 1 {
			q.logger.WarnContext(ctx, "Recovered abandoned job", "job_id", id)

			recovered++
		}
	}

	return recovered, nil
}

// PromoteDue moves due delayed jobs to the ready list. ZREM decides which poller owns a
// job, so concurrent promoters never push the same id twice.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	promoted := 0

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim delayed job %s: %w", id, err)
		}

		if removed == 0 {
			continue
		}

		err = q.client.LPush(ctx, readyKey, id).Err()
		if err != nil {
			return promoted, fmt.Errorf("failed to promote job %s: %w", id, err)
		}

		promoted++
	}

	return promoted, nil
}

func (q *RedisQueue) removeFromProcessing(ctx context.Context, id string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey, 1, id)
		pipe.ZRem(ctx, leasesKey, id)

		return nil
	})
	if err != nil {
		q.logger.ErrorContext(ctx, "Failed to remove job from processing list", "job_id", id, "error", err)
	}
}
