package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// setNXScript writes every key only when none exists. ARGV holds the values followed by
// the ttl in milliseconds.
var setNXScript = redis.NewScript(`
for i = 1, #KEYS do
	if redis.call('EXISTS', KEYS[i]) == 1 then
		return 0
	end
end
local ttl = ARGV[#ARGV]
for i = 1, #KEYS do
	redis.call('SET', KEYS[i], ARGV[i], 'PX', ttl)
end
return 1
`)

// addScript changes an existing key only. INCRBY keeps the key's ttl.
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
return redis.call('INCRBY', KEYS[1], ARGV[1])
`)

// RedisStore keeps counters as plain Redis integer keys.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SetNX(ctx context.Context, values map[string]int64, ttl time.Duration) (bool, error) {
	keys := make([]string, 0, len(values))
	args := make([]any, 0, len(values)+1)

	for key, value := range values {
		keys = append(keys, key)
		args = append(args, value)
	}

	args = append(args, ttl.Milliseconds())

	written, err := setNXScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to set counters: %w", err)
	}

	return written == 1, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.add(ctx, key, 1)
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.add(ctx, key, -1)
}

func (s *RedisStore) add(ctx context.Context, key string, delta int64) (int64, error) {
	value, err := addScript.Run(ctx, s.client, []string{key}, delta).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %s", ErrMissing, key)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to change %s: %w", key, err)
	}

	return value, nil
}

func (s *RedisStore) Get(ctx context.Context, keys ...string) (map[string]int64, error) {
	values := make(map[string]int64, len(keys))

	if len(keys) == 0 {
		return values, nil
	}

	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	for i, value := range raw {
		text, ok := value.(string)
		if !ok {
			continue
		}

		parsed, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s is not an integer: %w", keys[i], err)
		}

		values[keys[i]] = parsed
	}

	return values, nil
}
