package counter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryValue struct {
	value     int64
	expiresAt time.Time
}

// MemoryStore is a process-local Store for tests and single-process development.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memoryValue
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]memoryValue{}, now: time.Now}
}

func (s *MemoryStore) SetNX(_ context.Context, values map[string]int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range values {
		if _, ok := s.live(key); ok {
			return false, nil
		}
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}

	for key, value := range values {
		s.values[key] = memoryValue{value: value, expiresAt: expiresAt}
	}

	return true, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	return s.add(key, 1)
}

func (s *MemoryStore) Decr(_ context.Context, key string) (int64, error) {
	return s.add(key, -1)
}

func (s *MemoryStore) Get(_ context.Context, keys ...string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make(map[string]int64, len(keys))

	for _, key := range keys {
		if current, ok := s.live(key); ok {
			values[key] = current.value
		}
	}

	return values, nil
}

func (s *MemoryStore) add(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.live(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissing, key)
	}

	current.value += delta
	s.values[key] = current

	return current.value, nil
}

// live must be called with mu held.
func (s *MemoryStore) live(key string) (memoryValue, bool) {
	current, ok := s.values[key]
	if !ok {
		return memoryValue{}, false
	}

	if !current.expiresAt.IsZero() && !s.now().Before(current.expiresAt) {
		delete(s.values, key)

		return memoryValue{}, false
	}

	return current, true
}
