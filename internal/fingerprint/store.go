package fingerprint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the per-device fingerprint baseline. Implementations must be
// idempotent on Get: repeated reads without an intervening Put return the same
// value.
type Store interface {
	Get(ctx context.Context, deviceKey string) (hash string, ok bool, err error)
	Put(ctx context.Context, deviceKey, hash string) error
}

// MemoryStore keeps baselines in process memory. Used in tests and when Redis
// is not configured.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, deviceKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.data[deviceKey]
	return h, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, deviceKey, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[deviceKey] = hash
	return nil
}

// RedisStore keeps baselines in Redis so they survive API restarts.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store with the given baseline TTL. A zero ttl means
// baselines never expire.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(deviceKey string) string {
	return "fingerprint:baseline:" + deviceKey
}

func (s *RedisStore) Get(ctx context.Context, deviceKey string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.key(deviceKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Put(ctx context.Context, deviceKey, hash string) error {
	return s.client.Set(ctx, s.key(deviceKey), hash, s.ttl).Err()
}
