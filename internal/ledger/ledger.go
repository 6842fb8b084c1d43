// Package ledger tracks session+device submission tuples to block obvious
// resubmissions early. It is advisory only: the persistence layer's unique
// constraint on (session, device fingerprint) remains the authority, which is
// what settles the race where two tabs on one device submit concurrently.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger records and answers duplicate-submission checks.
type Ledger interface {
	// Record marks the tuple as submitted. It returns false when the tuple
	// was already present.
	Record(ctx context.Context, sessionID, deviceFingerprint string) (bool, error)
	// Seen reports whether the tuple was recorded before.
	Seen(ctx context.Context, sessionID, deviceFingerprint string) (bool, error)
}

// Memory is a process-local ledger for the token-only variant and for tests.
type Memory struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]time.Time)}
}

func key(sessionID, deviceFingerprint string) string {
	return sessionID + ":" + deviceFingerprint
}

func (m *Memory) Record(_ context.Context, sessionID, deviceFingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(sessionID, deviceFingerprint)
	if _, ok := m.seen[k]; ok {
		return false, nil
	}
	m.seen[k] = time.Now().UTC()
	return true, nil
}

func (m *Memory) Seen(_ context.Context, sessionID, deviceFingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[key(sessionID, deviceFingerprint)]
	return ok, nil
}

// Redis is a ledger shared across API instances, written with SETNX so the
// first writer wins.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis-backed ledger. Entries expire after ttl; zero
// means they persist until the session is deleted.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) redisKey(sessionID, deviceFingerprint string) string {
	return "ledger:" + key(sessionID, deviceFingerprint)
}

func (r *Redis) Record(ctx context.Context, sessionID, deviceFingerprint string) (bool, error) {
	return r.client.SetNX(ctx, r.redisKey(sessionID, deviceFingerprint), time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
}

func (r *Redis) Seen(ctx context.Context, sessionID, deviceFingerprint string) (bool, error) {
	n, err := r.client.Exists(ctx, r.redisKey(sessionID, deviceFingerprint)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
