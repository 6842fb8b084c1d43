package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmissionEvent is published after an attendance record is accepted. The
// worker consumes these to maintain per-session counters.
type SubmissionEvent struct {
	RecordID    string    `json:"record_id"`
	SessionID   string    `json:"session_id"`
	Fingerprint string    `json:"fingerprint"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, ev SubmissionEvent) error
	Consume(ctx context.Context) (<-chan SubmissionEvent, error)
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan SubmissionEvent
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan SubmissionEvent, size)}
}

// Publish enqueues an event.
func (q *InMemory) Publish(ctx context.Context, ev SubmissionEvent) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan SubmissionEvent, error) {
	out := make(chan SubmissionEvent)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-q.ch:
				out <- ev
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a Redis list-backed queue using LPUSH/BRPOP.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue on the given list key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "attendguard:submissions"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues an event as JSON.
func (q *RedisQueue) Publish(ctx context.Context, ev SubmissionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

// Consume streams events using BRPOP. Malformed payloads are skipped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan SubmissionEvent, error) {
	out := make(chan SubmissionEvent)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				var ev SubmissionEvent
				if err := json.Unmarshal([]byte(res[1]), &ev); err == nil {
					out <- ev
				}
			}
		}
	}()
	return out, nil
}
