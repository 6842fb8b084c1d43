package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"attendguard/internal/config"
	"attendguard/internal/fingerprint"
	"attendguard/internal/queue"
	"attendguard/internal/store"
)

// Worker consumes submission events and maintains per-session counters in
// Redis so dashboards never query Postgres for live counts.
func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	if !redisClient.Healthy(ctx) {
		logger.Fatal("redis not reachable", zap.String("addr", cfg.RedisAddr))
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// A memory queue is process-local; a separate worker would never see
		// events from the API. Kept for local smoke runs only.
		q = queue.NewInMemory(64)
		logger.Warn("memory queue configured, worker will not receive API events")
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendguard:submissions")
	}

	events, err := q.Consume(ctx)
	if err != nil {
		logger.Fatal("queue consume init failed", zap.Error(err))
	}

	logger.Info("worker started, waiting for submission events")
	for ev := range events {
		if err := redisClient.Client.Incr(ctx, store.SessionCounterKey(ev.SessionID)).Err(); err != nil {
			logger.Error("counter increment failed",
				zap.String("session_id", ev.SessionID), zap.Error(err))
			continue
		}
		logger.Info("submission counted",
			zap.String("session_id", ev.SessionID),
			zap.String("record_id", ev.RecordID),
			zap.String("device", fingerprint.ShortForm(ev.Fingerprint)),
			zap.Time("recorded_at", ev.RecordedAt))
	}

	logger.Info("worker stopped")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" || env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
