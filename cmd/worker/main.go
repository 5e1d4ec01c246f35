package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"faceexam/internal/config"
	"faceexam/internal/integrity"
	"faceexam/internal/logsvc"
	"faceexam/internal/metrics"
	"faceexam/internal/queue"
	"faceexam/internal/store"
)

// Worker drains integrity events from Redis into Postgres.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend == "memory" || cfg.StoreBackend == "memory" {
		log.Fatal("worker needs the redis queue and postgres store; the API consumes in-memory queues itself")
	}

	host, _ := os.Hostname()
	logger := logsvc.New(log.Default(), cfg.RollbarToken, cfg.Env, host)
	if c, ok := logger.(interface{ Close() }); ok {
		defer c.Close()
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		logger.Warn("redis not reachable, consumer will keep retrying", cfg.RedisAddr)
	}

	q := queue.NewRedisQueue(redisClient.Client, cfg.IntegrityQueueKey)
	consumer := integrity.NewConsumer(store.NewPostgres(db.Client), logger, metrics.New(prometheus.DefaultRegisterer))

	log.Println("worker started, waiting for integrity events...")
	if err := consumer.Run(ctx, q); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", err)
		return
	}
	log.Println("worker stopped")
}
