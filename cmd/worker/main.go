package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"agent-task-queue/internal/artifacts"
	"agent-task-queue/internal/config"
	"agent-task-queue/internal/events"
	"agent-task-queue/internal/queue"
	"agent-task-queue/internal/stage"
	"agent-task-queue/internal/store"
	"agent-task-queue/internal/telemetry"
	workerproc "agent-task-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = closeLog() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if cfg.WorkerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			cfg.WorkerID = hostname
		} else {
			cfg.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	bus := events.NewBus(redisClient)
	q := queue.New(cfg, st, bus, logger)

	blobs, err := artifacts.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact storage: %v", err)
	}

	runner := stage.ExecRunner{}
	engine := stage.NewEngine(cfg, q, st, blobs, runner, stage.DefaultAdapters(cfg, runner), logger)
	processor := workerproc.NewProcessor(cfg, q, engine, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker configured",
		"worker_id", cfg.WorkerID,
		"capabilities", cfg.WorkerCapabilities,
		"lease_ttl", cfg.LeaseTTL)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", "error", err)
	}
}
