package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/geocoder89/triggerhub/internal/breaker"
	"github.com/geocoder89/triggerhub/internal/config"
	"github.com/geocoder89/triggerhub/internal/db"
	"github.com/geocoder89/triggerhub/internal/executors"
	"github.com/geocoder89/triggerhub/internal/observability"
	"github.com/geocoder89/triggerhub/internal/queue/redisclient"
	"github.com/geocoder89/triggerhub/internal/ratelimit"
	"github.com/geocoder89/triggerhub/internal/repo/postgres"
	"github.com/geocoder89/triggerhub/internal/worker"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(context.Background(), "eventhub-worker", "localhost:4317")
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(observability.NewTraceHandler(base))
	slog.SetDefault(logger)

	pool, err := db.NewPool(cfg.DBURL, int32(cfg.DBMaxConns))
	if err != nil {
		logger.ErrorContext(ctx, "db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	actionJobsRepo := postgres.NewActionJobsRepo(pool, prom)
	eventsRepo := postgres.NewEventsRepo(pool, prom)
	triggersRepo := postgres.NewTriggersRepo(pool, prom)
	resultsRepo := postgres.NewActionResultsRepo(pool, prom)
	stateRepo := postgres.NewStateRepo(pool, prom)

	redisClient := redisclient.New(redisclient.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.New(redisClient.Raw())

	chatExecutor := executors.NewChatExecutor(limiter, ratelimit.DefaultTiers[ratelimit.ClassAPIKey])
	httpExecutor := executors.NewHTTPExecutor()
	toolExecutor := executors.NewToolExecutor(os.Getenv("TOOL_EXECUTOR_ENDPOINT"))
	dispatcher := executors.NewDispatcher(chatExecutor, httpExecutor, toolExecutor)

	br := breaker.New(stateRepo)

	host, _ := os.Hostname()
	workerID := host + "-" + strconv.Itoa(os.Getpid())

	healthAddr := os.Getenv("WORKER_HEALTH_ADDR")
	if healthAddr == "" {
		healthAddr = ":8081"
	}

	w := worker.New(worker.Config{
		PollInterval:  500 * time.Millisecond,
		WorkerID:      workerID,
		Concurrency:   cfg.NWorker,
		ShutdownGrace: cfg.ShutdownGrace,
		LeaseMS:       cfg.LeaseMS,
		HealthAddr:    healthAddr,
	}, actionJobsRepo, eventsRepo, triggersRepo, resultsRepo, br, dispatcher)
	w.PromRegistry = reg

	logger.InfoContext(ctx, "worker.start",
		"worker_id", workerID,
		"health_addr", healthAddr,
		"concurrency", cfg.NWorker,
	)

	if err := w.Run(ctx); err != nil {
		logger.ErrorContext(ctx, "worker.run_failed", "err", err)
	}

	logger.InfoContext(context.Background(), "worker.shutdown_complete")
}
