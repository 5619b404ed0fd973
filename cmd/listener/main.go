package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/geocoder89/triggerhub/internal/breaker"
	"github.com/geocoder89/triggerhub/internal/config"
	"github.com/geocoder89/triggerhub/internal/db"
	"github.com/geocoder89/triggerhub/internal/enqueue"
	"github.com/geocoder89/triggerhub/internal/evaluate"
	"github.com/geocoder89/triggerhub/internal/listen"
	"github.com/geocoder89/triggerhub/internal/match"
	"github.com/geocoder89/triggerhub/internal/observability"
	"github.com/geocoder89/triggerhub/internal/pipeline"
	"github.com/geocoder89/triggerhub/internal/poll"
	"github.com/geocoder89/triggerhub/internal/repo/postgres"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(context.Background(), "eventhub-listener", "localhost:4317")
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

	eventsRepo := postgres.NewEventsRepo(pool, prom)
	triggersRepo := postgres.NewTriggersRepo(pool, prom)
	stateRepo := postgres.NewStateRepo(pool, prom)
	actionJobsRepo := postgres.NewActionJobsRepo(pool, prom)

	matcher := match.New(triggersRepo, cfg.MaxTriggersPerEvent)
	if err := matcher.Rebuild(ctx); err != nil {
		logger.ErrorContext(ctx, "matcher.initial_rebuild_failed", "err", err)
		os.Exit(1)
	}
	go matcher.Run(ctx, cfg.IndexRebuildEvery)

	br := breaker.New(stateRepo)
	enqueuer := enqueue.New(actionJobsRepo, cfg.QueueHighWater, cfg.QueueCriticalWater)
	evaluator := evaluate.New(stateRepo, br, enqueuer, logger)
	pl := pipeline.New(eventsRepo, matcher, evaluator, prom)

	listener := listen.New(eventsRepo, pl, listen.Config{
		NEval:      cfg.NEval,
		TaskBudget: cfg.ListenerTaskBudget,
		BackoffMin: cfg.ReconnectBackoffMin,
		BackoffMax: cfg.ReconnectBackoffMax,
	}, prom, logger)

	poller := poll.New(eventsRepo, pl, poll.Config{
		Interval:  cfg.PollInterval,
		BatchSize: cfg.PollerBatchSize,
	}, logger)

	healthAddr := os.Getenv("LISTENER_HEALTH_ADDR")
	if healthAddr == "" {
		healthAddr = ":8082"
	}
	healthSrv := &http.Server{Addr: healthAddr, Handler: healthHandler(reg)}

	go func() {
		logger.InfoContext(ctx, "listener.health_server_starting", "addr", healthAddr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorContext(ctx, "listener.health_server_failed", "err", err)
		}
	}()

	go listener.Run(ctx)
	go poller.Run(ctx)

	logger.InfoContext(ctx, "listener.start", "n_eval", cfg.NEval, "poll_interval", cfg.PollInterval)

	<-ctx.Done()
	logger.InfoContext(context.Background(), "listener.shutdown_signal_received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	logger.InfoContext(context.Background(), "listener.shutdown_complete")
}

func healthHandler(reg *prometheus.Registry) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/readyz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ready"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	return r
}
