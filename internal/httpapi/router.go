package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/geocoder89/triggerhub/internal/auth"
	"github.com/geocoder89/triggerhub/internal/config"
	"github.com/geocoder89/triggerhub/internal/http/middlewares"
	"github.com/geocoder89/triggerhub/internal/observability"
	"github.com/geocoder89/triggerhub/internal/queue/redisclient"
	"github.com/geocoder89/triggerhub/internal/repo/postgres"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewRouter wires the control-plane HTTP surface: operator auth, trigger
// CRUD, and admin job inspection/retry, on top of the same pool the core
// pipeline reads from. Out of the core's scope (spec.md §1) but needed
// for the triggers/conditions/action_specs tables to have a write path
// at all.
func NewRouter(log *slog.Logger, pool *pgxpool.Pool, prom *observability.Prom, cfg config.Config) *gin.Engine {
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	redis := redisclient.New(redisclient.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	r.Use(middlewares.CORSMiddleware([]string{
		"http://localhost:3000",
	}))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(1 << 20)) // 1MB max body
	r.Use(middlewares.RequireJSON())

	readyCheck := func() error {
		if pool != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		return redis.Ping(ctx)
	}

	health := NewHealthHandler(readyCheck)

	// repositories
	triggersRepo := postgres.NewTriggersRepo(pool, prom)
	actionJobsRepo := postgres.NewActionJobsRepo(pool, prom)
	actionResultsRepo := postgres.NewActionResultsRepo(pool, prom)
	usersRepo := postgres.NewUsersRepo(pool)
	refreshTokensRepo := postgres.NewRefreshTokensRepo(pool)

	jwtManager := auth.NewManager(
		cfg.JWTSecret,
		time.Duration(cfg.JWTAccessTTLMinutes)*time.Minute,
		time.Duration(cfg.JWTRefreshTTLDays)*24*time.Hour,
	)

	triggersHandler := NewTriggersHandler(triggersRepo)
	adminJobsHandler := NewAdminActionJobsHandler(actionJobsRepo)
	actionResultsHandler := NewActionResultsHandler(actionResultsRepo)
	authHandler := NewAuthHandler(usersRepo, usersRepo, jwtManager, refreshTokensRepo, cfg)
	authMiddleware := middlewares.NewAuthMiddleware(jwtManager)

	loginLimiter := middlewares.NewRateLimiter(5, 1*time.Minute)
	signupLimiter := middlewares.NewRateLimiter(3, 1*time.Minute)
	refreshLimiter := middlewares.NewRateLimiter(10, 1*time.Minute)

	// public
	r.GET("/healthz", health.Healthz)
	r.GET("/readyz", health.Readyz)
	r.GET("/docs", SwaggerUI)

	r.POST("/signup", signupLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.SignUp)
	r.POST("/login", loginLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.Login)
	r.POST("/auth/refresh", refreshLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.Refresh)
	r.POST("/auth/logout", authHandler.Logout)

	// authenticated operator routes
	authed := r.Group("/")
	authed.Use(authMiddleware.RequireAuth())

	{
		authed.GET("/triggers/:id", triggersHandler.GetByID)
		authed.GET("/organizations/:orgId/triggers", triggersHandler.List)
		authed.GET("/admin/action-jobs/:id/results", actionResultsHandler.ListByJob)
	}

	// admin-only mutation routes
	admin := authed.Group("/")
	admin.Use(authMiddleware.RequireRole("admin"))

	{
		admin.POST("/organizations/:orgId/triggers", triggersHandler.Create)
		admin.PUT("/triggers/:id", triggersHandler.Update)
		admin.DELETE("/triggers/:id", triggersHandler.Delete)

		admin.GET("/admin/action-jobs", adminJobsHandler.List)
		admin.GET("/admin/action-jobs/:id", adminJobsHandler.GetByID)
		admin.POST("/admin/action-jobs/:id/retry", adminJobsHandler.Retry)
		admin.POST("/admin/action-jobs/reprocess-dead", adminJobsHandler.ReprocessDead)
	}

	log.Info("httpapi router initialized")

	return r
}
