package config

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config is the env-driven configuration surface for every process in
// the pipeline (listener, worker, control-plane api). Not every field is
// relevant to every process; each cmd/*/main.go reads the subset it
// needs.
type Config struct {
	Env   string
	Port  int
	DBURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// C4/C5: Listener + Poller
	PollInterval       time.Duration
	NEval              int // semaphore capacity bounding concurrent evaluations
	ListenerTaskBudget time.Duration
	PollerBatchSize    int
	ReconnectBackoffMin time.Duration
	ReconnectBackoffMax time.Duration

	// C6: Trigger Matcher
	MaxTriggersPerEvent int
	IndexRebuildEvery   time.Duration

	// C2/C9: Job Queue + Enqueuer
	QueueHighWater     int64
	QueueCriticalWater int64

	// C10: Worker Pool
	NWorker       int
	MaxAttempts   int
	LeaseMS       int64
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	ShutdownGrace time.Duration

	// C8: Circuit Breaker defaults (per-trigger overridable)
	FailureThreshold       int
	RecoveryTimeoutSeconds int
	HalfOpenMaxCalls       int

	// C11: Executors
	ExecutorTimeout time.Duration

	// connection pool
	DBMaxConns int

	// control-plane operator auth
	JWTSecret           string
	JWTAccessTTLMinutes int
	JWTRefreshTTLDays   int

	// optional first-admin seed; skipped when AdminEmail is unset
	AdminEmail    string
	AdminPassword string
	AdminName     string
	AdminRole     string
}

// Load reads every tunable from the environment, falling back to the
// documented defaults in spec.md §6 and enforcing the documented minima
// (e.g. poll interval floor).
func Load() Config {
	cfg := Config{
		Env:   getEnv("APP_ENV", "dev"),
		Port:  getEnvInt("PORT", 8080),
		DBURL: buildDBURL(),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PollInterval:        getEnvDuration("POLL_INTERVAL", 30*time.Second),
		NEval:               getEnvInt("N_EVAL", defaultNEval()),
		ListenerTaskBudget:  getEnvDuration("LISTENER_TASK_BUDGET", 30*time.Second),
		PollerBatchSize:     getEnvInt("POLLER_BATCH_SIZE", 1000),
		ReconnectBackoffMin: getEnvDuration("RECONNECT_BACKOFF_MIN", 1*time.Second),
		ReconnectBackoffMax: getEnvDuration("RECONNECT_BACKOFF_MAX", 30*time.Second),

		MaxTriggersPerEvent: getEnvInt("MAX_TRIGGERS_PER_EVENT", 100),
		IndexRebuildEvery:   getEnvDuration("INDEX_REBUILD_EVERY", 60*time.Second),

		QueueHighWater:     int64(getEnvInt("QUEUE_HIGH_WATER", 10_000)),
		QueueCriticalWater: int64(getEnvInt("QUEUE_CRITICAL_WATER", 50_000)),

		NWorker:       getEnvInt("N_WORKER", defaultNWorker()),
		MaxAttempts:   getEnvInt("MAX_ATTEMPTS", 3),
		LeaseMS:       int64(getEnvInt("LEASE_MS", 60_000)),
		BackoffBase:   getEnvDuration("BACKOFF_BASE", 1*time.Second),
		BackoffCap:    getEnvDuration("BACKOFF_CAP", 60*time.Second),
		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),

		FailureThreshold:       getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 10),
		RecoveryTimeoutSeconds: getEnvInt("CIRCUIT_RECOVERY_TIMEOUT_SECONDS", 3600),
		HalfOpenMaxCalls:       getEnvInt("CIRCUIT_HALF_OPEN_MAX_CALLS", 1),

		ExecutorTimeout: getEnvDuration("EXECUTOR_TIMEOUT", 30*time.Second),

		DBMaxConns: getEnvInt("DB_MAX_CONNS", 20),

		JWTSecret:           getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTAccessTTLMinutes: getEnvInt("JWT_ACCESS_TTL_MINUTES", 60),
		JWTRefreshTTLDays:   getEnvInt("JWT_REFRESH_TTL_DAYS", 30),

		AdminEmail:    getEnv("ADMIN_EMAIL", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		AdminName:     getEnv("ADMIN_NAME", "Admin"),
		AdminRole:     getEnv("ADMIN_ROLE", "admin"),
	}

	// enforced minima
	if cfg.PollInterval < 5*time.Second {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.NEval <= 0 {
		cfg.NEval = defaultNEval()
	}
	if cfg.NWorker <= 0 {
		cfg.NWorker = defaultNWorker()
	}

	return cfg
}

func cpuHint() int {
	n := runtime.NumCPU()
	if n <= 0 {
		n = 1
	}
	return n
}

func defaultNEval() int {
	n := 4 * cpuHint()
	if n > 100 {
		n = 100
	}
	return n
}

func defaultNWorker() int {
	return 4 * cpuHint()
}

func buildDBURL() string {
	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "triggerhub")
	pass := getEnv("DB_PASSWORD", "triggerhub")
	name := getEnv("DB_NAME", "triggerhub")
	ssl := getEnv("DB_SSLMODE", "disable")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=" + ssl
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return num
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return d
	}
	return fallback
}
