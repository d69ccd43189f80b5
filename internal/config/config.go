package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	DBPath      string
	DatabaseURL string // when set, the Postgres store is used instead of SQLite
	HealthURL   string // worker readiness probe; empty falls back to a store probe

	PollInterval time.Duration
	LockTimeout  time.Duration
	MaxAttempts  int

	RequeueBaseDelay time.Duration
	RequeueStep      time.Duration
	RequeueMaxDelay  time.Duration

	// PromptWorkerMode enqueues day prompts for the worker fleet; when
	// false the scheduler runs them inline.
	PromptWorkerMode bool

	// TestFastMinutes compresses the weekly cadence globally (testing).
	TestFastMinutes int

	DefaultTimezone string
}

func Load() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DBPath:      getenv("DB_PATH", "coachflow.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		HealthURL:   getenv("HEALTH_URL", ""),

		PollInterval: time.Duration(getint("WORKER_POLL_SECONDS", 2)) * time.Second,
		LockTimeout:  time.Duration(getint("WORKER_LOCK_TIMEOUT_MINUTES", 30)) * time.Minute,
		MaxAttempts:  getint("WORKER_MAX_ATTEMPTS", 3),

		RequeueBaseDelay: time.Duration(getint("QUEUE_REQUEUE_BASE_DELAY_SECONDS", 5)) * time.Second,
		RequeueStep:      time.Duration(getint("QUEUE_REQUEUE_STEP_SECONDS", 2)) * time.Second,
		RequeueMaxDelay:  time.Duration(getint("QUEUE_REQUEUE_MAX_DELAY_SECONDS", 30)) * time.Second,

		PromptWorkerMode: getbool("PROMPT_WORKER_MODE", false),
		TestFastMinutes:  getint("TEST_FAST_SCHEDULE", 0),
		DefaultTimezone:  getenv("DEFAULT_TIMEZONE", "UTC"),
	}
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getbool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
