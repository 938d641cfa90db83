package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv string

	HTTPAddr    string
	DatabaseURL string

	// Bus
	Namespace         string
	Application       string
	NodeID            string
	IdlePollInterval  time.Duration
	VisibilityTimeout time.Duration
	BatchSize         int

	// Enhanced mode (worker router)
	EnableWorkers     bool
	WorkerAPIEndpoint string
	WorkerID          string
	AutoDetectWorkers bool

	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8090")
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")

	cfg.Namespace = getEnv("PGBUS_NAMESPACE", "")
	cfg.Application = getEnv("PGBUS_APPLICATION", "")
	cfg.NodeID = getEnv("PGBUS_NODE_ID", "")
	cfg.IdlePollInterval = getMillis("PGBUS_IDLE_POLL_INTERVAL_MS", 1000*time.Millisecond)
	cfg.VisibilityTimeout = getSeconds("PGBUS_VISIBILITY_TIMEOUT_SECONDS", 30*time.Second)
	cfg.BatchSize = getInt("PGBUS_BATCH_SIZE", 10)

	cfg.EnableWorkers = getBool("PGBUS_ENABLE_WORKERS", false)
	cfg.WorkerAPIEndpoint = getEnv("PGBUS_WORKER_API_ENDPOINT", "")
	cfg.WorkerID = getEnv("PGBUS_WORKER_ID", "")
	cfg.AutoDetectWorkers = getBool("PGBUS_AUTO_DETECT_WORKERS", false)

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")

	// validation
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("missing DATABASE_URL")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("missing PGBUS_NAMESPACE")
	}
	if cfg.EnableWorkers && cfg.WorkerAPIEndpoint == "" {
		return nil, fmt.Errorf("PGBUS_ENABLE_WORKERS requires PGBUS_WORKER_API_ENDPOINT")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("PGBUS_BATCH_SIZE must be positive")
	}

	return cfg, nil
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getMillis(key string, def time.Duration) time.Duration {
	if i := getInt(key, -1); i > 0 {
		return time.Duration(i) * time.Millisecond
	}
	return def
}

func getSeconds(key string, def time.Duration) time.Duration {
	if i := getInt(key, -1); i > 0 {
		return time.Duration(i) * time.Second
	}
	return def
}
