package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the jobwatch daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	WorkerMode   string
	WorkerCmd    string
	WorkerScript string
	WorkerURL    string

	CallTimeout    time.Duration
	ExtractTimeout time.Duration
	ReapInterval   time.Duration
	StaleAfter     time.Duration

	ListDefaultLimit int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("JOBWATCHD_BIND_ADDR", ":8091"),
		MetricsNamespace: envOrDefault("JOBWATCHD_METRICS_NAMESPACE", "jobwatchd"),
		AllowAnyOrigin:   false,
		WorkerMode:       envOrDefault("JOBWATCHD_WORKER_MODE", "mock"),
		WorkerCmd:        envOrDefault("JOBWATCHD_WORKER_CMD", "python3"),
		WorkerScript:     envOrDefault("JOBWATCHD_WORKER_SCRIPT", "scripts/extract_worker.py"),
		WorkerURL:        stringsTrimSpace("JOBWATCHD_WORKER_URL"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		CallTimeout:      120 * time.Second,
		ExtractTimeout:   0,
		ReapInterval:     60 * time.Second,
		StaleAfter:       150 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		ListDefaultLimit: 100,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("JOBWATCHD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallTimeout, err = durationFromEnv("JOBWATCHD_CALL_TIMEOUT", cfg.CallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ExtractTimeout, err = durationFromEnv("JOBWATCHD_EXTRACT_TIMEOUT", cfg.ExtractTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReapInterval, err = durationFromEnv("JOBWATCHD_REAP_INTERVAL", cfg.ReapInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.StaleAfter, err = durationFromEnv("JOBWATCHD_STALE_AFTER", cfg.StaleAfter)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("JOBWATCHD_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ListDefaultLimit, err = intFromEnv("JOBWATCHD_LIST_LIMIT", cfg.ListDefaultLimit)
	if err != nil {
		return Config{}, err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.WorkerMode)) {
	case "process", "socket", "mock":
		cfg.WorkerMode = strings.ToLower(strings.TrimSpace(cfg.WorkerMode))
	default:
		return Config{}, fmt.Errorf("invalid JOBWATCHD_WORKER_MODE: %q (expected process|socket|mock)", cfg.WorkerMode)
	}
	if cfg.WorkerMode == "socket" && cfg.WorkerURL == "" {
		return Config{}, fmt.Errorf("JOBWATCHD_WORKER_URL is required when JOBWATCHD_WORKER_MODE=socket")
	}
	if cfg.CallTimeout < time.Second {
		return Config{}, fmt.Errorf("JOBWATCHD_CALL_TIMEOUT must be at least 1s")
	}
	if cfg.ReapInterval < time.Second {
		return Config{}, fmt.Errorf("JOBWATCHD_REAP_INTERVAL must be at least 1s")
	}
	if cfg.ListDefaultLimit <= 0 {
		return Config{}, fmt.Errorf("JOBWATCHD_LIST_LIMIT must be positive")
	}
	// A stale window shorter than the call timeout would let the reaper drop
	// entries whose timers are still pending.
	if cfg.StaleAfter < cfg.CallTimeout {
		cfg.StaleAfter = cfg.CallTimeout + 30*time.Second
	}

	return cfg, nil
}

// ExtractCallTimeout returns the effective timeout for extract calls, falling
// back to the general call timeout when no override is set.
func (c Config) ExtractCallTimeout() time.Duration {
	if c.ExtractTimeout > 0 {
		return c.ExtractTimeout
	}
	return c.CallTimeout
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
