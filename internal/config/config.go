package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the orchestration service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	// Version is the host build version; embedded agent callers must declare
	// a matching client version or their requests are rejected.
	Version string

	DatabaseURL string

	DefaultBaseBranch string
	WorktreeRoot      string

	MaxConcurrentAgents int

	QuiescencePollInterval time.Duration
	QuiescenceTimeout      time.Duration
	RecoveryAttachTimeout  time.Duration

	// MergeLockEnabled serializes all merges process-wide. On by default;
	// turning it off trades git-write safety for throughput.
	MergeLockEnabled bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "kagan"),
		LogLevel:               envOrDefault("APP_LOG_LEVEL", "info"),
		Version:                envOrDefault("APP_VERSION", "dev"),
		DatabaseURL:            trimmedEnv("DATABASE_URL"),
		DefaultBaseBranch:      envOrDefault("GIT_DEFAULT_BASE_BRANCH", "main"),
		WorktreeRoot:           envOrDefault("GIT_WORKTREE_ROOT", ".kagan/worktrees"),
		MaxConcurrentAgents:    5,
		ShutdownTimeout:        15 * time.Second,
		QuiescencePollInterval: 100 * time.Millisecond,
		QuiescenceTimeout:      5 * time.Second,
		RecoveryAttachTimeout:  4 * time.Second,
		MergeLockEnabled:       true,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentAgents, err = intFromEnv("APP_MAX_CONCURRENT_AGENTS", cfg.MaxConcurrentAgents)
	if err != nil {
		return Config{}, err
	}
	cfg.QuiescencePollInterval, err = durationFromEnv("MERGE_QUIESCENCE_POLL_INTERVAL", cfg.QuiescencePollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.QuiescenceTimeout, err = durationFromEnv("MERGE_QUIESCENCE_TIMEOUT", cfg.QuiescenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RecoveryAttachTimeout, err = durationFromEnv("RECOVERY_ATTACH_TIMEOUT", cfg.RecoveryAttachTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MergeLockEnabled, err = boolFromEnv("MERGE_LOCK_ENABLED", cfg.MergeLockEnabled)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxConcurrentAgents <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_CONCURRENT_AGENTS must be positive")
	}
	if cfg.QuiescencePollInterval <= 0 {
		return Config{}, fmt.Errorf("MERGE_QUIESCENCE_POLL_INTERVAL must be positive")
	}
	if cfg.QuiescenceTimeout < cfg.QuiescencePollInterval {
		return Config{}, fmt.Errorf("MERGE_QUIESCENCE_TIMEOUT must be at least the poll interval")
	}
	if cfg.RecoveryAttachTimeout <= 0 {
		return Config{}, fmt.Errorf("RECOVERY_ATTACH_TIMEOUT must be positive")
	}
	if strings.TrimSpace(cfg.DefaultBaseBranch) == "" {
		return Config{}, fmt.Errorf("GIT_DEFAULT_BASE_BRANCH must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
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
	v := strings.ToLower(trimmedEnv(key))
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
