package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the deckhand server.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DataDir     string
	DatabaseURL string

	// WorkspaceRoot, when set, confines every session workspace to a path
	// inside it. Empty disables the restriction.
	WorkspaceRoot string

	AgentMode    string
	AgentCLIPath string

	DefaultModel    string
	AllowedModels   []string
	DefaultAutonomy string

	QueueCap          int
	TaskRetention     time.Duration
	StaleTaskCeiling  time.Duration
	TaskSweepInterval time.Duration

	HistoryTurnLimit int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "deckhand"),
		AllowAnyOrigin:    false,
		DataDir:           envOrDefault("APP_DATA_DIR", ".deckhand/transcripts"),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		WorkspaceRoot:     strings.TrimSpace(os.Getenv("APP_WORKSPACE_ROOT")),
		AgentMode:         envOrDefault("AGENT_MODE", "auto"),
		AgentCLIPath:      envOrDefault("AGENT_CLI_PATH", "claude"),
		DefaultModel:      envOrDefault("AGENT_DEFAULT_MODEL", "sonnet"),
		DefaultAutonomy:   envOrDefault("AGENT_DEFAULT_AUTONOMY", "ask"),
		QueueCap:          50,
		TaskRetention:     time.Hour,
		StaleTaskCeiling:  30 * time.Minute,
		TaskSweepInterval: time.Minute,
		HistoryTurnLimit:  30,
		ShutdownTimeout:   15 * time.Second,
	}

	models := envOrDefault("AGENT_ALLOWED_MODELS", "sonnet,opus,haiku")
	for _, model := range strings.Split(models, ",") {
		model = strings.TrimSpace(model)
		if model != "" {
			cfg.AllowedModels = append(cfg.AllowedModels, model)
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskRetention, err = durationFromEnv("APP_TASK_RETENTION", cfg.TaskRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.StaleTaskCeiling, err = durationFromEnv("APP_STALE_TASK_CEILING", cfg.StaleTaskCeiling)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskSweepInterval, err = durationFromEnv("APP_TASK_SWEEP_INTERVAL", cfg.TaskSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueCap, err = intFromEnv("APP_QUEUE_CAP", cfg.QueueCap)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryTurnLimit, err = intFromEnv("APP_HISTORY_TURN_LIMIT", cfg.HistoryTurnLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.QueueCap <= 0 {
		return Config{}, fmt.Errorf("APP_QUEUE_CAP must be positive")
	}
	if cfg.HistoryTurnLimit <= 0 {
		return Config{}, fmt.Errorf("APP_HISTORY_TURN_LIMIT must be positive")
	}
	if cfg.StaleTaskCeiling < time.Minute {
		return Config{}, fmt.Errorf("APP_STALE_TASK_CEILING must be at least 1m")
	}
	if cfg.TaskRetention < cfg.StaleTaskCeiling {
		return Config{}, fmt.Errorf("APP_TASK_RETENTION must not be below APP_STALE_TASK_CEILING")
	}
	if len(cfg.AllowedModels) == 0 {
		return Config{}, fmt.Errorf("AGENT_ALLOWED_MODELS must name at least one model")
	}
	switch cfg.DefaultAutonomy {
	case "ask", "auto", "full":
	default:
		return Config{}, fmt.Errorf("AGENT_DEFAULT_AUTONOMY must be ask|auto|full")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
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
	v := strings.TrimSpace(os.Getenv(key))
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
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
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
