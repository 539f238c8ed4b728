package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// DefaultConfigFile is consulted when no explicit path is given.
const DefaultConfigFile = "flowengine.yaml"

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load builds the effective configuration:
//  1. built-in defaults
//  2. YAML file (explicit path, or flowengine.yaml when present)
//  3. FLOWENGINE_* environment variables
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
		l.logger.Debug("loaded config file", "path", path)
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overrides the settings most commonly injected by the
// deployment environment.
func (l *Loader) applyEnv(c *Config) {
	if v := os.Getenv("FLOWENGINE_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("FLOWENGINE_NATS_URL"); v != "" {
		c.Queue.URL = v
	}
	if v := os.Getenv("FLOWENGINE_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("FLOWENGINE_ADMIN_SECRET"); v != "" {
		c.HTTP.AdminSecret = v
	}
	if v := os.Getenv("FLOWENGINE_POLL_SECRET"); v != "" {
		c.HTTP.PollSecret = v
	}
	if v := os.Getenv("FLOWENGINE_GATEWAY_URL"); v != "" {
		c.Gateway.BaseURL = v
	}
	if v := os.Getenv("FLOWENGINE_GATEWAY_API_KEY"); v != "" {
		c.Gateway.APIKey = v
	}
	if v := os.Getenv("FLOWENGINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FLOWENGINE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("FLOWENGINE_EXECUTOR_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Executor.Concurrency = n
		} else {
			l.logger.Warn("ignoring invalid FLOWENGINE_EXECUTOR_CONCURRENCY", "value", v)
		}
	}
	if v := os.Getenv("FLOWENGINE_EXEC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Executor.ExecTimeout = d
		} else {
			l.logger.Warn("ignoring invalid FLOWENGINE_EXEC_TIMEOUT", "value", v)
		}
	}
}

// Logger builds the process logger from the logging settings.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
