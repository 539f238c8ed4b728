package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing dsn", func(c *Config) { c.Postgres.DSN = "" }},
		{"zero executor concurrency", func(c *Config) { c.Executor.Concurrency = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"empty http addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"negative stuck threshold", func(c *Config) { c.Supervisor.StuckAfter = -time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
postgres:
  dsn: postgres://flow:flow@db:5432/flow
executor:
  concurrency: 12
logging:
  level: debug
  format: text
`), 0o600))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://flow:flow@db:5432/flow", c.Postgres.DSN)
	assert.Equal(t, 12, c.Executor.Concurrency)
	assert.Equal(t, "debug", c.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultConfig().HTTP.Addr, c.HTTP.Addr)
	assert.Equal(t, DefaultConfig().Queue.URL, c.Queue.URL)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("postgres: [not a map"), 0o600))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("FLOWENGINE_POSTGRES_DSN", "postgres://env@db/flow")
	t.Setenv("FLOWENGINE_HTTP_ADDR", ":9099")
	t.Setenv("FLOWENGINE_ADMIN_SECRET", "env-secret")
	t.Setenv("FLOWENGINE_EXECUTOR_CONCURRENCY", "7")
	t.Setenv("FLOWENGINE_EXEC_TIMEOUT", "90s")

	c, err := NewLoader(testLogger()).Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env@db/flow", c.Postgres.DSN)
	assert.Equal(t, ":9099", c.HTTP.Addr)
	assert.Equal(t, "env-secret", c.HTTP.AdminSecret)
	assert.Equal(t, 7, c.Executor.Concurrency)
	assert.Equal(t, 90*time.Second, c.Executor.ExecTimeout)
}

func TestLoaderIgnoresInvalidEnvNumbers(t *testing.T) {
	t.Setenv("FLOWENGINE_EXECUTOR_CONCURRENCY", "lots")
	t.Setenv("FLOWENGINE_EXEC_TIMEOUT", "soon")

	c, err := NewLoader(testLogger()).Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Executor.Concurrency, c.Executor.Concurrency)
	assert.Equal(t, DefaultConfig().Executor.ExecTimeout, c.Executor.ExecTimeout)
}

func TestLoaderFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":7000"
`), 0o600))
	t.Setenv("FLOWENGINE_HTTP_ADDR", ":7001")

	c, err := NewLoader(testLogger()).Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7001", c.HTTP.Addr)
}

func TestLoggerLevels(t *testing.T) {
	c := DefaultConfig()
	c.Logging.Level = "debug"
	c.Logging.Format = "text"
	require.NotNil(t, c.Logger())
}
