package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFiles_LayersAndEnv(t *testing.T) {
	base := writeConfig(t, "base.toml", `
[server]
port = 9000

[pool]
size = 4

[storage.sessions]
backend = "filesystem"
dir = "/var/lib/drover/sessions"
`)
	override := writeConfig(t, "override.toml", `
[pool]
size = 6
`)
	t.Setenv("DROVER_SERVER_HOST", "0.0.0.0")
	t.Setenv("DROVER_LOG_OUTPUT", "stdout, file ,")
	t.Setenv("DROVER_LOG_DIR", "/tmp/drover-logs")

	cfg, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 6, cfg.Pool.Size)
	assert.Equal(t, "filesystem", cfg.Storage.Sessions.Backend)
	assert.Equal(t, []string{"stdout", "file"}, cfg.Logging.Output)
	assert.Equal(t, "/tmp/drover-logs", cfg.Logging.Dir)
	// Untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
}

func TestLoadFromFiles_Errors(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = LoadFromFiles(writeConfig(t, "bad.toml", "[pool\nsize = 1"))
	assert.Error(t, err)

	_, err = LoadFromFiles(writeConfig(t, "zero.toml", "[pool]\nsize = 0\n"))
	assert.ErrorContains(t, err, "pool.size")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Storage.Sessions.Backend = "redis" }, "unsupported session backend"},
		{"zero attempts", func(c *Config) { c.Scheduler.MaxAttempts = 0 }, "max_attempts"},
		{"bad retention schedule", func(c *Config) {
			c.Retention.Enabled = true
			c.Retention.Schedule = "every night"
		}, "retention.schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 90*time.Second, ParseDuration("90s", time.Second))
	assert.Equal(t, time.Second, ParseDuration("", time.Second))
	assert.Equal(t, time.Second, ParseDuration("soon", time.Second))
	assert.Equal(t, time.Second, ParseDuration("-5s", time.Second))
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := NewDefaultConfig()
	ApplyFlagOverrides(cfg, 0, "")
	assert.Equal(t, 8086, cfg.Server.Port)

	ApplyFlagOverrides(cfg, 9999, "127.0.0.1")
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}
