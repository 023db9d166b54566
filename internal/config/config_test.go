package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvFallbacks(t *testing.T) {
	n, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, n)

	f, err := envFloat("TEST_FLOAT_MISSING", 1.5)
	require.NoError(t, err)
	assert.Equal(t, 1.5, f)

	d, err := envDuration("TEST_DURATION_MISSING", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	assert.Equal(t, "x", envStr("TEST_STR_MISSING", "x"))
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, k := range []string{
		"CYCLOTRON_TRACE", "CYCLOTRON_TRACES_DIR", "CYCLOTRON_REFRESH", "CYCLOTRON_DEBOUNCE",
		"CYCLOTRON_BATCH", "CYCLOTRON_WINDOW", "CYCLOTRON_LOG_LEVEL", "CYCLOTRON_LOG_FILE",
	} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Refresh)
	assert.Equal(t, 100*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 50000, cfg.Batch)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Zero(t, cfg.Window)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CYCLOTRON_TRACE", "/tmp/x.log")
	t.Setenv("CYCLOTRON_REFRESH", "500ms")
	t.Setenv("CYCLOTRON_WINDOW", "2.5")
	t.Setenv("CYCLOTRON_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.log", cfg.TracePath)
	assert.Equal(t, 500*time.Millisecond, cfg.Refresh)
	assert.Equal(t, 2.5, cfg.Window)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CYCLOTRON_REFRESH", "soon")
	t.Setenv("CYCLOTRON_WINDOW", "wide")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CYCLOTRON_REFRESH")
	assert.Contains(t, err.Error(), "CYCLOTRON_WINDOW")
}

func TestValidate(t *testing.T) {
	base := Config{Refresh: time.Second, Batch: 1, LogLevel: "info"}
	require.NoError(t, base.Validate())

	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"zero refresh", func(c *Config) { c.Refresh = 0 }},
		{"negative debounce", func(c *Config) { c.Debounce = -1 }},
		{"zero batch", func(c *Config) { c.Batch = 0 }},
		{"negative window", func(c *Config) { c.Window = -1 }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mod(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)
}
