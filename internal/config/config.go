// Package config loads viewer configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds viewer settings. Command-line flags override these.
type Config struct {
	// TracePath is an explicit trace file. Empty means discover one.
	TracePath string
	// TracesDir is searched for the newest trace when TracePath is empty.
	TracesDir string

	Refresh  time.Duration // polling fallback for the live tail
	Debounce time.Duration // coalescing window for file change events
	// Batch caps how many events one poll applies before the UI redraws.
	Batch int

	LogLevel string
	LogFile  string // empty discards logs; the TUI owns the terminal

	// Window is the initial timeline width in seconds. 0 shows the whole trace.
	Window float64
}

// Load reads .env (if present) and then the CYCLOTRON_* environment variables.
func Load() (Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := Config{
		TracePath: envStr("CYCLOTRON_TRACE", ""),
		TracesDir: envStr("CYCLOTRON_TRACES_DIR", ""),
		LogLevel:  envStr("CYCLOTRON_LOG_LEVEL", "info"),
		LogFile:   envStr("CYCLOTRON_LOG_FILE", ""),
	}
	var err error
	if cfg.Refresh, err = envDuration("CYCLOTRON_REFRESH", 2*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.Debounce, err = envDuration("CYCLOTRON_DEBOUNCE", 100*time.Millisecond); err != nil {
		errs = append(errs, err)
	}
	if cfg.Batch, err = envInt("CYCLOTRON_BATCH", 50000); err != nil {
		errs = append(errs, err)
	}
	if cfg.Window, err = envFloat("CYCLOTRON_WINDOW", 0); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges. It is run again after flags are applied.
func (c Config) Validate() error {
	if c.Refresh <= 0 {
		return fmt.Errorf("config: refresh interval must be positive, got %s", c.Refresh)
	}
	if c.Debounce < 0 {
		return fmt.Errorf("config: debounce must not be negative, got %s", c.Debounce)
	}
	if c.Batch <= 0 {
		return fmt.Errorf("config: batch size must be positive, got %d", c.Batch)
	}
	if c.Window < 0 {
		return fmt.Errorf("config: window must not be negative, got %g", c.Window)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParseLevel maps a CYCLOTRON_LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
