// Package broadcast talks to the video platform's broadcast API: creating
// scheduled broadcasts bound to a stream key, transitioning their lifecycle,
// and applying best-effort metadata.
package broadcast

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores connectivity information for the platform broadcast API.
type Config struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryInterval  time.Duration
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:        strings.TrimSpace(os.Getenv("AIRTIME_PLATFORM_API")),
		RequestTimeout: 10 * time.Second,
		MaxAttempts:    3,
		RetryInterval:  time.Second,
	}

	if timeout := strings.TrimSpace(os.Getenv("AIRTIME_PLATFORM_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse AIRTIME_PLATFORM_TIMEOUT: %w", err)
		}
		if parsed > 0 {
			cfg.RequestTimeout = parsed
		}
	}
	if attempts := strings.TrimSpace(os.Getenv("AIRTIME_PLATFORM_MAX_ATTEMPTS")); attempts != "" {
		parsed, err := strconv.Atoi(attempts)
		if err != nil {
			return Config{}, fmt.Errorf("parse AIRTIME_PLATFORM_MAX_ATTEMPTS: %w", err)
		}
		if parsed > 0 {
			cfg.MaxAttempts = parsed
		}
	}
	if interval := strings.TrimSpace(os.Getenv("AIRTIME_PLATFORM_RETRY_INTERVAL")); interval != "" {
		parsed, err := time.ParseDuration(interval)
		if err != nil {
			return Config{}, fmt.Errorf("parse AIRTIME_PLATFORM_RETRY_INTERVAL: %w", err)
		}
		if parsed >= 0 {
			cfg.RetryInterval = parsed
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether a platform API endpoint has been configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout cannot be negative")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("retry interval cannot be negative")
	}
	return nil
}
