package store

import "time"

// Config tunes driver behaviour. Zero values fall back to driver defaults.
type Config struct {
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	BusyTimeout         time.Duration
}

// Option mutates driver configuration at open time.
type Option func(*Config)

// WithPoolLimits caps the Postgres pool size and sets the idle floor.
func WithPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *Config) {
		cfg.MaxConnections = maxConns
		cfg.MinConnections = minConns
	}
}

// WithPoolDurations tunes pooled connection lifetimes and health checking.
func WithPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(cfg *Config) {
		cfg.MaxConnLifetime = maxLifetime
		cfg.MaxConnIdleTime = maxIdle
		cfg.HealthCheckInterval = healthInterval
	}
}

// WithAcquireTimeout bounds how long queries wait for a pooled connection.
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.AcquireTimeout = timeout
	}
}

// WithApplicationName sets the application_name reported to Postgres.
func WithApplicationName(name string) Option {
	return func(cfg *Config) {
		cfg.ApplicationName = name
	}
}

// WithBusyTimeout sets the SQLite busy timeout applied at open.
func WithBusyTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.BusyTimeout = timeout
	}
}

func newConfig(opts ...Option) Config {
	cfg := Config{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
