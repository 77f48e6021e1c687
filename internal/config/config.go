// Package config provides configuration loading for agentd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/task"
)

// Config is the complete agentd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   logging.Config  `koanf:"logging"`
	Store     StoreConfig     `koanf:"store"`
	Queue     QueueConfig     `koanf:"queue"`
	Workers   WorkersConfig   `koanf:"workers"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Session   SessionConfig   `koanf:"session"`
	Verify    VerifyConfig    `koanf:"verify"`
	Health    HealthConfig    `koanf:"health"`
	Roster    RosterConfig    `koanf:"roster"`
}

// ServerConfig holds the local HTTP API settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds state store settings.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// QueueConfig holds task queue tuning.
type QueueConfig struct {
	MaxRetries       int           `koanf:"max_retries"`
	UnavailableLimit int           `koanf:"unavailable_limit"`
	StuckThreshold   time.Duration `koanf:"stuck_threshold"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
	BoostInterval    time.Duration `koanf:"boost_interval"`
	BoostP3After     time.Duration `koanf:"boost_p3_after"`
	BoostP2After     time.Duration `koanf:"boost_p2_after"`
	BoostP1After     time.Duration `koanf:"boost_p1_after"`
	Retention        time.Duration `koanf:"retention"`
	PurgeInterval    time.Duration `koanf:"purge_interval"`
}

// WorkersConfig holds worker pool tuning.
type WorkersConfig struct {
	Max               int           `koanf:"max"`
	Floor             int           `koanf:"floor"`
	InvokeTimeout     time.Duration `koanf:"invoke_timeout"`
	DispatchPerSecond float64       `koanf:"dispatch_per_second"`
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	OpenTimeout      time.Duration `koanf:"open_timeout"`
}

// RateLimitConfig holds the windowed budget tiers. The percentages divide a
// window into allow, reduced, pause (critical-only) and stop bands.
type RateLimitConfig struct {
	Window       time.Duration `koanf:"window"`
	DefaultLimit int64         `koanf:"default_limit"`
	WarnPct      float64       `koanf:"warn_pct"`
	PausePct     float64       `koanf:"pause_pct"`
	StopPct      float64       `koanf:"stop_pct"`
}

// SessionConfig bounds a reusable agent session.
type SessionConfig struct {
	TokenBudget int64         `koanf:"token_budget"`
	MaxLifetime time.Duration `koanf:"max_lifetime"`
}

// VerifyConfig holds verification coordinator tuning.
type VerifyConfig struct {
	StalemateLimit int `koanf:"stalemate_limit"`
}

// HealthConfig holds health monitor tuning.
type HealthConfig struct {
	Interval          time.Duration `koanf:"interval"`
	DegradedThreshold float64       `koanf:"degraded_threshold"`
	RecoveryTicks     int           `koanf:"recovery_ticks"`
}

// RosterConfig points at the endpoint roster file.
type RosterConfig struct {
	Path string `koanf:"path"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultFile("agentd.db")
	}
	if cfg.Roster.Path == "" {
		cfg.Roster.Path = defaultFile("roster.yaml")
	}

	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.StuckThreshold == 0 {
		cfg.Queue.StuckThreshold = 15 * time.Minute
	}
	if cfg.Queue.SweepInterval == 0 {
		cfg.Queue.SweepInterval = time.Minute
	}
	if cfg.Queue.BoostInterval == 0 {
		cfg.Queue.BoostInterval = 10 * time.Minute
	}
	if cfg.Queue.BoostP3After == 0 {
		cfg.Queue.BoostP3After = 4 * time.Hour
	}
	if cfg.Queue.BoostP2After == 0 {
		cfg.Queue.BoostP2After = 8 * time.Hour
	}
	if cfg.Queue.BoostP1After == 0 {
		cfg.Queue.BoostP1After = 24 * time.Hour
	}
	if cfg.Queue.UnavailableLimit == 0 {
		cfg.Queue.UnavailableLimit = 5
	}
	if cfg.Queue.Retention == 0 {
		cfg.Queue.Retention = 24 * time.Hour
	}
	if cfg.Queue.PurgeInterval == 0 {
		cfg.Queue.PurgeInterval = time.Hour
	}

	if cfg.Workers.Max == 0 {
		cfg.Workers.Max = 3
	}
	if cfg.Workers.Floor == 0 {
		cfg.Workers.Floor = 1
	}
	if cfg.Workers.InvokeTimeout == 0 {
		cfg.Workers.InvokeTimeout = 10 * time.Minute
	}
	if cfg.Workers.DispatchPerSecond == 0 {
		cfg.Workers.DispatchPerSecond = 1.0
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 3
	}
	if cfg.Breaker.OpenTimeout == 0 {
		cfg.Breaker.OpenTimeout = 5 * time.Minute
	}

	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Hour
	}
	if cfg.RateLimit.DefaultLimit == 0 {
		cfg.RateLimit.DefaultLimit = 100_000
	}
	if cfg.RateLimit.WarnPct == 0 {
		cfg.RateLimit.WarnPct = 0.70
	}
	if cfg.RateLimit.PausePct == 0 {
		cfg.RateLimit.PausePct = 0.85
	}
	if cfg.RateLimit.StopPct == 0 {
		cfg.RateLimit.StopPct = 0.95
	}

	if cfg.Session.TokenBudget == 0 {
		cfg.Session.TokenBudget = 200_000
	}
	if cfg.Session.MaxLifetime == 0 {
		cfg.Session.MaxLifetime = 30 * time.Minute
	}

	if cfg.Verify.StalemateLimit == 0 {
		cfg.Verify.StalemateLimit = 2
	}

	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 30 * time.Second
	}
	if cfg.Health.DegradedThreshold == 0 {
		cfg.Health.DegradedThreshold = 0.4
	}
	if cfg.Health.RecoveryTicks == 0 {
		cfg.Health.RecoveryTicks = 3
	}
}

func defaultFile(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".config", "agentd", name)
}

// Validate checks the configuration for inconsistent or out-of-range values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative")
	}
	if c.Queue.StuckThreshold <= 0 {
		return fmt.Errorf("queue.stuck_threshold must be positive")
	}
	if c.Queue.UnavailableLimit < 1 {
		return fmt.Errorf("queue.unavailable_limit must be at least 1")
	}
	if c.Queue.Retention <= 0 {
		return fmt.Errorf("queue.retention must be positive")
	}
	if c.Queue.PurgeInterval <= 0 {
		return fmt.Errorf("queue.purge_interval must be positive")
	}
	if c.Workers.Max < 1 {
		return fmt.Errorf("workers.max must be at least 1")
	}
	if c.Workers.Floor < 1 || c.Workers.Floor > c.Workers.Max {
		return fmt.Errorf("workers.floor must be in [1, workers.max]")
	}
	if c.Workers.DispatchPerSecond <= 0 {
		return fmt.Errorf("workers.dispatch_per_second must be positive")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.OpenTimeout <= 0 {
		return fmt.Errorf("breaker.open_timeout must be positive")
	}
	if c.RateLimit.DefaultLimit < 1 {
		return fmt.Errorf("ratelimit.default_limit must be at least 1")
	}
	if !(c.RateLimit.WarnPct > 0 &&
		c.RateLimit.WarnPct < c.RateLimit.PausePct &&
		c.RateLimit.PausePct < c.RateLimit.StopPct &&
		c.RateLimit.StopPct <= 1.0) {
		return fmt.Errorf("ratelimit tiers must satisfy 0 < warn < pause < stop <= 1")
	}
	if c.Session.TokenBudget < 1 {
		return fmt.Errorf("session.token_budget must be at least 1")
	}
	if c.Verify.StalemateLimit < 1 {
		return fmt.Errorf("verify.stalemate_limit must be at least 1")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if c.Health.DegradedThreshold <= 0 || c.Health.DegradedThreshold >= 1 {
		return fmt.Errorf("health.degraded_threshold must be in (0, 1)")
	}
	if c.Health.RecoveryTicks < 1 {
		return fmt.Errorf("health.recovery_ticks must be at least 1")
	}
	return nil
}

// BoostThresholds returns the age-boost thresholds keyed by current priority.
func (c *QueueConfig) BoostThresholds() map[task.Priority]time.Duration {
	return map[task.Priority]time.Duration{
		task.P1High:   c.BoostP1After,
		task.P2Medium: c.BoostP2After,
		task.P3Low:    c.BoostP3After,
	}
}
