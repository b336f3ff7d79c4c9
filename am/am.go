package am

import (
	"fmt"
	"time"
)

// Config represents the spacerjobs configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Jobs     JobsConfig     `mapstructure:"jobs" toml:"jobs"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	Spacer   SpacerConfig   `mapstructure:"spacer" toml:"spacer"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Notify   NotifyConfig   `mapstructure:"notify" toml:"notify"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
}

// Supported database drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// DatabaseConfig selects the job record store backend
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" toml:"driver"` // sqlite3 or pgx
	DSN    string `mapstructure:"dsn" toml:"dsn"`       // file path for sqlite3, URL for pgx
}

// JobsConfig holds the job engine's tunables
type JobsConfig struct {
	MaxMinutes          int  `mapstructure:"max_minutes" toml:"max_minutes"`                     // time box for sweeps and collection (default: 10)
	MaxDays             int  `mapstructure:"max_days" toml:"max_days"`                           // retention for completed jobs (default: 30)
	EnablePeriodicJobs  bool `mapstructure:"enable_periodic_jobs" toml:"enable_periodic_jobs"`   // periodic self-renewal (default: true)
	ManyFailures        int  `mapstructure:"many_failures" toml:"many_failures"`                 // attempt threshold for alert + backoff (default: 5)
	FailureBackoffHours int  `mapstructure:"failure_backoff_hours" toml:"failure_backoff_hours"` // delay floor past the threshold (default: 72)
	StuckDays           int  `mapstructure:"stuck_days" toml:"stuck_days"`
	HighSpecStuckDays   int  `mapstructure:"high_spec_stuck_days" toml:"high_spec_stuck_days"`
	Immediate           bool `mapstructure:"immediate" toml:"immediate"` // run every pending job regardless of schedule
	JitterMinSeconds    int  `mapstructure:"jitter_min_seconds" toml:"jitter_min_seconds"`
	JitterMaxSeconds    int  `mapstructure:"jitter_max_seconds" toml:"jitter_max_seconds"`
}

// MaxDuration returns MaxMinutes as a duration
func (j JobsConfig) MaxDuration() time.Duration {
	return time.Duration(j.MaxMinutes) * time.Minute
}

// Retention returns MaxDays as a duration
func (j JobsConfig) Retention() time.Duration {
	return time.Duration(j.MaxDays) * 24 * time.Hour
}

// FailureBackoff returns FailureBackoffHours as a duration
func (j JobsConfig) FailureBackoff() time.Duration {
	return time.Duration(j.FailureBackoffHours) * time.Hour
}

// PulseConfig configures workers and the outer timer
type PulseConfig struct {
	Workers               int `mapstructure:"workers" toml:"workers"`                                 // goroutines per task queue (default: 2)
	QueueBuffer           int `mapstructure:"queue_buffer" toml:"queue_buffer"`                       // buffered dispatches per task queue (default: 256)
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds"` // outer timer resolution (default: 30)
	SchedulerEveryMinutes int `mapstructure:"scheduler_every_minutes" toml:"scheduler_every_minutes"` // run_scheduled_jobs cadence (default: 2)
	PeriodicEveryMinutes  int `mapstructure:"periodic_every_minutes" toml:"periodic_every_minutes"`   // schedule_periodic_jobs cadence (default: 5)
}

// Remote queue choices
const (
	QueueLocal = "local"
	QueueRedis = "redis"
)

// SpacerConfig configures the remote vision queue
type SpacerConfig struct {
	Queue                string  `mapstructure:"queue" toml:"queue"`       // local or redis
	JobHash              string  `mapstructure:"job_hash" toml:"job_hash"` // tags remote jobs owned by this deployment
	RedisAddr            string  `mapstructure:"redis_addr" toml:"redis_addr"`
	RedisPassword        string  `mapstructure:"redis_password" toml:"redis_password"`
	RedisDB              int     `mapstructure:"redis_db" toml:"redis_db"`
	SubmitRatePerSecond  float64 `mapstructure:"submit_rate_per_second" toml:"submit_rate_per_second"`
	BreakerMaxFailures   int     `mapstructure:"breaker_max_failures" toml:"breaker_max_failures"`
	BreakerTimeoutSecond int     `mapstructure:"breaker_timeout_seconds" toml:"breaker_timeout_seconds"`
	EmailSizeSoftLimit   int     `mapstructure:"email_size_soft_limit" toml:"email_size_soft_limit"`
	NewClassifierTH      float64 `mapstructure:"new_classifier_improvement_th" toml:"new_classifier_improvement_th"`
}

// ServerConfig configures the ops HTTP listener
type ServerConfig struct {
	Addr string `mapstructure:"addr" toml:"addr"`
}

// NotifyConfig configures operator notifications
type NotifyConfig struct {
	RedisChannel string `mapstructure:"redis_channel" toml:"redis_channel"` // empty = log only
}

// LogConfig configures the global logger. Level is reloaded by a running serve.
type LogConfig struct {
	Level string `mapstructure:"level" toml:"level"` // debug, info, warn or error
	JSON  bool   `mapstructure:"json" toml:"json"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// String returns a compact representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Queue: %s, Workers: %d, Periodic: %t}",
		c.Database.Driver, c.Spacer.Queue, c.Pulse.Workers, c.Jobs.EnablePeriodicJobs)
}
