package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "spacerjobs.db")

	// Job engine defaults
	v.SetDefault("jobs.max_minutes", 10)
	v.SetDefault("jobs.max_days", 30)
	v.SetDefault("jobs.enable_periodic_jobs", true)
	v.SetDefault("jobs.many_failures", 5)
	v.SetDefault("jobs.failure_backoff_hours", 72) // 3 days
	v.SetDefault("jobs.stuck_days", 3)
	v.SetDefault("jobs.high_spec_stuck_days", 8)
	v.SetDefault("jobs.immediate", false)
	v.SetDefault("jobs.jitter_min_seconds", 5)
	v.SetDefault("jobs.jitter_max_seconds", 30)

	// Pulse (workers and outer timer) defaults
	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.queue_buffer", 256)
	v.SetDefault("pulse.ticker_interval_seconds", 30)
	v.SetDefault("pulse.scheduler_every_minutes", 2)
	v.SetDefault("pulse.periodic_every_minutes", 5)

	// Spacer (remote vision queue) defaults
	v.SetDefault("spacer.queue", QueueRedis)
	v.SetDefault("spacer.job_hash", "")
	v.SetDefault("spacer.redis_addr", "localhost:6379")
	v.SetDefault("spacer.redis_db", 0)
	v.SetDefault("spacer.submit_rate_per_second", 5.0)
	v.SetDefault("spacer.breaker_max_failures", 5)
	v.SetDefault("spacer.breaker_timeout_seconds", 30)
	v.SetDefault("spacer.email_size_soft_limit", 6000)
	v.SetDefault("spacer.new_classifier_improvement_th", 1.01)

	// Ops server
	v.SetDefault("server.addr", ":9464")

	// Operator notifications
	v.SetDefault("notify.redis_channel", "spacerjobs:operator")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// BindSensitiveEnvVars explicitly binds secrets to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.dsn", "SPACERJOBS_DATABASE_DSN", "DATABASE_URL")
	_ = v.BindEnv("spacer.redis_password", "SPACERJOBS_SPACER_REDIS_PASSWORD")
}
