package am

import (
	"go.uber.org/zap/zapcore"

	"github.com/teranos/spacerjobs/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return errors.Newf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn cannot be empty")
	}

	if c.Jobs.MaxMinutes <= 0 {
		return errors.Newf("jobs.max_minutes must be > 0, got %d", c.Jobs.MaxMinutes)
	}
	if c.Jobs.MaxDays <= 0 {
		return errors.Newf("jobs.max_days must be > 0, got %d", c.Jobs.MaxDays)
	}
	if c.Jobs.ManyFailures <= 0 {
		return errors.Newf("jobs.many_failures must be > 0, got %d", c.Jobs.ManyFailures)
	}
	if c.Jobs.FailureBackoffHours < 0 {
		return errors.Newf("jobs.failure_backoff_hours must be >= 0, got %d", c.Jobs.FailureBackoffHours)
	}
	if c.Jobs.StuckDays <= 0 || c.Jobs.HighSpecStuckDays <= 0 {
		return errors.Newf("jobs.stuck_days and jobs.high_spec_stuck_days must be > 0, got %d and %d",
			c.Jobs.StuckDays, c.Jobs.HighSpecStuckDays)
	}
	if c.Jobs.JitterMinSeconds < 0 || c.Jobs.JitterMinSeconds >= c.Jobs.JitterMaxSeconds {
		return errors.Newf("jobs.jitter_min_seconds must be >= 0 and below jobs.jitter_max_seconds, got [%d, %d)",
			c.Jobs.JitterMinSeconds, c.Jobs.JitterMaxSeconds)
	}

	// Pulse workers: 0 = no background workers (sweeps run inline), negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.QueueBuffer < 0 {
		return errors.Newf("pulse.queue_buffer must be >= 0, got %d", c.Pulse.QueueBuffer)
	}
	if c.Pulse.TickerIntervalSeconds <= 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be > 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.SchedulerEveryMinutes <= 0 || c.Pulse.PeriodicEveryMinutes <= 0 {
		return errors.New("pulse.scheduler_every_minutes and pulse.periodic_every_minutes must be > 0")
	}

	switch c.Spacer.Queue {
	case QueueLocal:
	case QueueRedis:
		if c.Spacer.RedisAddr == "" {
			return errors.New("spacer.redis_addr cannot be empty when spacer.queue is redis")
		}
	default:
		return errors.Newf("spacer.queue must be %q or %q, got %q", QueueLocal, QueueRedis, c.Spacer.Queue)
	}
	if c.Spacer.SubmitRatePerSecond <= 0 {
		return errors.Newf("spacer.submit_rate_per_second must be > 0, got %f", c.Spacer.SubmitRatePerSecond)
	}
	if c.Spacer.EmailSizeSoftLimit <= 0 {
		return errors.Newf("spacer.email_size_soft_limit must be > 0, got %d", c.Spacer.EmailSizeSoftLimit)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Newf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	return nil
}
