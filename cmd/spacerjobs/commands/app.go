package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/am"
	"github.com/teranos/spacerjobs/db"
	"github.com/teranos/spacerjobs/errorlog"
	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/notify"
	"github.com/teranos/spacerjobs/pulse/async"
	"github.com/teranos/spacerjobs/pulse/jobs"
	"github.com/teranos/spacerjobs/pulse/maintenance"
	"github.com/teranos/spacerjobs/pulse/metrics"
	"github.com/teranos/spacerjobs/pulse/schedule"
	"github.com/teranos/spacerjobs/spacer"
	"github.com/teranos/spacerjobs/vision"
)

// app is the job engine wired from configuration.
type app struct {
	cfg       *am.Config
	conn      *sql.DB
	dialect   db.Dialect
	store     *async.Store
	registry  *jobs.Registry
	manager   *jobs.Manager
	scheduler *schedule.Scheduler
	vision    *vision.Tasks
	redis     *redis.Client
	promReg   *prometheus.Registry
	metrics   *metrics.Metrics
	log       *zap.SugaredLogger
}

// newApp opens the database and builds every job provider. The manager
// runs tasks inline until a worker pool takes over dispatch.
func newApp(cfg *am.Config, log *zap.SugaredLogger) (*app, error) {
	conn, dialect, err := openDatabase(cfg, log)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		conn:    conn,
		dialect: dialect,
		store:   async.NewStore(conn, dialect),
		promReg: prometheus.NewRegistry(),
		log:     log,
	}
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.promReg)

	if cfg.Spacer.Queue == am.QueueRedis {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Spacer.RedisAddr,
			Password: cfg.Spacer.RedisPassword,
			DB:       cfg.Spacer.RedisDB,
		})
	}

	var notifier notify.Notifier = notify.NewLog(log)
	if a.redis != nil && cfg.Notify.RedisChannel != "" {
		notifier = notify.Multi{notifier, notify.NewRedis(a.redis, cfg.Notify.RedisChannel, log)}
	}

	a.registry = jobs.NewRegistry()
	a.manager = jobs.NewManager(jobs.Options{
		Store:              a.store,
		Registry:           a.registry,
		Notifier:           notifier,
		ErrorLog:           errorlog.NewStore(conn, dialect, log),
		JitterMin:          time.Duration(cfg.Jobs.JitterMinSeconds) * time.Second,
		JitterMax:          time.Duration(cfg.Jobs.JitterMaxSeconds) * time.Second,
		EnablePeriodicJobs: cfg.Jobs.EnablePeriodicJobs,
		ManyFailures:       cfg.Jobs.ManyFailures,
		FailureBackoff:     cfg.Jobs.FailureBackoff(),
		Logger:             log,
		Metrics:            a.metrics,
	})

	processor := spacer.NewSimulator()
	queue, err := spacer.NewQueue(cfg.Spacer, spacer.Deps{
		DB:        conn,
		Dialect:   dialect,
		Redis:     a.redis,
		Processor: processor,
		Notifier:  notifier,
		Logger:    log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.scheduler = schedule.New(a.manager, schedule.Config{
		MaxDuration: cfg.Jobs.MaxDuration(),
		Immediate:   cfg.Jobs.Immediate,
	}, log)
	maint := maintenance.New(a.manager, maintenance.Config{
		StuckDays:         cfg.Jobs.StuckDays,
		HighSpecStuckDays: cfg.Jobs.HighSpecStuckDays,
		Retention:         cfg.Jobs.Retention(),
	}, log)
	a.vision = vision.New(vision.Deps{
		Manager:     a.manager,
		Catalog:     vision.NewCatalog(conn, dialect, a.manager.Now),
		Annotations: vision.NewAnnotationStore(conn, dialect, a.manager.Now),
		Queue:       queue,
		Processor:   processor,
	}, vision.Config{
		MaxDuration:                cfg.Jobs.MaxDuration(),
		NewClassifierImprovementTH: cfg.Spacer.NewClassifierTH,
		EmailSizeSoftLimit:         cfg.Spacer.EmailSizeSoftLimit,
	}, log)

	a.registry.Add(a.scheduler.Provider(), maint.Provider(), a.vision.Provider())
	return a, nil
}

// pingRedis fails fast when the configured redis is unreachable.
func (a *app) pingRedis(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(err, "redis at %s is unreachable", a.cfg.Spacer.RedisAddr)
	}
	return nil
}

// Close releases the database and redis connections.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warnw("Failed to close redis client", logger.FieldError, err)
		}
	}
	if err := a.conn.Close(); err != nil {
		a.log.Warnw("Failed to close database", logger.FieldError, err)
	}
}
