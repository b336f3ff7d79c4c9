// Package maintenance holds the periodic housekeeping jobs: stuck job
// reports and old job cleanup.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/async"
	"github.com/teranos/spacerjobs/pulse/jobs"
)

// Job names.
const (
	ReportStuckJobsName = "report_stuck_jobs"
	CleanUpOldJobsName  = "clean_up_old_jobs"
)

const day = 24 * time.Hour

// Defaults for Config.
const (
	DefaultStuckDays         = 3
	DefaultHighSpecStuckDays = 8 // high-spec remote jobs may legitimately run up to 7 days
	DefaultRetentionDays     = 30
)

// StuckThreshold pairs a stuck category with the idle time that makes a
// job in it stuck.
type StuckThreshold struct {
	Category async.StuckCategory
	After    time.Duration
}

// Config tunes the housekeeping jobs.
type Config struct {
	StuckDays         int
	HighSpecStuckDays int
	Retention         time.Duration
}

// Maintenance runs the housekeeping jobs against the manager's store.
type Maintenance struct {
	m          *jobs.Manager
	store      *async.Store
	thresholds []StuckThreshold
	retention  time.Duration
	log        *zap.SugaredLogger
}

// New creates the housekeeping jobs. Zero config values take the defaults.
func New(m *jobs.Manager, cfg Config, log *zap.SugaredLogger) *Maintenance {
	if cfg.StuckDays <= 0 {
		cfg.StuckDays = DefaultStuckDays
	}
	if cfg.HighSpecStuckDays <= 0 {
		cfg.HighSpecStuckDays = DefaultHighSpecStuckDays
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetentionDays * day
	}
	if log == nil {
		log = logger.Logger
	}
	return &Maintenance{
		m:     m,
		store: m.Store(),
		thresholds: []StuckThreshold{
			{Category: async.StuckDefault, After: time.Duration(cfg.StuckDays) * day},
			{Category: async.StuckHighSpec, After: time.Duration(cfg.HighSpecStuckDays) * day},
		},
		retention: cfg.Retention,
		log:       logger.AddPulseSymbol(log.Named("maintenance")),
	}
}

// Provider registers both jobs as daily runners.
func (mt *Maintenance) Provider() jobs.Provider {
	return func(b *jobs.RegistryBuilder) {
		b.Register(jobs.Registration{
			Name:    ReportStuckJobsName,
			Variant: jobs.VariantRunner,
			Run:     func(ctx context.Context, _ []string) jobs.Outcome { return mt.ReportStuckJobs(ctx) },
		})
		b.Register(jobs.Registration{
			Name:    CleanUpOldJobsName,
			Variant: jobs.VariantRunner,
			Run:     func(ctx context.Context, _ []string) jobs.Outcome { return mt.CleanUpOldJobs(ctx) },
		})
		b.Periodic(ReportStuckJobsName, day, 0)
		b.Periodic(CleanUpOldJobsName, day, 0)
	}
}

// StuckJobs returns in-progress jobs that crossed their category's
// threshold within the last day, oldest first. The window is
// (now-threshold-1d, now-threshold], so a daily run reports each stuck job
// exactly once.
func (mt *Maintenance) StuckJobs(ctx context.Context) ([]*async.Job, error) {
	now := mt.m.Now()
	var stuck []*async.Job
	for _, th := range mt.thresholds {
		notAfter := now.Add(-th.After)
		found, err := mt.store.ListStuck(ctx, th.Category, notAfter.Add(-day), notAfter)
		if err != nil {
			return nil, err
		}
		stuck = append(stuck, found...)
	}
	sort.SliceStable(stuck, func(i, j int) bool {
		if !stuck[i].ModifyDate.Equal(stuck[j].ModifyDate) {
			return stuck[i].ModifyDate.Before(stuck[j].ModifyDate)
		}
		return stuck[i].ID < stuck[j].ID
	})
	return stuck, nil
}

// ReportStuckJobs notifies the operator about newly stuck jobs.
func (mt *Maintenance) ReportStuckJobs(ctx context.Context) jobs.Outcome {
	stuck, err := mt.StuckJobs(ctx)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if len(stuck) == 0 {
		return jobs.Ok("No stuck jobs detected")
	}

	subject := fmt.Sprintf("%d job(s) haven't progressed in a while", len(stuck))
	var body strings.Builder
	body.WriteString("The following job(s) haven't progressed in a while:\n")
	for _, job := range stuck {
		fmt.Fprintf(&body, "\n%s - since %s", job, job.ModifyDate.UTC().Format("2006-01-02 15:04:05 MST"))
	}

	mt.m.Notifier().Notify(ctx, subject, body.String())
	mt.m.Metrics().StuckReported(len(stuck))
	mt.log.Warnw("Stuck jobs reported", logger.FieldCount, len(stuck))
	return jobs.Ok(subject)
}

// CleanUpOldJobs deletes completed history past the retention period.
func (mt *Maintenance) CleanUpOldJobs(ctx context.Context) jobs.Outcome {
	count, err := mt.store.DeleteOld(ctx, mt.m.Now().Add(-mt.retention))
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if count > 0 {
		mt.log.Infow("Cleaned up old jobs", logger.FieldCount, count)
		return jobs.Ok(fmt.Sprintf("Cleaned up %d old job(s)", count))
	}
	return jobs.Ok("No old jobs to clean up")
}
