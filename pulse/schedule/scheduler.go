// Package schedule finds due jobs and hands them to workers, and keeps the
// periodic jobs on their cadence.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/async"
	"github.com/teranos/spacerjobs/pulse/jobs"
)

// Timer-driven job names.
const (
	RunScheduledJobsName     = "run_scheduled_jobs"
	SchedulePeriodicJobsName = "schedule_periodic_jobs"
)

// UnrecognizedJobMessage is the result message of a due job with no handler.
const UnrecognizedJobMessage = "Unrecognized job name"

// MaxUntilEmptyIterations bounds RunScheduledJobsUntilEmpty.
const MaxUntilEmptyIterations = 100

// ErrRunawayJobs means due jobs kept appearing after MaxUntilEmptyIterations
// sweeps.
var ErrRunawayJobs = errors.New("Jobs are probably failing to run.")

const (
	exampleJobs    = 3
	deadlineStride = 10
)

// Config tunes the scheduler.
type Config struct {
	// MaxDuration bounds one sweep. Jobs left over stay pending.
	MaxDuration time.Duration
	// Immediate treats every pending job as due.
	Immediate bool
}

// Scheduler runs the dispatch sweep.
type Scheduler struct {
	m           *jobs.Manager
	store       *async.Store
	registry    *jobs.Registry
	maxDuration time.Duration
	immediate   bool
	log         *zap.SugaredLogger
}

// New creates a scheduler over m's store and registry.
func New(m *jobs.Manager, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 10 * time.Minute
	}
	if log == nil {
		log = logger.Logger
	}
	return &Scheduler{
		m:           m,
		store:       m.Store(),
		registry:    m.Registry(),
		maxDuration: cfg.MaxDuration,
		immediate:   cfg.Immediate,
		log:         logger.AddPulseSymbol(log.Named("schedule")),
	}
}

// Provider registers the timer-driven scheduler jobs.
func (s *Scheduler) Provider() jobs.Provider {
	return func(b *jobs.RegistryBuilder) {
		b.Register(jobs.Registration{
			Name:    RunScheduledJobsName,
			Variant: jobs.VariantFullJob,
			Run:     func(ctx context.Context, _ []string) jobs.Outcome { return s.RunScheduledJobs(ctx) },
		})
		b.Register(jobs.Registration{
			Name:    SchedulePeriodicJobsName,
			Variant: jobs.VariantFullJob,
			Run:     func(ctx context.Context, _ []string) jobs.Outcome { return s.SchedulePeriodicJobs(ctx) },
		})
	}
}

// TimerEntries returns the ticker entries for the scheduler jobs.
func TimerEntries(sweepEvery, periodicEvery time.Duration) []TimerEntry {
	return []TimerEntry{
		{Name: RunScheduledJobsName, Every: sweepEvery},
		{Name: SchedulePeriodicJobsName, Every: periodicEvery},
	}
}

func (s *Scheduler) due(ctx context.Context) ([]*async.Job, error) {
	return s.store.ListDue(ctx, s.m.Now(), s.immediate)
}

// RunScheduledJobs starts every due job in (scheduled start, id) order.
// A job with no registered handler is failed on the spot. Every
// deadlineStride started jobs the sweep checks its deadline and stops
// early when past it.
func (s *Scheduler) RunScheduledJobs(ctx context.Context) jobs.Outcome {
	began := s.m.Now()
	deadline := began.Add(s.maxDuration)
	defer func() { s.m.Metrics().SweepDuration(time.Since(began)) }()

	due, err := s.due(ctx)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}

	var (
		ran      int
		rejected int
		timedOut bool
		examples []*async.Job
	)
	for _, job := range due {
		if ctx.Err() != nil {
			break
		}

		_, err := s.m.StartJob(ctx, job)
		switch {
		case errors.Is(err, errors.ErrUnrecognizedJobName):
			if err := s.m.FinishJob(ctx, job, false, UnrecognizedJobMessage); err != nil {
				s.log.Errorw("Failed to finish unrecognized job",
					logger.FieldJobID, job.ID,
					logger.FieldError, err)
			}
			continue
		case err != nil:
			s.log.Warnw("Failed to start job",
				logger.FieldJobID, job.ID,
				logger.FieldJobName, job.Name,
				logger.FieldError, err)
			rejected++
			continue
		}

		ran++
		if ran <= exampleJobs {
			examples = append(examples, job)
		}
		if ran%deadlineStride == 0 && s.m.Now().After(deadline) {
			timedOut = true
			break
		}
	}

	return jobs.Ok(sweepMessage(ran, rejected, timedOut, examples))
}

// sweepMessage summarizes a sweep. Jobs the dispatcher rejected stay
// pending and are reported apart from the ones that ran.
func sweepMessage(ran, rejected int, timedOut bool, examples []*async.Job) string {
	var b strings.Builder
	switch {
	case ran > exampleJobs && timedOut:
		fmt.Fprintf(&b, "Ran %d jobs (timed out), including:", ran)
	case ran > exampleJobs:
		fmt.Fprintf(&b, "Ran %d jobs, including:", ran)
	case ran > 0:
		fmt.Fprintf(&b, "Ran %d job(s):", ran)
	default:
		fmt.Fprintf(&b, "Ran %d jobs", ran)
	}
	for _, job := range examples {
		fmt.Fprintf(&b, "\n%d: %s", job.ID, job)
	}
	if rejected > 0 {
		fmt.Fprintf(&b, "\n%d job(s) could not be dispatched", rejected)
	}
	return b.String()
}

// RunScheduledJobsUntilEmpty sweeps until nothing is due, including jobs
// scheduled by the jobs it ran. Returns ErrRunawayJobs past
// MaxUntilEmptyIterations sweeps.
func (s *Scheduler) RunScheduledJobsUntilEmpty(ctx context.Context) error {
	for iterations := 0; ; {
		due, err := s.due(ctx)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		out := s.m.Execute(ctx, jobs.Task{Name: RunScheduledJobsName})
		if out.Alerts() {
			return errors.Newf("scheduled job sweep failed: %s", out.ResultMessage())
		}

		iterations++
		if iterations > MaxUntilEmptyIterations {
			return errors.WithDetailf(ErrRunawayJobs, "%d sweeps", iterations)
		}
	}
}

// SchedulePeriodicJobs makes sure every periodic job has an incomplete
// run, in case a run finished without scheduling its successor.
func (s *Scheduler) SchedulePeriodicJobs(ctx context.Context) jobs.Outcome {
	scheduled := 0
	for name, sched := range s.registry.PeriodicSchedules() {
		delay := jobs.NextRunDelay(sched.Interval, sched.Offset, s.m.Now())
		_, created, err := s.m.ScheduleJob(ctx, name, nil, jobs.WithDelay(delay))
		if err != nil {
			return jobs.OutcomeFromError(errors.Wrapf(err, "scheduling %s", name))
		}
		if created {
			scheduled++
		}
	}

	if scheduled > 0 {
		return jobs.Ok(fmt.Sprintf("Scheduled %d periodic job(s)", scheduled))
	}
	return jobs.Ok("All periodic jobs are already scheduled")
}
