// Package jobs runs the job lifecycle: creating and scheduling job
// records, dispatching them to handlers, and finishing them.
package jobs

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/errorlog"
	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/notify"
	"github.com/teranos/spacerjobs/pulse/async"
	"github.com/teranos/spacerjobs/pulse/metrics"
)

// AbortMessage is the result message of an aborted job.
const AbortMessage = "Aborted manually"

const (
	DefaultManyFailures   = 5
	DefaultFailureBackoff = 72 * time.Hour
	DefaultJitterMin      = 5 * time.Second
	DefaultJitterMax      = 30 * time.Second
)

// ErrorLogger persists unexpected errors for developers.
type ErrorLogger interface {
	Record(ctx context.Context, e errorlog.Entry)
}

// Options configures a Manager. Store and Registry are required.
type Options struct {
	Store      *async.Store
	Registry   *Registry
	Dispatcher Dispatcher // nil runs tasks inline
	Notifier   notify.Notifier
	ErrorLog   ErrorLogger
	Clock      func() time.Time

	// Jitter returns the delay used when ScheduleJob gets none. Defaults
	// to a random whole number of seconds in [JitterMin, JitterMax).
	Jitter    func() time.Duration
	JitterMin time.Duration
	JitterMax time.Duration

	EnablePeriodicJobs bool
	ManyFailures       int
	FailureBackoff     time.Duration

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Manager is the entry point for creating, starting and finishing jobs.
type Manager struct {
	store      *async.Store
	registry   *Registry
	dispatcher Dispatcher
	notifier   notify.Notifier
	errorLog   ErrorLogger
	now        func() time.Time
	jitter     func() time.Duration

	periodic       atomic.Bool
	manyFailures   int
	failureBackoff time.Duration

	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewManager creates a manager from opts, filling defaults.
func NewManager(opts Options) *Manager {
	m := &Manager{
		store:          opts.Store,
		registry:       opts.Registry,
		notifier:       opts.Notifier,
		errorLog:       opts.ErrorLog,
		now:            opts.Clock,
		jitter:         opts.Jitter,
		manyFailures:   opts.ManyFailures,
		failureBackoff: opts.FailureBackoff,
		log:            opts.Logger,
		metrics:        opts.Metrics,
	}
	m.periodic.Store(opts.EnablePeriodicJobs)
	if m.now == nil {
		m.now = opts.Store.Now
	}
	if m.manyFailures <= 0 {
		m.manyFailures = DefaultManyFailures
	}
	if m.failureBackoff <= 0 {
		m.failureBackoff = DefaultFailureBackoff
	}
	if m.jitter == nil {
		m.jitter = randomJitter(opts.JitterMin, opts.JitterMax)
	}
	if m.notifier == nil {
		m.notifier = notify.NewLog(opts.Logger)
	}
	if m.log == nil {
		m.log = logger.Logger
	}
	m.log = logger.AddPulseSymbol(m.log.Named("pulse"))
	if opts.Dispatcher != nil {
		m.dispatcher = opts.Dispatcher
	} else {
		m.dispatcher = NewInlineDispatcher(m)
	}
	return m
}

func randomJitter(lo, hi time.Duration) func() time.Duration {
	if lo <= 0 {
		lo = DefaultJitterMin
	}
	if hi <= lo {
		hi = DefaultJitterMax
	}
	loSec, hiSec := int64(lo/time.Second), int64(hi/time.Second)
	if hiSec <= loSec {
		hiSec = loSec + 1
	}
	return func() time.Duration {
		return time.Duration(loSec+rand.Int64N(hiSec-loSec)) * time.Second
	}
}

// UseDispatcher replaces the dispatcher. Used to hand dispatch to a worker
// pool built after the manager.
func (m *Manager) UseDispatcher(d Dispatcher) { m.dispatcher = d }

func (m *Manager) Store() *async.Store       { return m.store }
func (m *Manager) Registry() *Registry       { return m.registry }
func (m *Manager) Now() time.Time            { return m.now() }
func (m *Manager) Notifier() notify.Notifier { return m.notifier }
func (m *Manager) ErrorLog() ErrorLogger     { return m.errorLog }
func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }
func (m *Manager) ManyFailures() int         { return m.manyFailures }

// SetPeriodicJobs toggles self-renewal of periodic jobs at runtime.
func (m *Manager) SetPeriodicJobs(enabled bool) { m.periodic.Store(enabled) }

// PeriodicJobs reports whether periodic jobs renew themselves.
func (m *Manager) PeriodicJobs() bool { return m.periodic.Load() }

// Option adjusts GetOrCreateJob and ScheduleJob.
type Option func(*jobOptions)

type jobOptions struct {
	sourceID *int64
	userID   *int64
	delay    *time.Duration
}

// WithSource associates the job with a source.
func WithSource(id int64) Option {
	return func(o *jobOptions) { o.sourceID = &id }
}

// WithUser records the user who requested the job.
func WithUser(id int64) Option {
	return func(o *jobOptions) { o.userID = &id }
}

// WithDelay sets how long from now the job should start.
func WithDelay(d time.Duration) Option {
	return func(o *jobOptions) { o.delay = &d }
}

func collect(opts []Option) jobOptions {
	var o jobOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// GetOrCreateJob returns the incomplete job for (name, args), creating a
// pending one when there is none. A new job continues the attempt count
// of the identity's last completed job when that one failed.
func (m *Manager) GetOrCreateJob(ctx context.Context, name string, args []string, opts ...Option) (*async.Job, bool, error) {
	o := collect(opts)
	job, created, err := m.store.InsertPending(ctx, async.JobSpec{
		Name:     name,
		Args:     args,
		SourceID: o.sourceID,
		UserID:   o.userID,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		return job, false, nil
	}

	if err := m.settleAttempt(ctx, job); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// settleAttempt sets a newly created job's attempt number from the last
// completed job with its identity, alerting when it keeps failing.
func (m *Manager) settleAttempt(ctx context.Context, job *async.Job) error {
	last, err := m.store.LatestCompleted(ctx, job.Name, job.ArgIdentifier)
	if err != nil {
		return err
	}
	attempt := 1
	if last != nil && last.Status == async.JobStatusFailure {
		attempt = last.AttemptNumber + 1
		if attempt > m.manyFailures {
			m.notifier.Notify(ctx,
				"Job has been failing repeatedly: "+last.String(),
				"Error info:\n\n"+last.ResultMessage)
		}
	}
	if attempt != job.AttemptNumber {
		if err := m.store.SetAttemptNumber(ctx, job.ID, attempt); err != nil {
			return err
		}
		job.AttemptNumber = attempt
	}
	return nil
}

// ScheduleJob creates the job to start after a delay, or pulls an existing
// pending job's start earlier. It never pushes a scheduled job later.
//
// Jobs past the many-failures threshold start no sooner than the failure
// backoff, and an existing one is left alone.
func (m *Manager) ScheduleJob(ctx context.Context, name string, args []string, opts ...Option) (*async.Job, bool, error) {
	o := collect(opts)
	job, created, err := m.GetOrCreateJob(ctx, name, args, opts...)
	if err != nil {
		return nil, false, err
	}

	delay := m.jitter()
	if o.delay != nil {
		delay = *o.delay
	}
	now := m.now()
	start := now.Add(delay)

	if created {
		if job.AttemptNumber > m.manyFailures {
			if floor := now.Add(m.failureBackoff); start.Before(floor) {
				start = floor
			}
		}
		if err := m.store.SetScheduledStart(ctx, job.ID, &start); err != nil {
			return nil, false, err
		}
		job.ScheduledStartDate = &start
		return job, true, nil
	}

	if job.Status == async.JobStatusPending && job.AttemptNumber <= m.manyFailures {
		if job.ScheduledStartDate == nil || start.Before(*job.ScheduledStartDate) {
			if err := m.store.SetScheduledStart(ctx, job.ID, &start); err != nil {
				return nil, false, err
			}
			job.ScheduledStartDate = &start
		}
	}
	return job, false, nil
}

// BulkCreateJobs inserts one pending job per args entry, each with its own
// jitter. It does not check for existing incomplete jobs, so use it only
// for identities that cannot already exist.
func (m *Manager) BulkCreateJobs(ctx context.Context, name string, argsList [][]string) (int64, error) {
	now := m.now()
	specs := make([]async.JobSpec, len(argsList))
	for i, args := range argsList {
		start := now.Add(m.jitter())
		specs[i] = async.JobSpec{Name: name, Args: args, ScheduledStartDate: &start}
	}
	return m.store.BulkCreate(ctx, specs)
}

// StartJob hands a pending job to its handler through the dispatcher.
// Returns false without error when the job's start gate holds it back.
func (m *Manager) StartJob(ctx context.Context, job *async.Job) (bool, error) {
	reg, err := m.registry.JobDetails(job.Name)
	if err != nil {
		return false, err
	}

	if reg.StartGate != nil {
		ok, err := reg.StartGate(ctx, job.ID)
		if err != nil {
			return false, errors.Wrapf(err, "start gate for %s", job)
		}
		if !ok {
			m.log.Debugw("Start gate held job back",
				logger.FieldJobID, job.ID,
				logger.FieldJobName, job.Name)
			return false, nil
		}
	}

	task := Task{Name: job.Name, Args: job.Args(), Queue: reg.QueueName, JobID: job.ID}
	if err := m.dispatcher.Dispatch(ctx, task); err != nil {
		return false, errors.Wrapf(err, "failed to dispatch %s", job)
	}
	m.metrics.Dispatched(reg.QueueName)
	return true, nil
}

// FinishJob completes the job and, for periodic job types, schedules the
// next run on the job's cadence. Finishing an already completed job is a
// logged no-op.
func (m *Manager) FinishJob(ctx context.Context, job *async.Job, success bool, message string) error {
	changed, err := m.store.Finish(ctx, job.ID, success, message)
	if err != nil {
		return err
	}
	if !changed {
		m.log.Infow("Job was already complete, leaving it as is",
			logger.FieldJobID, job.ID,
			logger.FieldJobName, job.Name)
		return nil
	}

	job.ResultMessage = message
	job.Status = async.JobStatusFailure
	if success {
		job.Status = async.JobStatusSuccess
	}
	m.metrics.JobFinished(job.Name, success)

	if !m.periodic.Load() {
		return nil
	}
	sched, ok := m.registry.Periodic(job.Name)
	if !ok {
		return nil
	}
	delay := NextRunDelay(sched.Interval, sched.Offset, m.now())
	if _, _, err := m.ScheduleJob(ctx, job.Name, nil, WithDelay(delay)); err != nil {
		return errors.Wrapf(err, "failed to schedule next run of %s", job.Name)
	}
	return nil
}

// FinishJobs completes several jobs at once. Periodic jobs are not
// rescheduled here; finish those with FinishJob.
func (m *Manager) FinishJobs(ctx context.Context, finishes []async.Finish) error {
	return m.store.FinishMany(ctx, finishes)
}

// AbortJob fails an incomplete job with AbortMessage. Returns ErrNotFound
// for unknown ids and ErrConflict for completed jobs.
func (m *Manager) AbortJob(ctx context.Context, id int64) error {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Completed() {
		return errors.WithDetailf(
			errors.Wrapf(errors.ErrConflict, "job %d is already %s", id, job.Status),
			"Job ID: %d", id)
	}
	return m.FinishJob(ctx, job, false, AbortMessage)
}

// ExpediteJob moves a pending job's start to now. Reports false when the
// job isn't pending.
func (m *Manager) ExpediteJob(ctx context.Context, id int64) (bool, error) {
	return m.store.Expedite(ctx, id)
}

// NextRunDelay returns the time from now until the next boundary of a
// cadence of interval, phase-aligned to offset since the Unix epoch.
func NextRunDelay(interval, offset time.Duration, now time.Time) time.Duration {
	if interval <= 0 {
		return 0
	}
	elapsed := now.UnixNano() - int64(offset)
	iv := int64(interval)
	n := elapsed / iv
	if elapsed%iv > 0 {
		n++
	}
	next := int64(offset) + n*iv
	delay := time.Duration(next - now.UnixNano())
	if delay < 0 {
		return 0
	}
	return delay
}
