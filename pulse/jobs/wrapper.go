package jobs

import (
	"context"
	"html"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/db"
	"github.com/teranos/spacerjobs/errorlog"
	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/async"
)

// Wrapper runs a handler under its job lifecycle.
type Wrapper interface {
	Execute(ctx context.Context, args []string) Outcome
}

var errAtomicRollback = errors.New("handler failed, rolling back")

// Wrap returns the lifecycle wrapper for reg.
//
//	FullJob:   create in_progress -> handler -> finish
//	JobRunner: pending -> in_progress -> handler -> finish
//	JobStarter: pending -> in_progress -> handler -> finish on failure only
//
// Entering is a no-op when there's nothing to run: an incomplete FullJob
// already exists, or the runner's pending job is gone or was taken by
// another worker.
func (m *Manager) Wrap(reg Registration) Wrapper {
	return &lifecycle{m: m, reg: reg}
}

// Execute runs task's handler under its lifecycle wrapper.
func (m *Manager) Execute(ctx context.Context, task Task) Outcome {
	reg, err := m.registry.JobDetails(task.Name)
	if err != nil {
		m.log.Errorw("Cannot execute task",
			logger.FieldJobName, task.Name,
			logger.FieldError, err)
		return OutcomeFromError(err)
	}
	return m.Wrap(reg).Execute(ctx, task.Args)
}

type lifecycle struct {
	m   *Manager
	reg Registration
}

func (l *lifecycle) Execute(ctx context.Context, args []string) (out Outcome) {
	ctx = logger.WithTaskID(ctx, uuid.NewString())
	log := logger.FromContext(ctx, l.m.log).With(
		logger.FieldJobName, l.reg.Name,
		logger.FieldJobArgs, async.ArgsToIdentifier(args))

	began := time.Now()
	log.Debugw("Task started", "variant", l.reg.Variant.String())
	defer func() {
		log.Debugw("Task ended",
			logger.FieldStatus, out.Kind.String(),
			logger.FieldElapsedSec, time.Since(began).Seconds())
	}()

	job, err := l.enter(ctx, args)
	if err != nil {
		if errors.Is(err, errors.ErrLockContention) {
			log.Infow("Another worker is starting this job, skipping")
			return Ok("")
		}
		log.Errorw("Failed to enter job lifecycle", logger.FieldError, err)
		return OutcomeFromError(err)
	}
	if job == nil {
		log.Debugw("Nothing to run")
		return Ok("")
	}

	ctx = logger.WithJobID(ctx, job.ID)
	return l.run(ctx, log.With(logger.FieldJobID, job.ID), job, args)
}

func (l *lifecycle) enter(ctx context.Context, args []string) (*async.Job, error) {
	if l.reg.Variant == VariantFullJob {
		job, created, err := l.m.store.CreateInProgress(ctx, async.JobSpec{Name: l.reg.Name, Args: args})
		if err != nil || !created {
			return nil, err
		}
		if err := l.m.settleAttempt(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}
	return l.m.store.StartPending(ctx, l.reg.Name, async.ArgsToIdentifier(args))
}

// finishes reports whether the wrapper completes the job for out. Starters
// leave successful jobs running until their result is collected.
func (l *lifecycle) finishes(out Outcome) bool {
	return l.reg.Variant != VariantStarter || !out.Success()
}

func (l *lifecycle) call(ctx context.Context, job *async.Job, args []string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcomeFromPanic(r)
		}
	}()
	if l.reg.Variant == VariantStarter {
		return l.reg.Start(ctx, args, job.ID)
	}
	return l.reg.Run(ctx, args)
}

func (l *lifecycle) run(ctx context.Context, log *zap.SugaredLogger, job *async.Job, args []string) Outcome {
	var out Outcome
	if l.reg.Atomic {
		// Handler writes and the successful finish commit together. A
		// failed handler's writes are discarded and the job is failed
		// outside the transaction.
		err := db.RunInTx(ctx, l.m.store.DB(), func(ctx context.Context) error {
			out = l.call(ctx, job, args)
			if !out.Success() {
				return errAtomicRollback
			}
			if l.finishes(out) {
				return l.m.FinishJob(ctx, job, true, out.ResultMessage())
			}
			return nil
		})
		switch {
		case err == nil:
			if l.finishes(out) {
				l.afterFinishing(ctx, job)
			}
			return out
		case errors.Is(err, errAtomicRollback):
		default:
			out = OutcomeFromError(err)
		}
	} else {
		out = l.call(ctx, job, args)
	}

	if out.Alerts() {
		l.report(ctx, log, out)
	}
	if l.finishes(out) {
		if err := l.m.FinishJob(ctx, job, out.Success(), out.ResultMessage()); err != nil {
			log.Errorw("Failed to finish job", logger.FieldError, err)
		}
		l.afterFinishing(ctx, job)
	}
	return out
}

func (l *lifecycle) afterFinishing(ctx context.Context, job *async.Job) {
	if l.reg.AfterFinishing != nil {
		l.reg.AfterFinishing(ctx, job.ID)
	}
}

// report alerts operators and records the error for developers.
func (l *lifecycle) report(ctx context.Context, log *zap.SugaredLogger, out Outcome) {
	log.Errorw("Unexpected error in job",
		logger.FieldErrorType, out.ErrorKind,
		logger.FieldError, out.Message)
	l.m.metrics.UnexpectedFailure(l.reg.Name)

	l.m.notifier.Notify(ctx,
		"Error in job: "+l.reg.Name,
		out.ErrorKind+": "+out.Message+"\n\n"+out.Trace)

	if l.m.errorLog != nil {
		l.m.errorLog.Record(ctx, errorlog.Entry{
			Kind: out.ErrorKind,
			HTML: "<pre>" + html.EscapeString(out.Trace) + "</pre>",
			Path: "Task - " + l.reg.Name,
			Info: out.Message,
			Data: out.Trace,
		})
	}
}
