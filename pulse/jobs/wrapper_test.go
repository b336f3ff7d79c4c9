package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/pulse/async"
)

type ValueError struct{ msg string }

func (e *ValueError) Error() string { return e.msg }

func TestDomainVsUnexpected(t *testing.T) {
	t.Log("📡 Ground Control: Major Tom reports a missing image, then something worse")
	providers := func(b *RegistryBuilder) {
		b.Register(Registration{
			Name:    "extract_features",
			Variant: VariantRunner,
			Run: func(ctx context.Context, args []string) Outcome {
				return OutcomeFromError(errors.NewJobError("Image %s does not exist.", args[0]))
			},
		})
		b.Register(Registration{
			Name:    "train_classifier",
			Variant: VariantRunner,
			Run: func(ctx context.Context, args []string) Outcome {
				return OutcomeFromError(errors.Wrap(&ValueError{msg: "bad accuracy"}, "evaluating"))
			},
		})
	}
	h := newHarness(t, false, providers)
	ctx := context.Background()

	domain, _, err := h.m.GetOrCreateJob(ctx, "extract_features", []string{"42"})
	require.NoError(t, err)
	out := h.m.Execute(ctx, Task{Name: "extract_features", Args: []string{"42"}})
	assert.Equal(t, OutcomeExpectedFailure, out.Kind)

	got := h.job(t, domain.ID)
	assert.Equal(t, async.JobStatusFailure, got.Status)
	assert.Equal(t, "Image 42 does not exist.", got.ResultMessage)
	assert.Empty(t, h.notifier.Sent())
	assert.Empty(t, h.errLog.Entries())

	unexpected, _, err := h.m.GetOrCreateJob(ctx, "train_classifier", []string{"5"})
	require.NoError(t, err)
	out = h.m.Execute(ctx, Task{Name: "train_classifier", Args: []string{"5"}})
	assert.Equal(t, OutcomeUnexpectedFailure, out.Kind)

	got = h.job(t, unexpected.ID)
	assert.Equal(t, async.JobStatusFailure, got.Status)
	assert.Equal(t, "ValueError: evaluating: bad accuracy", got.ResultMessage)

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Error in job: train_classifier", sent[0].Subject)
	assert.Contains(t, sent[0].Body, "ValueError: evaluating: bad accuracy\n\n")

	entries := h.errLog.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "ValueError", entries[0].Kind)
	assert.Equal(t, "Task - train_classifier", entries[0].Path)
	assert.Equal(t, "evaluating: bad accuracy", entries[0].Info)
	assert.Contains(t, entries[0].HTML, "<pre>")
}

func TestJobRunnerFinishesWithHandlerMessage(t *testing.T) {
	var afterFinishing []int64
	providers := func(b *RegistryBuilder) {
		b.Register(Registration{
			Name:    "clean_up_old_jobs",
			Variant: VariantRunner,
			Run:     func(ctx context.Context, args []string) Outcome { return Ok("Cleaned up 3 old job(s)") },
			AfterFinishing: func(ctx context.Context, jobID int64) {
				afterFinishing = append(afterFinishing, jobID)
			},
		})
	}
	h := newHarness(t, false, providers)
	ctx := context.Background()

	job, _, err := h.m.GetOrCreateJob(ctx, "clean_up_old_jobs", nil)
	require.NoError(t, err)
	out := h.m.Execute(ctx, Task{Name: "clean_up_old_jobs"})
	assert.True(t, out.Success())

	got := h.job(t, job.ID)
	assert.Equal(t, async.JobStatusSuccess, got.Status)
	assert.Equal(t, "Cleaned up 3 old job(s)", got.ResultMessage)
	assert.NotNil(t, got.StartDate)
	assert.Equal(t, []int64{job.ID}, afterFinishing)
}

func TestJobRunnerWithoutPendingJobIsNoOp(t *testing.T) {
	calls := 0
	providers := func(b *RegistryBuilder) {
		b.Register(Registration{
			Name:    "classify_features",
			Variant: VariantRunner,
			Run: func(ctx context.Context, args []string) Outcome {
				calls++
				return Ok("")
			},
		})
	}
	h := newHarness(t, false, providers)

	out := h.m.Execute(context.Background(), Task{Name: "classify_features", Args: []string{"8"}})
	assert.True(t, out.Success())
	assert.Zero(t, calls)
}

func TestFullJobCreatesItsOwnRecord(t *testing.T) {
	calls := 0
	providers := func(b *RegistryBuilder) {
		b.Register(Registration{
			Name:    "run_scheduled_jobs",
			Variant: VariantFullJob,
			Run: func(ctx context.Context, args []string) Outcome {
				calls++
				return Ok("Ran 0 jobs")
			},
		})
	}
	h := newHarness(t, false, providers)
	ctx := context.Background()

	h.m.Execute(ctx, Task{Name: "run_scheduled_jobs"})
	assert.Equal(t, 1, calls)

	jobs, err := h.store.List(ctx, async.ListFilter{Name: "run_scheduled_jobs"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, async.JobStatusSuccess, jobs[0].Status)
	assert.Equal(t, "Ran 0 jobs", jobs[0].ResultMessage)

	// An incomplete instance means another sweep is running.
	_, _, err = h.m.GetOrCreateJob(ctx, "run_scheduled_jobs", nil)
	require.NoError(t, err)
	h.m.Execute(ctx, Task{Name: "run_scheduled_jobs"})
	assert.Equal(t, 1, calls)
}

func TestJobStarterLeavesJobRunning(t *testing.T) {
	var submitted []int64
	fail := false
	providers := func(b *RegistryBuilder) {
		b.Register(Registration{
			Name:    "extract_features",
			Variant: VariantStarter,
			Start: func(ctx context.Context, args []string, jobID int64) Outcome {
				if fail {
					return OutcomeFromError(errors.NewJobError("Image %s does not exist.", args[0]))
				}
				submitted = append(submitted, jobID)
				return Ok("")
			},
		})
	}
	h := newHarness(t, false, providers)
	ctx := context.Background()

	job, _, err := h.m.GetOrCreateJob(ctx, "extract_features", []string{"42"})
	require.NoError(t, err)
	h.m.Execute(ctx, Task{Name: "extract_features", Args: []string{"42"}})
	assert.Equal(t, []int64{job.ID}, submitted)
	assert.Equal(t, async.JobStatusInProgress, h.job(t, job.ID).Status)

	fail = true
	gone, _, err := h.m.GetOrCreateJob(ctx, "extract_features", []string{"43"})
	require.NoError(t, err)
	h.m.Execute(ctx, Task{Name: "extract_features", Args: []string{"43"}})
	got := h.job(t, gone.ID)
	assert.Equal(t, async.JobStatusFailure, got.Status)
	assert.Equal(t, "Image 43 does not exist.", got.ResultMessage)
}

func TestPanicBecomesUnexpectedFailure(t *testing.T) {
	providers := func(b *RegistryBuilder) {
		b.Register(Registration{
			Name:    "update_label_details",
			Variant: VariantRunner,
			Run: func(ctx context.Context, args []string) Outcome {
				var m map[string]int
				m["boom"]++
				return Ok("")
			},
		})
	}
	h := newHarness(t, false, providers)
	ctx := context.Background()

	job, _, err := h.m.GetOrCreateJob(ctx, "update_label_details", nil)
	require.NoError(t, err)
	out := h.m.Execute(ctx, Task{Name: "update_label_details"})
	require.Equal(t, OutcomeUnexpectedFailure, out.Kind)
	assert.NotEmpty(t, out.Trace)

	got := h.job(t, job.ID)
	assert.Equal(t, async.JobStatusFailure, got.Status)
	assert.Contains(t, got.ResultMessage, "assignment to entry in nil map")
	assert.Len(t, h.notifier.Sent(), 1)
	assert.Len(t, h.errLog.Entries(), 1)
}

func TestAtomicHandlerRollsBackOnFailure(t *testing.T) {
	var target int64
	succeed := false
	var store *async.Store
	providers := func(b *RegistryBuilder) {
		b.Register(Registration{
			Name:    "reset_features_for_source",
			Variant: VariantRunner,
			Atomic:  true,
			Run: func(ctx context.Context, args []string) Outcome {
				if err := store.SetHidden(ctx, target, true); err != nil {
					return OutcomeFromError(err)
				}
				if !succeed {
					return ExpectedFailure("Source changed during reset")
				}
				return Ok("Reset")
			},
		})
	}
	h := newHarness(t, false, providers)
	store = h.store
	ctx := context.Background()

	other, _, err := h.m.GetOrCreateJob(ctx, "extract_features", []string{"1"})
	require.NoError(t, err)
	target = other.ID

	job, _, err := h.m.GetOrCreateJob(ctx, "reset_features_for_source", []string{"3"})
	require.NoError(t, err)
	h.m.Execute(ctx, Task{Name: "reset_features_for_source", Args: []string{"3"}})

	assert.False(t, h.job(t, target).Hidden, "handler write rolled back")
	got := h.job(t, job.ID)
	assert.Equal(t, async.JobStatusFailure, got.Status)
	assert.Equal(t, "Source changed during reset", got.ResultMessage)

	succeed = true
	job, _, err = h.m.GetOrCreateJob(ctx, "reset_features_for_source", []string{"3"})
	require.NoError(t, err)
	h.m.Execute(ctx, Task{Name: "reset_features_for_source", Args: []string{"3"}})

	assert.True(t, h.job(t, target).Hidden)
	assert.Equal(t, async.JobStatusSuccess, h.job(t, job.ID).Status)
}

func TestExecuteUnknownTask(t *testing.T) {
	h := newHarness(t, false)
	out := h.m.Execute(context.Background(), Task{Name: "no_such_job"})
	assert.Equal(t, OutcomeUnexpectedFailure, out.Kind)
	assert.Contains(t, out.Message, "unrecognized job name")
}
