package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/db"
	"github.com/teranos/spacerjobs/errors"
	qntxtest "github.com/teranos/spacerjobs/internal/testing"
	"github.com/teranos/spacerjobs/pulse/async"
)

// ============================================================================
// Mission control test universe
// ============================================================================
//
// Characters:
//   - Ground Control: schedules jobs and watches the board
//   - Major Tom: the handler out in the void, who sometimes doesn't answer
//
// Jobs use the real vision job names so the scenarios read like production.
// ============================================================================

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const fixedJitter = 10 * time.Second

type harness struct {
	m        *Manager
	store    *async.Store
	clock    *qntxtest.FakeClock
	notifier *qntxtest.RecordingNotifier
	errLog   *qntxtest.RecordingErrorLog
}

func newHarness(t *testing.T, periodic bool, providers ...Provider) *harness {
	t.Helper()
	clock := qntxtest.NewFakeClock(epoch)
	store := async.NewStore(qntxtest.CreateTestDB(t), db.SQLite, async.WithClock(clock.Now))
	h := &harness{
		store:    store,
		clock:    clock,
		notifier: &qntxtest.RecordingNotifier{},
		errLog:   &qntxtest.RecordingErrorLog{},
	}
	h.m = NewManager(Options{
		Store:              store,
		Registry:           NewRegistry(providers...),
		Notifier:           h.notifier,
		ErrorLog:           h.errLog,
		Clock:              clock.Now,
		Jitter:             func() time.Duration { return fixedJitter },
		EnablePeriodicJobs: periodic,
		Logger:             zap.NewNop().Sugar(),
	})
	return h
}

func (h *harness) job(t *testing.T, id int64) *async.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) pending(t *testing.T, name string) []*async.Job {
	t.Helper()
	jobs, err := h.store.List(context.Background(), async.ListFilter{
		Status:        async.JobStatusPending,
		Name:          name,
		IncludeHidden: true,
	})
	require.NoError(t, err)
	return jobs
}

func noop(ctx context.Context, args []string) Outcome { return Ok("") }

func TestGetOrCreateJobTwiceReturnsSameRow(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	first, created, err := h.m.GetOrCreateJob(ctx, "extract_features", []string{"42"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, async.JobStatusPending, first.Status)
	assert.Equal(t, 1, first.AttemptNumber)

	second, created, err := h.m.GetOrCreateJob(ctx, "extract_features", []string{"42"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.AttemptNumber, second.AttemptNumber)
}

func TestGetOrCreateJobConcurrent(t *testing.T) {
	t.Log("📡 Ground Control: twenty consoles request the same extraction at once")
	h := newHarness(t, false)
	ctx := context.Background()

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[int64]bool{}
	)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, c, err := h.m.GetOrCreateJob(ctx, "extract_features", []string{"42"})
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[job.ID] = true
			if c {
				created++
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	assert.Len(t, h.pending(t, "extract_features"), 1)
}

func TestAttemptNumber(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.store.Fabricate(ctx, &async.Job{
		Name: "train_classifier", ArgIdentifier: "5",
		Status: async.JobStatusFailure, AttemptNumber: 2,
	})
	require.NoError(t, err)

	job, created, err := h.m.GetOrCreateJob(ctx, "train_classifier", []string{"5"})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 3, job.AttemptNumber)
	assert.Equal(t, 3, h.job(t, job.ID).AttemptNumber)

	require.NoError(t, h.m.FinishJob(ctx, job, true, ""))

	job, created, err = h.m.GetOrCreateJob(ctx, "train_classifier", []string{"5"})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 1, job.AttemptNumber, "success resets the count")
	assert.Empty(t, h.notifier.Sent())
}

func TestManyFailuresBackoff(t *testing.T) {
	t.Log("📡 Ground Control: Major Tom has failed five times in a row")
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.store.Fabricate(ctx, &async.Job{
		Name: "extract_features", ArgIdentifier: "42",
		Status: async.JobStatusFailure, AttemptNumber: 5,
		ResultMessage: "Error: remote timeout",
	})
	require.NoError(t, err)

	job, created, err := h.m.ScheduleJob(ctx, "extract_features", []string{"42"}, WithDelay(time.Hour))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 6, job.AttemptNumber)
	assert.True(t, h.job(t, job.ID).ScheduledStartDate.Equal(epoch.Add(72*time.Hour)),
		"short delays are floored at the failure backoff")

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Job has been failing repeatedly: extract_features / 42, attempt 5", sent[0].Subject)
	assert.Equal(t, "Error info:\n\nError: remote timeout", sent[0].Body)

	// Past the threshold an existing job is left where it is.
	_, created, err = h.m.ScheduleJob(ctx, "extract_features", []string{"42"}, WithDelay(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, h.job(t, job.ID).ScheduledStartDate.Equal(epoch.Add(72*time.Hour)))

	// A longer explicit delay is honored.
	require.NoError(t, h.m.FinishJob(ctx, job, false, "Error: remote timeout"))
	job, created, err = h.m.ScheduleJob(ctx, "extract_features", []string{"42"}, WithDelay(100*time.Hour))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 7, job.AttemptNumber)
	assert.True(t, h.job(t, job.ID).ScheduledStartDate.Equal(epoch.Add(100*time.Hour)))
}

func TestScheduleJobExpediteOnly(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	job, created, err := h.m.ScheduleJob(ctx, "classify_features", []string{"8"}, WithDelay(time.Hour))
	require.NoError(t, err)
	require.True(t, created)
	hourOut := epoch.Add(time.Hour)
	assert.True(t, job.ScheduledStartDate.Equal(hourOut))

	_, created, err = h.m.ScheduleJob(ctx, "classify_features", []string{"8"}, WithDelay(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, h.job(t, job.ID).ScheduledStartDate.Equal(hourOut), "never pushed later")

	_, _, err = h.m.ScheduleJob(ctx, "classify_features", []string{"8"}, WithDelay(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, h.job(t, job.ID).ScheduledStartDate.Equal(epoch.Add(10*time.Minute)), "pulled earlier")

	// No delay means the jitter.
	_, _, err = h.m.ScheduleJob(ctx, "classify_features", []string{"8"})
	require.NoError(t, err)
	assert.True(t, h.job(t, job.ID).ScheduledStartDate.Equal(epoch.Add(fixedJitter)))
}

func TestScheduleJobSetsDateOnUnscheduledPendingJob(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	job, _, err := h.m.GetOrCreateJob(ctx, "check_source", []string{"3"})
	require.NoError(t, err)
	require.Nil(t, job.ScheduledStartDate)

	_, _, err = h.m.ScheduleJob(ctx, "check_source", []string{"3"}, WithDelay(time.Hour))
	require.NoError(t, err)
	assert.True(t, h.job(t, job.ID).ScheduledStartDate.Equal(epoch.Add(time.Hour)))
}

func TestRandomJitterRange(t *testing.T) {
	jitter := randomJitter(5*time.Second, 30*time.Second)
	for i := 0; i < 200; i++ {
		d := jitter()
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.Less(t, d, 30*time.Second)
		assert.Zero(t, d%time.Second)
	}
}

func TestNextRunDelay(t *testing.T) {
	at := func(sec int64) time.Time { return time.Unix(sec, 0) }

	assert.Equal(t, 250*time.Second, NextRunDelay(300*time.Second, 0, at(650)))
	assert.Equal(t, time.Duration(0), NextRunDelay(300*time.Second, 0, at(900)), "on a boundary")
	assert.Equal(t, 50*time.Second, NextRunDelay(300*time.Second, 100*time.Second, at(650)))
	assert.Equal(t, 299*time.Second+500*time.Millisecond,
		NextRunDelay(300*time.Second, 0, time.Unix(600, int64(500*time.Millisecond))))
}

func TestPeriodicSelfRenewal(t *testing.T) {
	providers := func(b *RegistryBuilder) {
		b.Register(Registration{Name: "report_stuck_jobs", Variant: VariantRunner, Run: noop})
		b.Periodic("report_stuck_jobs", 24*time.Hour, 0)
	}
	h := newHarness(t, true, providers)
	ctx := context.Background()

	job, _, err := h.m.GetOrCreateJob(ctx, "report_stuck_jobs", nil)
	require.NoError(t, err)
	require.NoError(t, h.m.FinishJob(ctx, job, true, "No stuck jobs detected"))

	next := h.pending(t, "report_stuck_jobs")
	require.Len(t, next, 1)
	assert.NotEqual(t, job.ID, next[0].ID)
	// epoch is 12:00 UTC, so the next daily boundary is 12 hours out.
	assert.True(t, next[0].ScheduledStartDate.Equal(epoch.Add(12*time.Hour)))

	// Aborting also renews.
	require.NoError(t, h.m.AbortJob(ctx, next[0].ID))
	assert.Len(t, h.pending(t, "report_stuck_jobs"), 1)
}

func TestPeriodicRenewalDisabled(t *testing.T) {
	providers := func(b *RegistryBuilder) {
		b.Register(Registration{Name: "report_stuck_jobs", Variant: VariantRunner, Run: noop})
		b.Periodic("report_stuck_jobs", 24*time.Hour, 0)
	}
	h := newHarness(t, false, providers)
	ctx := context.Background()

	job, _, err := h.m.GetOrCreateJob(ctx, "report_stuck_jobs", nil)
	require.NoError(t, err)
	require.NoError(t, h.m.FinishJob(ctx, job, true, ""))
	assert.Empty(t, h.pending(t, "report_stuck_jobs"))
}

func TestFinishJobOnCompletedJobIsNoOp(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	job, _, err := h.m.GetOrCreateJob(ctx, "extract_features", []string{"1"})
	require.NoError(t, err)
	require.NoError(t, h.m.FinishJob(ctx, job, true, "done"))
	require.NoError(t, h.m.FinishJob(ctx, job, false, "late result"))

	got := h.job(t, job.ID)
	assert.Equal(t, async.JobStatusSuccess, got.Status)
	assert.Equal(t, "done", got.ResultMessage)
}

func TestAbortJob(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	job, _, err := h.m.GetOrCreateJob(ctx, "train_classifier", []string{"5"})
	require.NoError(t, err)

	require.NoError(t, h.m.AbortJob(ctx, job.ID))
	got := h.job(t, job.ID)
	assert.Equal(t, async.JobStatusFailure, got.Status)
	assert.Equal(t, AbortMessage, got.ResultMessage)

	err = h.m.AbortJob(ctx, job.ID)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	err = h.m.AbortJob(ctx, 9999)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestExpediteJob(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	job, _, err := h.m.ScheduleJob(ctx, "extract_features", []string{"42"}, WithDelay(time.Hour))
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	ok, err := h.m.ExpediteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, h.job(t, job.ID).ScheduledStartDate.Equal(epoch.Add(time.Minute)))

	require.NoError(t, h.m.FinishJob(ctx, job, true, ""))
	ok, err = h.m.ExpediteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []Task
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

func TestStartJob(t *testing.T) {
	var gateOpen bool
	providers := func(b *RegistryBuilder) {
		b.Register(Registration{
			Name:      "extract_features",
			Variant:   VariantStarter,
			Start:     func(ctx context.Context, args []string, jobID int64) Outcome { return Ok("") },
			QueueName: QueueBackground,
			EntityArg: "image_id",
		})
		b.Register(Registration{
			Name:    "reset_classifiers_for_source",
			Variant: VariantRunner,
			Run:     noop,
			StartGate: func(ctx context.Context, jobID int64) (bool, error) {
				return gateOpen, nil
			},
		})
	}
	h := newHarness(t, false, providers)
	d := &recordingDispatcher{}
	h.m.UseDispatcher(d)
	ctx := context.Background()

	job, _, err := h.m.GetOrCreateJob(ctx, "extract_features", []string{"42"})
	require.NoError(t, err)
	started, err := h.m.StartJob(ctx, job)
	require.NoError(t, err)
	assert.True(t, started)
	require.Len(t, d.tasks, 1)
	assert.Equal(t, Task{Name: "extract_features", Args: []string{"42"}, Queue: QueueBackground, JobID: job.ID}, d.tasks[0])

	gated, _, err := h.m.GetOrCreateJob(ctx, "reset_classifiers_for_source", []string{"3"})
	require.NoError(t, err)
	started, err = h.m.StartJob(ctx, gated)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Len(t, d.tasks, 1)
	assert.Equal(t, async.JobStatusPending, h.job(t, gated.ID).Status)

	gateOpen = true
	started, err = h.m.StartJob(ctx, gated)
	require.NoError(t, err)
	assert.True(t, started)

	unknown, _, err := h.m.GetOrCreateJob(ctx, "no_such_job", nil)
	require.NoError(t, err)
	_, err = h.m.StartJob(ctx, unknown)
	assert.True(t, errors.Is(err, errors.ErrUnrecognizedJobName))
}

func TestBulkCreateJobs(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	n, err := h.m.BulkCreateJobs(ctx, "classify_image", [][]string{{"7", "0"}, {"7", "1"}, {"7", "2"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	jobs := h.pending(t, "classify_image")
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.True(t, j.ScheduledStartDate.Equal(epoch.Add(fixedJitter)))
	}
}

func TestFinishJobs(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	a, _, err := h.m.GetOrCreateJob(ctx, "classify_image", []string{"7", "0"})
	require.NoError(t, err)
	b, _, err := h.m.GetOrCreateJob(ctx, "classify_image", []string{"7", "1"})
	require.NoError(t, err)

	require.NoError(t, h.m.FinishJobs(ctx, []async.Finish{
		{JobID: a.ID, Success: true},
		{JobID: b.ID, Success: false, Message: "Image not found"},
	}))
	assert.Equal(t, async.JobStatusSuccess, h.job(t, a.ID).Status)
	got := h.job(t, b.ID)
	assert.Equal(t, async.JobStatusFailure, got.Status)
	assert.Equal(t, "Image not found", got.ResultMessage)
}
