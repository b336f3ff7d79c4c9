package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/db"
	qntxtest "github.com/teranos/spacerjobs/internal/testing"
	"github.com/teranos/spacerjobs/pulse/async"
	"github.com/teranos/spacerjobs/pulse/jobs"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	m        *jobs.Manager
	mt       *Maintenance
	store    *async.Store
	clock    *qntxtest.FakeClock
	notifier *qntxtest.RecordingNotifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clock := qntxtest.NewFakeClock(epoch)
	store := async.NewStore(qntxtest.CreateTestDB(t), db.SQLite, async.WithClock(clock.Now))
	registry := jobs.NewRegistry()
	notifier := &qntxtest.RecordingNotifier{}
	m := jobs.NewManager(jobs.Options{
		Store:              store,
		Registry:           registry,
		Notifier:           notifier,
		ErrorLog:           &qntxtest.RecordingErrorLog{},
		Clock:              clock.Now,
		Jitter:             func() time.Duration { return 10 * time.Second },
		EnablePeriodicJobs: true,
		Logger:             zap.NewNop().Sugar(),
	})
	mt := New(m, cfg, zap.NewNop().Sugar())
	registry.Add(mt.Provider())
	return &harness{m: m, mt: mt, store: store, clock: clock, notifier: notifier}
}

func (h *harness) inProgress(t *testing.T, name, arg string, idle time.Duration) *async.Job {
	t.Helper()
	job := &async.Job{
		Name:          name,
		ArgIdentifier: arg,
		Status:        async.JobStatusInProgress,
		ModifyDate:    h.clock.Now().Add(-idle),
	}
	_, err := h.store.Fabricate(context.Background(), job)
	require.NoError(t, err)
	return job
}

func (h *harness) highSpec(t *testing.T, job *async.Job) {
	t.Helper()
	now := db.FormatTime(h.clock.Now())
	_, err := h.store.DB().Exec(`INSERT INTO remote_jobs
		(internal_job_id, job_token, remote_token, spec_level, create_date, modify_date)
		VALUES (?, ?, ?, 'high', ?, ?)`, job.ID, job.Token(), "remote-"+job.Token(), now, now)
	require.NoError(t, err)
}

func TestNoStuckJobs(t *testing.T) {
	h := newHarness(t, Config{})
	h.inProgress(t, "extract_features", "1", time.Hour)

	out := h.mt.ReportStuckJobs(context.Background())
	assert.Equal(t, "No stuck jobs detected", out.Message)
	assert.Empty(t, h.notifier.Sent())
}

func TestStuckJobSelectionByDate(t *testing.T) {
	h := newHarness(t, Config{})
	hour := time.Hour
	h.inProgress(t, "extract_features", "1", 2*day+23*hour)
	threeOne := h.inProgress(t, "extract_features", "2", 3*day+hour)
	threeTwentyThree := h.inProgress(t, "train_classifier", "3", 3*day+23*hour)
	h.inProgress(t, "extract_features", "4", 4*day+hour)

	out := h.mt.ReportStuckJobs(context.Background())
	require.True(t, out.Success())
	assert.Equal(t, "2 job(s) haven't progressed in a while", out.Message)

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, out.Message, sent[0].Subject)
	assert.Equal(t,
		"The following job(s) haven't progressed in a while:\n"+
			"\n"+threeTwentyThree.String()+" - since 2024-02-26 13:00:00 UTC"+
			"\n"+threeOne.String()+" - since 2024-02-27 11:00:00 UTC",
		sent[0].Body)
}

func TestStuckJobSelectionByHighSpec(t *testing.T) {
	h := newHarness(t, Config{})
	hour := time.Hour
	h.inProgress(t, "extract_features", "1", 7*day+23*hour)
	h.inProgress(t, "extract_features", "2", 8*day+hour)
	young := h.inProgress(t, "train_classifier", "3", 7*day+23*hour)
	h.highSpec(t, young)
	due := h.inProgress(t, "train_classifier", "4", 8*day+hour)
	h.highSpec(t, due)
	shortStuck := h.inProgress(t, "train_classifier", "5", 3*day+hour)
	h.highSpec(t, shortStuck)

	stuck, err := h.mt.StuckJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, due.ID, stuck[0].ID)
}

func TestStuckWindowReportsOnce(t *testing.T) {
	t.Log("🩺 A job goes quiet; the daily rounds should raise the alarm exactly once")
	h := newHarness(t, Config{})
	quiet := h.inProgress(t, "extract_features", "9", 0)

	for _, timeOfDay := range []time.Duration{0, 5 * time.Hour} {
		reports := 0
		for d := 0; d < 12; d++ {
			h.clock.Set(quiet.ModifyDate.Add(time.Duration(d)*day + timeOfDay))
			stuck, err := h.mt.StuckJobs(context.Background())
			require.NoError(t, err)
			for _, job := range stuck {
				if job.ID == quiet.ID {
					reports++
					assert.Equal(t, 3, d, "reported on the day it crossed the threshold")
				}
			}
		}
		assert.Equal(t, 1, reports, "time of day %s", timeOfDay)
	}
}

func TestCleanUpOldJobs(t *testing.T) {
	h := newHarness(t, Config{Retention: 30 * day})
	ctx := context.Background()

	out := h.mt.CleanUpOldJobs(ctx)
	assert.Equal(t, "No old jobs to clean up", out.Message)

	old := epoch.Add(-31 * day)
	for _, arg := range []string{"1", "2"} {
		_, err := h.store.Fabricate(ctx, &async.Job{
			Name: "extract_features", ArgIdentifier: arg, Status: async.JobStatusSuccess, ModifyDate: old,
		})
		require.NoError(t, err)
	}
	_, err := h.store.Fabricate(ctx, &async.Job{
		Name: "train_classifier", ArgIdentifier: "1", Status: async.JobStatusSuccess, Persist: true, ModifyDate: old,
	})
	require.NoError(t, err)

	out = h.mt.CleanUpOldJobs(ctx)
	assert.Equal(t, "Cleaned up 2 old job(s)", out.Message)

	left, err := h.store.List(ctx, async.ListFilter{IncludeHidden: true})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.True(t, left[0].Persist)
}

func TestHousekeepingJobsRenewThemselves(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	for _, name := range []string{ReportStuckJobsName, CleanUpOldJobsName} {
		sched, ok := h.m.Registry().Periodic(name)
		require.True(t, ok, name)
		assert.Equal(t, day, sched.Interval)

		_, _, err := h.m.GetOrCreateJob(ctx, name, nil)
		require.NoError(t, err)
		out := h.m.Execute(ctx, jobs.Task{Name: name})
		require.True(t, out.Success(), out.String())

		pending, err := h.store.List(ctx, async.ListFilter{Status: async.JobStatusPending, Name: name})
		require.NoError(t, err)
		require.Len(t, pending, 1, name)
		require.NotNil(t, pending[0].ScheduledStartDate)
		assert.True(t, pending[0].ScheduledStartDate.Equal(epoch.Add(12*time.Hour)), name)
	}
}
