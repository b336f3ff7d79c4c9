package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/spacerjobs/db"
	qntxtest "github.com/teranos/spacerjobs/internal/testing"
	"github.com/teranos/spacerjobs/pulse/async"
)

var spanEnd = time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)

func completedAt(modified time.Time, waited time.Duration) *async.Job {
	scheduled := modified.Add(-waited)
	return &async.Job{Status: async.JobStatusSuccess, ModifyDate: modified, ScheduledStartDate: &scheduled}
}

func TestStepFor(t *testing.T) {
	assert.Equal(t, Hour, StepFor(1))
	assert.Equal(t, Hour, StepFor(5))
	assert.Equal(t, Day, StepFor(6))
	assert.Equal(t, Day, StepFor(30))
}

func TestPercentile(t *testing.T) {
	var ds []time.Duration
	for i := 10; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Minute)
	}
	assert.Equal(t, 9*time.Minute+6*time.Second, Percentile(ds, 0.9))
	assert.Equal(t, 10*time.Minute, Percentile(ds, 1))
	assert.Equal(t, time.Minute, Percentile(ds, 0))
	assert.Equal(t, 4*time.Minute, Percentile([]time.Duration{4 * time.Minute}, 0.9))
	assert.Zero(t, Percentile(nil, 0.9))
	assert.Equal(t, 10*time.Minute, ds[0], "input is left unsorted")
}

func TestBuildDaySlices(t *testing.T) {
	t.Log("📊 a week of background jobs, two busy days")
	spanStart := spanEnd.Add(-7 * Day)
	jobs := []*async.Job{
		completedAt(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), 2*time.Minute),
		completedAt(time.Date(2024, 3, 4, 18, 0, 0, 0, time.UTC), 4*time.Minute),
		completedAt(time.Date(2024, 3, 9, 1, 0, 0, 0, time.UTC), 30*time.Minute),
		{Status: async.JobStatusFailure, ModifyDate: time.Date(2024, 3, 9, 2, 0, 0, 0, time.UTC)},
	}

	r := Build(jobs, spanStart, spanEnd, Day)
	require.Len(t, r.Slices, 8, "3rd 15:30 truncates to the 3rd, through the 10th")
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC), r.Slices[0].Start)
	assert.Equal(t, 4, r.Completed)

	assert.Equal(t, 2, r.Slices[1].Completed)
	assert.Equal(t, 3*time.Minute+48*time.Second, r.Slices[1].Turnaround90)
	assert.Equal(t, 2, r.Slices[6].Completed)
	assert.Equal(t, 30*time.Minute, r.Slices[6].Turnaround90, "jobs without a scheduled start count but have no turnaround")
	assert.Zero(t, r.Slices[2].Completed)

	assert.Equal(t, "2024-03-04 xx:xx", r.Label(r.Slices[1]))
}

func TestBuildHourSlices(t *testing.T) {
	spanStart := spanEnd.Add(-Day)
	r := Build(nil, spanStart, spanEnd, Hour)
	require.Len(t, r.Slices, 25)
	assert.Equal(t, "2024-03-09 15:xx", r.Label(r.Slices[0]))
	assert.Equal(t, "2024-03-10 15:xx", r.Label(r.Slices[24]))
}

func TestRecentReadsCompletedJobs(t *testing.T) {
	clock := qntxtest.NewFakeClock(spanEnd.Add(-2 * Day))
	store := async.NewStore(qntxtest.CreateTestDB(t), db.SQLite, async.WithClock(clock.Now))
	ctx := context.Background()

	for _, name := range []string{"check_source", "check_source", "collect_spacer_jobs"} {
		job, _, err := store.InsertPending(ctx, async.JobSpec{Name: name, Args: []string{name}})
		require.NoError(t, err)
		_, err = store.Finish(ctx, job.ID, true, "")
		require.NoError(t, err)
	}
	_, _, err := store.InsertPending(ctx, async.JobSpec{Name: "check_source", Args: []string{"pending"}})
	require.NoError(t, err)

	r, err := Recent(ctx, store, []string{"check_source"}, spanEnd, 30)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Completed)
	assert.Equal(t, Day, r.Step)

	_, err = Recent(ctx, store, []string{"check_source"}, spanEnd, 0)
	assert.Error(t, err)
}
