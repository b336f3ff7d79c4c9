package async

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/spacerjobs/db"
	"github.com/teranos/spacerjobs/errors"
	qntxtest "github.com/teranos/spacerjobs/internal/testing"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *qntxtest.FakeClock) {
	t.Helper()
	clock := qntxtest.NewFakeClock(epoch)
	return NewStore(qntxtest.CreateTestDB(t), db.SQLite, WithClock(clock.Now)), clock
}

func countIdentity(t *testing.T, s *Store, name, argID string) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE job_name = ? AND arg_identifier = ?`, name, argID).Scan(&n))
	return n
}

func TestJobString(t *testing.T) {
	assert.Equal(t, "run_scheduled_jobs", (&Job{Name: "run_scheduled_jobs", AttemptNumber: 1}).String())
	assert.Equal(t, "extract_features / 42", (&Job{Name: "extract_features", ArgIdentifier: "42", AttemptNumber: 1}).String())
	assert.Equal(t, "classify_image / 3,1, attempt 4",
		(&Job{Name: "classify_image", ArgIdentifier: "3,1", AttemptNumber: 4}).String())
}

func TestArgIdentifiers(t *testing.T) {
	assert.Equal(t, "3,1", ArgsToIdentifier([]string{"3", "1"}))
	assert.Equal(t, "", ArgsToIdentifier(nil))
	assert.Nil(t, IdentifierToArgs(""))
	assert.Equal(t, []string{"3", "1"}, IdentifierToArgs("3,1"))
	assert.Equal(t, []string{"7", "12"}, Int64Args(7, 12))
}

func TestInsertPendingReturnsExistingIncompleteJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.InsertPending(ctx, JobSpec{Name: "extract_features", Args: []string{"42"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, JobStatusPending, first.Status)
	assert.Equal(t, 1, first.AttemptNumber)
	assert.True(t, first.CreateDate.Equal(epoch))

	second, created, err := s.InsertPending(ctx, JobSpec{Name: "extract_features", Args: []string{"42"}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, countIdentity(t, s, "extract_features", "42"))

	// A completed job frees the identity
	_, err = s.Finish(ctx, first.ID, true, "")
	require.NoError(t, err)
	third, created, err := s.InsertPending(ctx, JobSpec{Name: "extract_features", Args: []string{"42"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestCreateInProgress(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, created, err := s.CreateInProgress(ctx, JobSpec{Name: "run_scheduled_jobs"})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, JobStatusInProgress, job.Status)
	require.NotNil(t, job.StartDate)

	again, created, err := s.CreateInProgress(ctx, JobSpec{Name: "run_scheduled_jobs"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)
}

func TestLatestCompleted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestCompleted(ctx, "train_classifier", "5")
	require.NoError(t, err)
	assert.Nil(t, latest)

	for _, status := range []JobStatus{JobStatusSuccess, JobStatusFailure} {
		_, err := s.Fabricate(ctx, &Job{Name: "train_classifier", ArgIdentifier: "5", Status: status, AttemptNumber: 2})
		require.NoError(t, err)
	}
	_, _, err = s.InsertPending(ctx, JobSpec{Name: "train_classifier", Args: []string{"5"}})
	require.NoError(t, err)

	latest, err = s.LatestCompleted(ctx, "train_classifier", "5")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, JobStatusFailure, latest.Status)
}

func TestStartPending(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	started, err := s.StartPending(ctx, "extract_features", "42")
	require.NoError(t, err)
	assert.Nil(t, started, "no pending job means nothing to start")

	job, _, err := s.InsertPending(ctx, JobSpec{Name: "extract_features", Args: []string{"42"}})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	started, err = s.StartPending(ctx, "extract_features", "42")
	require.NoError(t, err)
	require.NotNil(t, started)
	assert.Equal(t, job.ID, started.ID)
	assert.Equal(t, JobStatusInProgress, started.Status)
	require.NotNil(t, started.StartDate)
	assert.True(t, started.StartDate.Equal(epoch.Add(time.Minute)))

	again, err := s.StartPending(ctx, "extract_features", "42")
	require.NoError(t, err)
	assert.Nil(t, again, "an in-progress job is not started twice")
}

func TestStartPendingCleansDuplicates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Databases created before the index existed can hold duplicates
	_, err := s.DB().Exec(`DROP INDEX unique_incomplete_jobs`)
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 6; i++ {
		id, err := s.Fabricate(ctx, &Job{Name: "classify_features", ArgIdentifier: "9"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Equal(t, 6, countIdentity(t, s, "classify_features", "9"))

	started, err := s.StartPending(ctx, "classify_features", "9")
	require.NoError(t, err)
	require.NotNil(t, started)

	assert.Equal(t, 1, countIdentity(t, s, "classify_features", "9"))
	assert.Equal(t, ids[0], started.ID, "the lowest id is the canonical row")
}

func TestStartPendingPostgresLockContention(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	s := NewStore(conn, db.Postgres)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*), MIN(id) FROM jobs`)).
		WithArgs("extract_features", "42").
		WillReturnRows(sqlmock.NewRows([]string{"count", "min"}).AddRow(1, 7))
	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)WHERE job_name = \$1 AND arg_identifier = \$2 AND status = 'pending'.*FOR UPDATE NOWAIT`).
		WithArgs("extract_features", "42").
		WillReturnError(&pgconn.PgError{Code: "55P03", Message: "could not obtain lock on row"})
	mock.ExpectRollback()

	started, err := s.StartPending(context.Background(), "extract_features", "42")
	assert.Nil(t, started)
	require.Error(t, err)
	assert.True(t, errors.IsLockContention(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishOnlyTouchesIncompleteJobs(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	job, _, err := s.InsertPending(ctx, JobSpec{Name: "check_source", Args: []string{"3"}})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	changed, err := s.Finish(ctx, job.ID, false, "Aborted manually")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Finish(ctx, job.ID, true, "late result")
	require.NoError(t, err)
	assert.False(t, changed, "terminal jobs are immutable")

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailure, got.Status)
	assert.Equal(t, "Aborted manually", got.ResultMessage)
	assert.True(t, got.ModifyDate.Equal(epoch.Add(time.Hour)))

	_, err = s.Finish(ctx, 9999, true, "")
	assert.True(t, errors.IsNotFoundError(err))

	// Bookkeeping flags still apply to terminal jobs
	require.NoError(t, s.SetPersist(ctx, job.ID, true))
	require.NoError(t, s.SetHidden(ctx, job.ID, true))
	got, err = s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Persist)
	assert.True(t, got.Hidden)
}

func TestFinishMany(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, _, err := s.InsertPending(ctx, JobSpec{Name: "classify_image", Args: []string{"1", "0"}})
	require.NoError(t, err)
	b, _, err := s.InsertPending(ctx, JobSpec{Name: "classify_image", Args: []string{"1", "1"}})
	require.NoError(t, err)

	require.NoError(t, s.FinishMany(ctx, []Finish{
		{JobID: a.ID, Success: true},
		{JobID: b.ID, Success: false, Message: "Image 1 doesn't exist anymore."},
	}))

	gotA, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	gotB, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusSuccess, gotA.Status)
	assert.Equal(t, JobStatusFailure, gotB.Status)
	assert.Equal(t, "Image 1 doesn't exist anymore.", gotB.ResultMessage)
}

func TestExpedite(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	later := epoch.Add(time.Hour)
	job, _, err := s.InsertPending(ctx, JobSpec{Name: "check_source", Args: []string{"3"}, ScheduledStartDate: &later})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	ok, err := s.Expedite(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ScheduledStartDate)
	assert.True(t, got.ScheduledStartDate.Equal(epoch.Add(time.Minute)))

	_, err = s.Finish(ctx, job.ID, true, "")
	require.NoError(t, err)
	ok, err = s.Expedite(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Expedite(ctx, 424242)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListDueOrdering(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	at := func(d time.Duration) *time.Time {
		v := epoch.Add(d)
		return &v
	}
	mk := func(arg string, start *time.Time) int64 {
		id, err := s.Fabricate(ctx, &Job{Name: "extract_features", ArgIdentifier: arg, ScheduledStartDate: start})
		require.NoError(t, err)
		return id
	}

	late := mk("1", at(-time.Minute))
	tieA := mk("2", at(-time.Hour))
	tieB := mk("3", at(-time.Hour))
	unscheduled := mk("4", nil)
	future := mk("5", at(time.Hour))
	_, err := s.Fabricate(ctx, &Job{Name: "extract_features", ArgIdentifier: "6", Status: JobStatusInProgress})
	require.NoError(t, err)

	due, err := s.ListDue(ctx, epoch, false)
	require.NoError(t, err)
	var ids []int64
	for _, j := range due {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []int64{unscheduled, tieA, tieB, late}, ids)

	all, err := s.ListDue(ctx, epoch, true)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, future, all[4].ID)
}

func TestListDueIncludesJobsScheduledForNow(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	start := epoch
	id, err := s.Fabricate(ctx, &Job{Name: "update_label_details", ArgIdentifier: "1", ScheduledStartDate: &start})
	require.NoError(t, err)

	due, err := s.ListDue(ctx, epoch, false)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, id, due[0].ID)

	due, err = s.ListDue(ctx, epoch.Add(-time.Microsecond), false)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestListStuckSplitsByRemoteSpec(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	modified := epoch.Add(-36 * time.Hour)
	plain, err := s.Fabricate(ctx, &Job{Name: "extract_features", ArgIdentifier: "1", Status: JobStatusInProgress, ModifyDate: modified})
	require.NoError(t, err)
	heavy, err := s.Fabricate(ctx, &Job{Name: "train_classifier", ArgIdentifier: "2", Status: JobStatusInProgress, ModifyDate: modified})
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO remote_jobs (internal_job_id, job_token, remote_token, spec_level, create_date, modify_date)
		VALUES (?, ?, 'r-1', 'high', ?, ?)`, heavy, "2", db.FormatTime(epoch), db.FormatTime(epoch))
	require.NoError(t, err)

	lower, upper := epoch.Add(-48*time.Hour), epoch.Add(-24*time.Hour)

	def, err := s.ListStuck(ctx, StuckDefault, lower, upper)
	require.NoError(t, err)
	require.Len(t, def, 1)
	assert.Equal(t, plain, def[0].ID)

	high, err := s.ListStuck(ctx, StuckHighSpec, lower, upper)
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, heavy, high[0].ID)
}

func TestDeleteOld(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	old := epoch.Add(-31 * 24 * time.Hour)
	stale, err := s.Fabricate(ctx, &Job{Name: "extract_features", ArgIdentifier: "1", Status: JobStatusSuccess, ModifyDate: old})
	require.NoError(t, err)
	kept, err := s.Fabricate(ctx, &Job{Name: "train_classifier", ArgIdentifier: "1", Status: JobStatusSuccess, Persist: true, ModifyDate: old})
	require.NoError(t, err)
	linked, err := s.Fabricate(ctx, &Job{Name: "classify_image", ArgIdentifier: "1,0", Status: JobStatusSuccess, ModifyDate: old})
	require.NoError(t, err)
	recent, err := s.Fabricate(ctx, &Job{Name: "extract_features", ArgIdentifier: "2", Status: JobStatusSuccess})
	require.NoError(t, err)

	_, err = s.DB().Exec(`INSERT INTO api_job_units (parent_id, order_in_parent, internal_job_id) VALUES (1, 0, ?)`, linked)
	require.NoError(t, err)

	n, err := s.DeleteOld(ctx, epoch.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, stale)
	assert.True(t, errors.IsNotFoundError(err))
	for _, id := range []int64{kept, linked, recent} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err)
	}
}

func TestBulkCreateAndStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.BulkCreate(ctx, []JobSpec{
		{Name: "classify_image", Args: []string{"8", "0"}},
		{Name: "classify_image", Args: []string{"8", "1"}},
		{Name: "classify_image", Args: []string{"8", "2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = s.Fabricate(ctx, &Job{Name: "extract_features", ArgIdentifier: "1", Status: JobStatusFailure, Hidden: true})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats[JobStatusPending])
	assert.Equal(t, 1, stats[JobStatusFailure])
	assert.Equal(t, 0, stats[JobStatusSuccess])

	visible, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, visible, 3)

	failed, err := s.List(ctx, ListFilter{Status: JobStatusFailure, IncludeHidden: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "extract_features", failed[0].Name)
}

func TestRecentCompleted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i, d := range []time.Duration{-2 * time.Hour, -30 * time.Minute, time.Hour} {
		_, err := s.Fabricate(ctx, &Job{
			Name: "extract_features", ArgIdentifier: string(rune('a' + i)),
			Status: JobStatusSuccess, ModifyDate: epoch.Add(d),
		})
		require.NoError(t, err)
	}

	jobs, err := s.RecentCompleted(ctx, []string{"extract_features", "train_classifier"}, epoch.Add(-time.Hour), epoch)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].ArgIdentifier)

	none, err := s.RecentCompleted(ctx, nil, epoch.Add(-time.Hour), epoch)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCountIncomplete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	source, other := int64(4), int64(5)

	for _, j := range []*Job{
		{Name: "extract_features", ArgIdentifier: "1", SourceID: &source, Status: JobStatusPending},
		{Name: "extract_features", ArgIdentifier: "2", SourceID: &source, Status: JobStatusSuccess},
		{Name: "train_classifier", ArgIdentifier: "4", SourceID: &source, Status: JobStatusInProgress},
		{Name: "check_source", ArgIdentifier: "4", SourceID: &source, Status: JobStatusPending},
		{Name: "extract_features", ArgIdentifier: "3", SourceID: &other, Status: JobStatusPending},
	} {
		_, err := s.Fabricate(ctx, j)
		require.NoError(t, err)
	}

	n, err := s.CountIncomplete(ctx, []string{"extract_features", "train_classifier"}, source)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountIncomplete(ctx, nil, source)
	require.NoError(t, err)
	assert.Zero(t, n)
}
