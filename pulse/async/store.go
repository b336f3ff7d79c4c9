package async

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/spacerjobs/db"
	"github.com/teranos/spacerjobs/errors"
)

// Store handles persistence of job records.
//
// Every statement goes through db.From, so a Store reached with a context
// carrying a transaction runs inside that transaction.
type Store struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the clock used for create/modify/start dates.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a new job store
func NewStore(conn *sql.DB, dialect db.Dialect, opts ...StoreOption) *Store {
	s := &Store{db: conn, dialect: dialect, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect the store writes.
func (s *Store) Dialect() db.Dialect { return s.dialect }

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

func (s *Store) q(ctx context.Context) db.Querier {
	return db.From(ctx, s.db)
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.q(ctx).ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.q(ctx).QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.q(ctx).QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) t(t time.Time) interface{} { return s.dialect.TimeArg(t) }

func jobDetail(err error, id int64) error {
	return errors.WithDetail(err, "Job ID: "+strconv.FormatInt(id, 10))
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// Get retrieves a job by ID
func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	row := s.queryRow(ctx, `SELECT `+StandardJobSelectColumns()+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobDetail(errors.Wrapf(errors.ErrNotFound, "job %d", id), id)
	}
	if err != nil {
		return nil, jobDetail(errors.Wrap(err, "failed to get job"), id)
	}
	return job, nil
}

// findIncomplete returns the lowest-id incomplete job for the identity, or nil.
func (s *Store) findIncomplete(ctx context.Context, name, argID string) (*Job, error) {
	row := s.queryRow(ctx, `SELECT `+StandardJobSelectColumns()+`
		FROM jobs
		WHERE job_name = ? AND arg_identifier = ?
		  AND status IN ('pending', 'in_progress')
		ORDER BY id
		LIMIT 1`, name, argID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find incomplete job")
	}
	return job, nil
}

// InsertPending inserts a pending job for spec unless an incomplete job
// with the same identity exists, in which case that job is returned with
// created=false. The insert relies on the unique_incomplete_jobs index, so
// concurrent callers for one identity end up sharing a single row.
func (s *Store) InsertPending(ctx context.Context, spec JobSpec) (*Job, bool, error) {
	return s.insertOrFetch(ctx, spec, JobStatusPending)
}

func (s *Store) insertOrFetch(ctx context.Context, spec JobSpec, status JobStatus) (*Job, bool, error) {
	argID := ArgsToIdentifier(spec.Args)
	attempt := spec.AttemptNumber
	if attempt < 1 {
		attempt = 1
	}

	// The existing row can complete between a conflicting insert and the
	// fetch, so retry a few times before giving up.
	for i := 0; i < 3; i++ {
		now := s.now()
		var startDate interface{}
		if status == JobStatusInProgress {
			startDate = s.t(now)
		}

		var id int64
		err := s.queryRow(ctx, `INSERT INTO jobs (
				job_name, arg_identifier, source_id, user_id, status,
				attempt_number, scheduled_start_date, start_date,
				create_date, modify_date
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
			RETURNING id`,
			spec.Name, argID, nullInt64(spec.SourceID), nullInt64(spec.UserID), string(status),
			attempt, s.dialect.NullTimeArg(spec.ScheduledStartDate), startDate,
			s.t(now), s.t(now),
		).Scan(&id)

		switch {
		case err == nil:
			job, err := s.Get(ctx, id)
			if err != nil {
				return nil, false, err
			}
			return job, true, nil
		case errors.Is(err, sql.ErrNoRows):
			existing, err := s.findIncomplete(ctx, spec.Name, argID)
			if err != nil {
				return nil, false, err
			}
			if existing != nil {
				return existing, false, nil
			}
		case db.IsUniqueViolation(err):
			// Some drivers report the conflict instead of skipping the row
			existing, ferr := s.findIncomplete(ctx, spec.Name, argID)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing != nil {
				return existing, false, nil
			}
		default:
			return nil, false, errors.Wrapf(err, "failed to insert job %s", spec.Name)
		}
	}

	return nil, false, errors.Wrapf(errors.ErrStorageConflict,
		"job %s / %s kept completing while being fetched", spec.Name, argID)
}

// LatestCompleted returns the most recent completed job with the identity,
// or nil when there is none.
func (s *Store) LatestCompleted(ctx context.Context, name, argID string) (*Job, error) {
	row := s.queryRow(ctx, `SELECT `+StandardJobSelectColumns()+`
		FROM jobs
		WHERE job_name = ? AND arg_identifier = ?
		  AND status IN ('success', 'failure')
		ORDER BY id DESC
		LIMIT 1`, name, argID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest completed job")
	}
	return job, nil
}

func (s *Store) updateOne(ctx context.Context, id int64, what, query string, args ...interface{}) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return jobDetail(errors.Wrapf(err, "failed to set %s", what), id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return jobDetail(errors.Wrapf(errors.ErrNotFound, "job %d", id), id)
	}
	return nil
}

// SetAttemptNumber records the attempt number of an incomplete job.
func (s *Store) SetAttemptNumber(ctx context.Context, id int64, attempt int) error {
	return s.updateOne(ctx, id, "attempt number",
		`UPDATE jobs SET attempt_number = ?, modify_date = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')`,
		attempt, s.t(s.now()), id)
}

// SetScheduledStart sets or clears the scheduled start of a pending job.
func (s *Store) SetScheduledStart(ctx context.Context, id int64, start *time.Time) error {
	return s.updateOne(ctx, id, "scheduled start",
		`UPDATE jobs SET scheduled_start_date = ?, modify_date = ?
		WHERE id = ? AND status = 'pending'`,
		s.dialect.NullTimeArg(start), s.t(s.now()), id)
}

// SetPersist flags a job so cleanup keeps it. Allowed in any status.
func (s *Store) SetPersist(ctx context.Context, id int64, persist bool) error {
	return s.updateOne(ctx, id, "persist",
		`UPDATE jobs SET persist = ? WHERE id = ?`, persist, id)
}

// SetHidden flags a job so default listings skip it. Allowed in any status.
func (s *Store) SetHidden(ctx context.Context, id int64, hidden bool) error {
	return s.updateOne(ctx, id, "hidden",
		`UPDATE jobs SET hidden = ? WHERE id = ?`, hidden, id)
}

// cleanDuplicatePending deletes every pending row for the identity but the
// lowest id. Such rows only exist when the unique index was missing or
// bypassed; they are removed the first time the identity is started.
func (s *Store) cleanDuplicatePending(ctx context.Context, name, argID string) (int64, error) {
	var count int
	var keep sql.NullInt64
	err := s.queryRow(ctx, `SELECT COUNT(*), MIN(id) FROM jobs
		WHERE job_name = ? AND arg_identifier = ? AND status = 'pending'`,
		name, argID).Scan(&count, &keep)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pending jobs")
	}
	if count <= 1 {
		return 0, nil
	}

	res, err := s.exec(ctx, `DELETE FROM jobs
		WHERE job_name = ? AND arg_identifier = ? AND status = 'pending' AND id <> ?`,
		name, argID, keep.Int64)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete duplicate pending jobs")
	}
	return res.RowsAffected()
}

// StartPending moves the pending job with the identity to in_progress.
// Returns (nil, nil) when there is no pending job, and ErrLockContention
// when another worker holds or wins the row.
func (s *Store) StartPending(ctx context.Context, name, argID string) (*Job, error) {
	if _, err := s.cleanDuplicatePending(ctx, name, argID); err != nil {
		return nil, err
	}

	var started *Job
	err := db.RunInTx(ctx, s.db, func(ctx context.Context) error {
		var id int64
		err := s.queryRow(ctx, `SELECT id FROM jobs
			WHERE job_name = ? AND arg_identifier = ? AND status = 'pending'
			ORDER BY id
			LIMIT 1`+s.dialect.LockNoWait(), name, argID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		now := s.now()
		res, err := s.exec(ctx, `UPDATE jobs
			SET status = 'in_progress', start_date = ?, modify_date = ?
			WHERE id = ? AND status = 'pending'`,
			s.t(now), s.t(now), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.ErrLockContention
		}

		started, err = s.Get(ctx, id)
		return err
	})

	if err != nil {
		if errors.Is(err, errors.ErrLockContention) || db.IsLockNotAvailable(err) {
			return nil, errors.Wrapf(errors.ErrLockContention, "job %s / %s", name, argID)
		}
		return nil, errors.Wrapf(err, "failed to start job %s / %s", name, argID)
	}
	return started, nil
}

// CreateInProgress creates the job directly in_progress. When an incomplete
// job with the identity already exists it is returned with created=false
// and left untouched.
func (s *Store) CreateInProgress(ctx context.Context, spec JobSpec) (*Job, bool, error) {
	return s.insertOrFetch(ctx, spec, JobStatusInProgress)
}

// Finish moves an incomplete job to success or failure. Reports false when
// the job was already complete.
func (s *Store) Finish(ctx context.Context, id int64, success bool, message string) (bool, error) {
	status := JobStatusFailure
	if success {
		status = JobStatusSuccess
	}

	res, err := s.exec(ctx, `UPDATE jobs
		SET status = ?, result_message = ?, modify_date = ?
		WHERE id = ? AND status IN ('pending', 'in_progress')`,
		string(status), message, s.t(s.now()), id)
	if err != nil {
		return false, jobDetail(errors.Wrap(err, "failed to finish job"), id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// FinishMany finishes several jobs in one transaction.
func (s *Store) FinishMany(ctx context.Context, finishes []Finish) error {
	if len(finishes) == 0 {
		return nil
	}
	return db.RunInTx(ctx, s.db, func(ctx context.Context) error {
		for _, f := range finishes {
			if _, err := s.Finish(ctx, f.JobID, f.Success, f.Message); err != nil {
				return err
			}
		}
		return nil
	})
}

// Expedite sets a pending job's scheduled start to now. Reports false
// when the job isn't pending.
func (s *Store) Expedite(ctx context.Context, id int64) (bool, error) {
	now := s.now()
	res, err := s.exec(ctx, `UPDATE jobs
		SET scheduled_start_date = ?, modify_date = ?
		WHERE id = ? AND status = 'pending'`,
		s.t(now), s.t(now), id)
	if err != nil {
		return false, jobDetail(errors.Wrap(err, "failed to expedite job"), id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Fabricate inserts job as given, bypassing the insert-or-fetch path.
// Zero dates default to now. Returns the new id.
func (s *Store) Fabricate(ctx context.Context, job *Job) (int64, error) {
	now := s.now()
	if job.CreateDate.IsZero() {
		job.CreateDate = now
	}
	if job.ModifyDate.IsZero() {
		job.ModifyDate = now
	}
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	if job.AttemptNumber < 1 {
		job.AttemptNumber = 1
	}

	var id int64
	err := s.queryRow(ctx, `INSERT INTO jobs (
			job_name, arg_identifier, source_id, user_id, status, result_message,
			attempt_number, persist, hidden,
			create_date, scheduled_start_date, start_date, modify_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		job.Name, job.ArgIdentifier, nullInt64(job.SourceID), nullInt64(job.UserID),
		string(job.Status), job.ResultMessage, job.AttemptNumber, job.Persist, job.Hidden,
		s.t(job.CreateDate), s.dialect.NullTimeArg(job.ScheduledStartDate),
		s.dialect.NullTimeArg(job.StartDate), s.t(job.ModifyDate),
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to fabricate job %s", job.Name)
	}
	job.ID = id
	return id, nil
}

// BulkCreate inserts pending jobs in one statement. Callers must know the
// identities cannot conflict with existing incomplete jobs.
func (s *Store) BulkCreate(ctx context.Context, specs []JobSpec) (int64, error) {
	if len(specs) == 0 {
		return 0, nil
	}

	now := s.t(s.now())
	var b strings.Builder
	b.WriteString(`INSERT INTO jobs (
		job_name, arg_identifier, source_id, user_id, status,
		attempt_number, scheduled_start_date, create_date, modify_date
	) VALUES `)
	args := make([]interface{}, 0, len(specs)*9)
	for i, spec := range specs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, 'pending', 1, ?, ?, ?)")
		args = append(args,
			spec.Name, ArgsToIdentifier(spec.Args),
			nullInt64(spec.SourceID), nullInt64(spec.UserID),
			s.dialect.NullTimeArg(spec.ScheduledStartDate), now, now)
	}

	res, err := s.exec(ctx, b.String(), args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to bulk create %d jobs", len(specs))
	}
	return res.RowsAffected()
}

// ListDue returns pending jobs whose scheduled start is unset or not after
// now, ordered by (scheduled start, id). With includeFuture every pending
// job is due.
func (s *Store) ListDue(ctx context.Context, now time.Time, includeFuture bool) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE status = 'pending'`
	var args []interface{}
	if !includeFuture {
		query += ` AND (scheduled_start_date IS NULL OR scheduled_start_date <= ?)`
		args = append(args, s.t(now))
	}
	query += ` ORDER BY scheduled_start_date ASC NULLS FIRST, id ASC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "due jobs")
}

// ListStuck returns in_progress jobs of the category whose modify_date
// lies in (after, notAfter], oldest first.
func (s *Store) ListStuck(ctx context.Context, category StuckCategory, after, notAfter time.Time) ([]*Job, error) {
	filter := `NOT EXISTS`
	if category == StuckHighSpec {
		filter = `EXISTS`
	}

	rows, err := s.query(ctx, `SELECT `+StandardJobSelectColumns()+`
		FROM jobs
		WHERE status = 'in_progress'
		  AND modify_date > ? AND modify_date <= ?
		  AND `+filter+` (
			SELECT 1 FROM remote_jobs r
			WHERE r.internal_job_id = jobs.id AND r.spec_level = 'high'
		  )
		ORDER BY modify_date, id`,
		s.t(after), s.t(notAfter))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list stuck %s jobs", category)
	}
	defer rows.Close()

	return scanJobs(rows, "stuck jobs")
}

// DeleteOld deletes jobs last modified before cutoff that are neither
// persisted nor referenced by an API job unit. Returns the count.
func (s *Store) DeleteOld(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM jobs
		WHERE modify_date < ?
		  AND persist = ?
		  AND NOT EXISTS (
			SELECT 1 FROM api_job_units u WHERE u.internal_job_id = jobs.id
		  )`,
		s.t(cutoff), false)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old jobs")
	}
	return res.RowsAffected()
}

// ListFilter narrows List.
type ListFilter struct {
	Status        JobStatus
	Name          string
	SourceID      *int64
	IncludeHidden bool
	Limit         int
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Name != "" {
		where = append(where, "job_name = ?")
		args = append(args, f.Name)
	}
	if f.SourceID != nil {
		where = append(where, "source_id = ?")
		args = append(args, *f.SourceID)
	}
	if !f.IncludeHidden {
		where = append(where, "hidden = ?")
		args = append(args, false)
	}

	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// Stats counts jobs per status.
func (s *Store) Stats(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := map[JobStatus]int{
		JobStatusPending:    0,
		JobStatusInProgress: 0,
		JobStatusSuccess:    0,
		JobStatusFailure:    0,
	}
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

// CountIncomplete counts pending and in-progress jobs named one of names
// that belong to sourceID.
func (s *Store) CountIncomplete(ctx context.Context, names []string, sourceID int64) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(names)+1)
	for _, n := range names {
		args = append(args, n)
	}
	args = append(args, sourceID)

	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM jobs
		WHERE job_name IN (`+db.Placeholders(len(names))+`)
		  AND source_id = ?
		  AND status IN ('pending', 'in_progress')`, args...).Scan(&n)
	return n, errors.Wrap(err, "failed to count incomplete jobs")
}

// RecentCompleted returns completed jobs with one of names, last modified
// in [since, until).
func (s *Store) RecentCompleted(ctx context.Context, names []string, since, until time.Time) ([]*Job, error) {
	if len(names) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(names)+2)
	for _, n := range names {
		args = append(args, n)
	}
	args = append(args, s.t(since), s.t(until))

	rows, err := s.query(ctx, `SELECT `+StandardJobSelectColumns()+`
		FROM jobs
		WHERE job_name IN (`+db.Placeholders(len(names))+`)
		  AND status IN ('success', 'failure')
		  AND modify_date >= ? AND modify_date < ?
		ORDER BY modify_date`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent completed jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "recent jobs")
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}
