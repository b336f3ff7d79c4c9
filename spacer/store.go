package spacer

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/spacerjobs/db"
	"github.com/teranos/spacerjobs/errors"
)

// RemoteJob tracks one job handed to the asynchronous backend.
type RemoteJob struct {
	ID            int64
	InternalJobID int64
	JobToken      string
	RemoteToken   string
	JobHash       string
	Status        string
	Spec          JobSpec
	CreateDate    time.Time
	ModifyDate    time.Time
}

// RemoteJobStore persists RemoteJobs in the remote_jobs table.
type RemoteJobStore struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewRemoteJobStore creates a store on conn.
func NewRemoteJobStore(conn *sql.DB, dialect db.Dialect) *RemoteJobStore {
	return &RemoteJobStore{db: conn, dialect: dialect, now: time.Now}
}

// WithClock returns a copy of the store using now for its dates.
func (s *RemoteJobStore) WithClock(now func() time.Time) *RemoteJobStore {
	c := *s
	c.now = now
	return &c
}

// DB returns the underlying connection pool.
func (s *RemoteJobStore) DB() *sql.DB { return s.db }

// Insert saves rj as SUBMITTED and sets its ID.
func (s *RemoteJobStore) Insert(ctx context.Context, rj *RemoteJob) error {
	now := s.now()
	if rj.Status == "" {
		rj.Status = StatusSubmitted
	}
	q := s.dialect.Rebind(`INSERT INTO remote_jobs
		(internal_job_id, job_token, remote_token, job_hash, status, spec_level, create_date, modify_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := db.From(ctx, s.db).QueryRowContext(ctx, q,
		rj.InternalJobID, rj.JobToken, rj.RemoteToken, rj.JobHash, rj.Status, string(rj.Spec),
		s.dialect.TimeArg(now), s.dialect.TimeArg(now)).Scan(&rj.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.WithDetailf(
				errors.Wrapf(errors.ErrConflict, "job %d already has a remote job", rj.InternalJobID),
				"Remote token: %s", rj.RemoteToken)
		}
		return errors.Wrap(err, "failed to insert remote job")
	}
	rj.CreateDate, rj.ModifyDate = now, now
	return nil
}

// Collectable returns this deployment's jobs that haven't reached a final
// status, oldest first, with the task name of their internal job.
func (s *RemoteJobStore) Collectable(ctx context.Context, jobHash string) ([]Collectable, error) {
	rows, err := db.From(ctx, s.db).QueryContext(ctx, s.dialect.Rebind(`SELECT
		rj.id, j.job_name, rj.job_token, rj.remote_token
		FROM remote_jobs rj JOIN jobs j ON j.id = rj.internal_job_id
		WHERE rj.status NOT IN (?, ?) AND rj.job_hash = ?
		ORDER BY rj.id`), StatusSucceeded, StatusFailed, jobHash)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list collectable remote jobs")
	}
	defer rows.Close()

	var out []Collectable
	for rows.Next() {
		var c Collectable
		if err := rows.Scan(&c.ID, &c.TaskName, &c.JobToken, &c.RemoteToken); err != nil {
			return nil, errors.Wrap(err, "failed to scan remote job")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "error iterating remote jobs")
}

// Get returns the remote job with id.
func (s *RemoteJobStore) Get(ctx context.Context, id int64) (*RemoteJob, error) {
	var rj RemoteJob
	var spec string
	var created, modified db.NullTime
	err := db.From(ctx, s.db).QueryRowContext(ctx, s.dialect.Rebind(`SELECT
		id, internal_job_id, job_token, remote_token, job_hash, status, spec_level, create_date, modify_date
		FROM remote_jobs WHERE id = ?`), id).Scan(
		&rj.ID, &rj.InternalJobID, &rj.JobToken, &rj.RemoteToken, &rj.JobHash, &rj.Status, &spec, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("remote job %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get remote job %d", id)
	}
	rj.Spec = JobSpec(spec)
	rj.CreateDate, rj.ModifyDate = created.Time, modified.Time
	return &rj, nil
}

// SetStatus records the latest status reported by the backend.
func (s *RemoteJobStore) SetStatus(ctx context.Context, id int64, status string) error {
	_, err := db.From(ctx, s.db).ExecContext(ctx, s.dialect.Rebind(
		`UPDATE remote_jobs SET status = ?, modify_date = ? WHERE id = ?`),
		status, s.dialect.TimeArg(s.now()), id)
	return errors.Wrapf(err, "failed to update remote job %d", id)
}
