package async

import (
	"database/sql"

	"github.com/teranos/spacerjobs/db"
)

// JobScanArgs holds the nullable columns scanned alongside a Job.
type JobScanArgs struct {
	SourceID           sql.NullInt64
	UserID             sql.NullInt64
	CreateDate         db.NullTime
	ScheduledStartDate db.NullTime
	StartDate          db.NullTime
	ModifyDate         db.NullTime
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order.
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Name,
		&job.ArgIdentifier,
		&args.SourceID,
		&args.UserID,
		&job.Status,
		&job.ResultMessage,
		&job.AttemptNumber,
		&job.Persist,
		&job.Hidden,
		&args.CreateDate,
		&args.ScheduledStartDate,
		&args.StartDate,
		&args.ModifyDate,
	}
}

// ProcessJobScanArgs copies the scanned nullable columns onto job.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.SourceID.Valid {
		v := args.SourceID.Int64
		job.SourceID = &v
	}
	if args.UserID.Valid {
		v := args.UserID.Int64
		job.UserID = &v
	}
	job.CreateDate = args.CreateDate.Time
	job.ScheduledStartDate = args.ScheduledStartDate.Ptr()
	job.StartDate = args.StartDate.Ptr()
	job.ModifyDate = args.ModifyDate.Time
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a single job from a *sql.Row or *sql.Rows.
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args JobScanArgs
	if err := row.Scan(GetJobScanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	ProcessJobScanArgs(&job, &args)
	return &job, nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, job_name, arg_identifier, source_id, user_id,
		status, result_message, attempt_number, persist, hidden,
		create_date, scheduled_start_date, start_date, modify_date`
}
