// Package async provides the persistent job records behind pulse scheduling.
package async

import (
	"strconv"
	"strings"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusSuccess    JobStatus = "success"
	JobStatusFailure    JobStatus = "failure"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusInProgress, JobStatusSuccess, JobStatusFailure:
		return true
	default:
		return false
	}
}

// Incomplete reports whether the status is pending or in progress.
func (s JobStatus) Incomplete() bool {
	return s == JobStatusPending || s == JobStatusInProgress
}

// Completed reports whether the status is terminal.
func (s JobStatus) Completed() bool {
	return s == JobStatusSuccess || s == JobStatusFailure
}

// Job is one logical unit of background work.
//
// Jobs with the same Name and ArgIdentifier do the same thing; at most one
// of them may be incomplete at any time. Completed jobs stay around as
// history until cleanup removes them.
type Job struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"job_name"`
	ArgIdentifier      string     `json:"arg_identifier"`
	SourceID           *int64     `json:"source_id,omitempty"`
	UserID             *int64     `json:"user_id,omitempty"`
	Status             JobStatus  `json:"status"`
	ResultMessage      string     `json:"result_message"`
	AttemptNumber      int        `json:"attempt_number"`
	Persist            bool       `json:"persist"`
	Hidden             bool       `json:"hidden"`
	CreateDate         time.Time  `json:"create_date"`
	ScheduledStartDate *time.Time `json:"scheduled_start_date,omitempty"`
	StartDate          *time.Time `json:"start_date,omitempty"`
	ModifyDate         time.Time  `json:"modify_date"`
}

// Args returns the job's arguments in string form.
func (j *Job) Args() []string {
	return IdentifierToArgs(j.ArgIdentifier)
}

// Token is the identifier handed to remote services for this job.
func (j *Job) Token() string {
	return strconv.FormatInt(j.ID, 10)
}

// String renders "name / args, attempt N", omitting empty parts.
func (j *Job) String() string {
	s := j.Name
	if j.ArgIdentifier != "" {
		s += " / " + j.ArgIdentifier
	}
	if j.AttemptNumber > 1 {
		s += ", attempt " + strconv.Itoa(j.AttemptNumber)
	}
	return s
}

// ArgsToIdentifier joins args with commas.
func ArgsToIdentifier(args []string) string {
	return strings.Join(args, ",")
}

// IdentifierToArgs splits an identifier back into args.
// Args containing commas do not survive the round trip.
func IdentifierToArgs(identifier string) []string {
	if identifier == "" {
		return nil
	}
	return strings.Split(identifier, ",")
}

// Int64Args renders integer arguments, the common case for entity ids.
func Int64Args(ids ...int64) []string {
	args := make([]string, len(ids))
	for i, id := range ids {
		args[i] = strconv.FormatInt(id, 10)
	}
	return args
}

// JobSpec describes a job to insert.
type JobSpec struct {
	Name               string
	Args               []string
	SourceID           *int64
	UserID             *int64
	AttemptNumber      int
	ScheduledStartDate *time.Time
}

// Finish is one entry of a bulk finish.
type Finish struct {
	JobID   int64
	Success bool
	Message string
}

// StuckCategory selects which in-progress jobs a stuck query considers.
type StuckCategory string

const (
	// StuckDefault covers jobs without a high-spec remote job.
	StuckDefault StuckCategory = "default"
	// StuckHighSpec covers jobs waiting on a high-spec remote job.
	StuckHighSpec StuckCategory = "high"
)
