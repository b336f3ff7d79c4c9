package errors

import "fmt"

// JobError is an anticipated, domain-level job failure. Its message is
// shown to users as the job's result message and it never alerts operators.
type JobError struct {
	msg string
}

func (e *JobError) Error() string { return e.msg }

// NewJobError creates a JobError with a formatted message.
func NewJobError(format string, args ...interface{}) error {
	if len(args) == 0 {
		return &JobError{msg: format}
	}
	return &JobError{msg: fmt.Sprintf(format, args...)}
}

// IsJobError reports whether err is or wraps a JobError.
func IsJobError(err error) bool {
	var je *JobError
	return err != nil && As(err, &je)
}

// JobErrorMessage returns the message of the innermost JobError in err's
// chain, without any wrapping context. ok is false when err has none.
func JobErrorMessage(err error) (msg string, ok bool) {
	var je *JobError
	if err == nil || !As(err, &je) {
		return "", false
	}
	return je.msg, true
}
