package jobs

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"

	"github.com/teranos/spacerjobs/errors"
)

// OutcomeKind tags how a handler finished.
type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeExpectedFailure
	OutcomeUnexpectedFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOk:
		return "ok"
	case OutcomeExpectedFailure:
		return "expected_failure"
	case OutcomeUnexpectedFailure:
		return "unexpected_failure"
	default:
		return "unknown"
	}
}

// Outcome is what a handler returns instead of raising.
//
// Expected failures are routine: they become the job's result message and
// nothing else. Unexpected failures also alert operators and land in the
// error log.
type Outcome struct {
	Kind      OutcomeKind
	Message   string
	ErrorKind string // unexpected failures only
	Trace     string // unexpected failures only
}

func Ok(message string) Outcome {
	return Outcome{Kind: OutcomeOk, Message: message}
}

func ExpectedFailure(message string) Outcome {
	return Outcome{Kind: OutcomeExpectedFailure, Message: message}
}

func UnexpectedFailure(kind, message, trace string) Outcome {
	return Outcome{Kind: OutcomeUnexpectedFailure, ErrorKind: kind, Message: message, Trace: trace}
}

// OutcomeFromError maps nil to Ok(""), a JobError anywhere in the chain to
// an expected failure, and anything else to an unexpected failure carrying
// the error's type name and full stack.
func OutcomeFromError(err error) Outcome {
	if err == nil {
		return Ok("")
	}
	if msg, ok := errors.JobErrorMessage(err); ok {
		return ExpectedFailure(msg)
	}
	return UnexpectedFailure(ErrorKind(err), err.Error(), fmt.Sprintf("%+v", err))
}

// outcomeFromPanic converts a recovered panic value.
func outcomeFromPanic(r interface{}) Outcome {
	if err, ok := r.(error); ok {
		o := OutcomeFromError(err)
		if o.Kind == OutcomeUnexpectedFailure {
			o.Trace = string(debug.Stack())
		}
		return o
	}
	return UnexpectedFailure("panic", fmt.Sprint(r), string(debug.Stack()))
}

// Generic wrapper and leaf types carry no useful name.
var anonymousErrorTypes = map[string]bool{
	"errorString": true,
	"wrapError":   true,
	"wrapErrors":  true,
	"joinError":   true,
	"plainError":  true,
}

// ErrorKind names err by the dynamic type of the outermost error in its
// chain that isn't a generic wrapper, without the package or pointer,
// e.g. "PathError". Chains of anonymous errors render "Error".
func ErrorKind(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		if strings.HasPrefix(t.PkgPath(), "github.com/cockroachdb/errors") {
			continue
		}
		if name := t.Name(); name != "" && !anonymousErrorTypes[name] {
			return name
		}
	}
	return "Error"
}

// Success reports whether the job should finish as success.
func (o Outcome) Success() bool { return o.Kind == OutcomeOk }

// Alerts reports whether the outcome demands operator attention.
func (o Outcome) Alerts() bool { return o.Kind == OutcomeUnexpectedFailure }

// ResultMessage is the text stored on the job.
func (o Outcome) ResultMessage() string {
	if o.Kind == OutcomeUnexpectedFailure {
		return o.ErrorKind + ": " + o.Message
	}
	return o.Message
}

func (o Outcome) String() string {
	return o.Kind.String() + ": " + o.ResultMessage()
}
