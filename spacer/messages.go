// Package spacer talks to the remote vision backend: the job and result
// messages, and the queues that carry them.
package spacer

import (
	"encoding/json"
	"strings"

	"github.com/teranos/spacerjobs/errors"
)

// JobSpec is the resource tier a remote job asks for.
type JobSpec string

const (
	SpecLow    JobSpec = "low"
	SpecMedium JobSpec = "medium"
	SpecHigh   JobSpec = "high"
)

// Task names shared with the backend. Each equals the job name of the
// internal job that submitted it.
const (
	TaskExtractFeatures = "extract_features"
	TaskTrainClassifier = "train_classifier"
	TaskClassifyImage   = "classify_image"
)

// Task is one unit of work inside a JobMsg. JobToken is the internal job id.
type Task struct {
	JobToken string          `json:"job_token"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// JobMsg is what gets submitted to the backend.
type JobMsg struct {
	TaskName string `json:"task_name"`
	Tasks    []Task `json:"tasks"`
}

// JobReturnMsg is what the backend hands back. Results line up with
// OriginalJob.Tasks when OK; ErrorMessage holds a traceback otherwise.
type JobReturnMsg struct {
	OriginalJob  JobMsg            `json:"original_job"`
	OK           bool              `json:"ok"`
	Results      []json.RawMessage `json:"results"`
	ErrorMessage string            `json:"error_message"`
}

// Task returns the first task. Jobs are always submitted with one.
func (m *JobReturnMsg) Task() (Task, error) {
	if len(m.OriginalJob.Tasks) == 0 {
		return Task{}, errors.Newf("%s job has no tasks", m.OriginalJob.TaskName)
	}
	return m.OriginalJob.Tasks[0], nil
}

// DecodeResult unmarshals the first result into v.
func (m *JobReturnMsg) DecodeResult(v interface{}) error {
	if len(m.Results) == 0 {
		return errors.Newf("%s job returned no results", m.OriginalJob.TaskName)
	}
	return errors.Wrapf(json.Unmarshal(m.Results[0], v), "decoding %s result", m.OriginalJob.TaskName)
}

// NewJobMsg wraps a single payload in a JobMsg.
func NewJobMsg(taskName, jobToken string, payload interface{}) (JobMsg, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return JobMsg{}, errors.Wrapf(err, "encoding %s payload", taskName)
	}
	return JobMsg{
		TaskName: taskName,
		Tasks:    []Task{{JobToken: jobToken, Kind: taskName, Payload: raw}},
	}, nil
}

// DecodePayload unmarshals the task's payload into v.
func (t Task) DecodePayload(v interface{}) error {
	return errors.Wrapf(json.Unmarshal(t.Payload, v), "decoding %s payload", t.Kind)
}

// RowCol is a point location in pixels.
type RowCol struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// ExtractFeaturesPayload asks for features at the given points.
type ExtractFeaturesPayload struct {
	Extractor  string   `json:"extractor"`
	RowCols    []RowCol `json:"rowcols"`
	ImageKey   string   `json:"image_key"`
	FeatureKey string   `json:"feature_key"`
}

// ExtractFeaturesResult reports a finished extraction.
type ExtractFeaturesResult struct {
	Runtime                 float64 `json:"runtime"`
	ExtractorLoadedRemotely bool    `json:"extractor_loaded_remotely"`
}

// TrainClassifierPayload asks for a new classifier. Previous classifiers
// are re-evaluated on the same validation set for comparison.
type TrainClassifierPayload struct {
	ClassifierID          int64    `json:"classifier_id"`
	PreviousClassifierIDs []int64  `json:"previous_classifier_ids"`
	FeatureKeys           []string `json:"feature_keys"`
	Epochs                int      `json:"epochs"`
	AnnotationCount       int      `json:"annotation_count"`
}

// TrainClassifierResult reports accuracies of the new and previous
// classifiers.
type TrainClassifierResult struct {
	Runtime float64   `json:"runtime"`
	Acc     float64   `json:"acc"`
	PcAccs  []float64 `json:"pc_accs"`
	RefAccs []float64 `json:"ref_accs"`
}

// ClassifyImagePayload asks to classify points of an image by URL.
type ClassifyImagePayload struct {
	ImageURL     string   `json:"image_url"`
	Extractor    string   `json:"extractor"`
	RowCols      []RowCol `json:"rowcols"`
	ClassifierID int64    `json:"classifier_id"`
}

// ClassifyFeaturesMsg asks to classify already extracted features.
type ClassifyFeaturesMsg struct {
	JobToken     string   `json:"job_token"`
	FeatureKey   string   `json:"feature_key"`
	ClassifierID int64    `json:"classifier_id"`
	RowCols      []RowCol `json:"rowcols"`
}

// PointScores are the per-class scores of one point.
type PointScores struct {
	Row    int       `json:"row"`
	Col    int       `json:"col"`
	Scores []float64 `json:"scores"`
}

// ClassifyReturnMsg holds classification scores. Classes are label ids in
// score order.
type ClassifyReturnMsg struct {
	Runtime     float64       `json:"runtime"`
	Classes     []int64       `json:"classes"`
	Scores      []PointScores `json:"scores"`
	ValidRowCol bool          `json:"valid_rowcol"`
}

// ErrMalformedResult marks a classification result whose scores don't
// match its classes.
var ErrMalformedResult = errors.New("malformed classification result")

// Validate checks that every point has exactly one score per class.
func (m *ClassifyReturnMsg) Validate() error {
	if len(m.Classes) == 0 && len(m.Scores) > 0 {
		return errors.Wrap(ErrMalformedResult, "scores without classes")
	}
	for _, s := range m.Scores {
		if len(s.Scores) != len(m.Classes) {
			return errors.Wrapf(ErrMalformedResult,
				"point (%d, %d) has %d score(s) for %d class(es)", s.Row, s.Col, len(s.Scores), len(m.Classes))
		}
	}
	return nil
}

// ScoresAt returns the scores for a point location.
func (m *ClassifyReturnMsg) ScoresAt(rc RowCol) ([]float64, bool) {
	for _, s := range m.Scores {
		if s.Row == rc.Row && s.Col == rc.Col {
			return s.Scores, true
		}
	}
	return nil, false
}

// RemoteError is the summary of a backend traceback.
type RemoteError struct {
	// Class is the dotted exception class, such as spacer.exceptions.DataLimitError.
	Class string
	// Info is the text after the class, trimmed.
	Info string
	// Message is the whole summary line.
	Message string
	// Traceback is the full text.
	Traceback string
}

// Kind is the class name without its module path.
func (e *RemoteError) Kind() string {
	if i := strings.LastIndex(e.Class, "."); i >= 0 {
		return e.Class[i+1:]
	}
	return e.Class
}

func (e *RemoteError) Error() string { return e.Message }

// ParseRemoteError summarizes a traceback by its last non-empty line,
// splitting "module.Class: info" at the first colon.
func ParseRemoteError(traceback string) *RemoteError {
	lines := strings.Split(strings.TrimRight(traceback, "\r\n\t "), "\n")
	summary := ""
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimRight(lines[i], "\r"); strings.TrimSpace(line) != "" {
			summary = line
			break
		}
	}

	e := &RemoteError{Message: summary, Traceback: traceback, Class: summary}
	if class, info, ok := strings.Cut(summary, ":"); ok {
		e.Class = class
		e.Info = strings.TrimSpace(info)
	}
	return e
}
