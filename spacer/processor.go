package spacer

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
)

// Processor runs backend tasks in process.
type Processor interface {
	// Process runs every task in msg. Failures come back as a !OK message
	// carrying a traceback, never as a Go error.
	Process(ctx context.Context, msg JobMsg) JobReturnMsg
	// ClassifyFeatures scores already extracted features.
	ClassifyFeatures(ctx context.Context, msg ClassifyFeaturesMsg) (*ClassifyReturnMsg, error)
}

// Simulator is a Processor for local deployments and tests. It returns
// well-formed results with scores derived from a hash of the inputs, so
// the same request always yields the same answer.
type Simulator struct {
	// Classes are the label ids every classification scores against.
	Classes []int64
	// Accuracy is reported for every newly trained classifier.
	Accuracy float64
	// PreviousAccuracy is reported for every previous classifier.
	PreviousAccuracy float64

	mu       sync.Mutex
	failures map[string]string
}

// NewSimulator creates a simulator scoring against classes.
func NewSimulator(classes ...int64) *Simulator {
	if len(classes) == 0 {
		classes = []int64{1, 2}
	}
	return &Simulator{Classes: classes, Accuracy: 0.8, PreviousAccuracy: 0.7}
}

// FailWith makes every following taskName job fail with traceback.
// An empty traceback clears the failure.
func (s *Simulator) FailWith(taskName, traceback string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		s.failures = make(map[string]string)
	}
	if traceback == "" {
		delete(s.failures, taskName)
		return
	}
	s.failures[taskName] = traceback
}

func (s *Simulator) failure(taskName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, ok := s.failures[taskName]
	return tb, ok
}

func (s *Simulator) Process(ctx context.Context, msg JobMsg) JobReturnMsg {
	ret := JobReturnMsg{OriginalJob: msg}
	if tb, ok := s.failure(msg.TaskName); ok {
		ret.ErrorMessage = tb
		return ret
	}

	for _, task := range msg.Tasks {
		res, err := s.processTask(task)
		if err != nil {
			ret.ErrorMessage = traceback(err)
			ret.Results = nil
			return ret
		}
		raw, err := json.Marshal(res)
		if err != nil {
			ret.ErrorMessage = traceback(err)
			ret.Results = nil
			return ret
		}
		ret.Results = append(ret.Results, raw)
	}
	ret.OK = true
	return ret
}

func (s *Simulator) processTask(task Task) (interface{}, error) {
	switch task.Kind {
	case TaskExtractFeatures:
		var p ExtractFeaturesPayload
		if err := task.DecodePayload(&p); err != nil {
			return nil, err
		}
		return ExtractFeaturesResult{Runtime: 0.5}, nil

	case TaskTrainClassifier:
		var p TrainClassifierPayload
		if err := task.DecodePayload(&p); err != nil {
			return nil, err
		}
		res := TrainClassifierResult{Runtime: 2, Acc: s.Accuracy, RefAccs: []float64{s.Accuracy}}
		for range p.PreviousClassifierIDs {
			res.PcAccs = append(res.PcAccs, s.PreviousAccuracy)
		}
		return res, nil

	case TaskClassifyImage:
		var p ClassifyImagePayload
		if err := task.DecodePayload(&p); err != nil {
			return nil, err
		}
		return s.score(p.ImageURL, p.ClassifierID, p.RowCols), nil
	}
	return nil, fmt.Errorf("unknown task kind %q", task.Kind)
}

func (s *Simulator) ClassifyFeatures(ctx context.Context, msg ClassifyFeaturesMsg) (*ClassifyReturnMsg, error) {
	if tb, ok := s.failure("classify_features"); ok {
		return nil, ParseRemoteError(tb)
	}
	return s.score(msg.FeatureKey, msg.ClassifierID, msg.RowCols), nil
}

func (s *Simulator) score(key string, classifierID int64, rowcols []RowCol) *ClassifyReturnMsg {
	ret := &ClassifyReturnMsg{
		Runtime:     0.1,
		Classes:     append([]int64(nil), s.Classes...),
		ValidRowCol: true,
	}
	for _, rc := range rowcols {
		h := fnv.New32a()
		fmt.Fprintf(h, "%s|%d|%d|%d", key, classifierID, rc.Row, rc.Col)
		winner := int(h.Sum32() % uint32(len(s.Classes)))

		scores := make([]float64, len(s.Classes))
		rest := 0.4 / float64(max(len(s.Classes)-1, 1))
		for i := range scores {
			scores[i] = rest
		}
		scores[winner] = 0.6
		if len(scores) == 1 {
			scores[0] = 1
		}
		ret.Scores = append(ret.Scores, PointScores{Row: rc.Row, Col: rc.Col, Scores: scores})
	}
	return ret
}

// traceback renders err the way the backend reports uncaught errors.
func traceback(err error) string {
	return "Traceback (most recent call last):\n  (in-process)\n" + fmt.Sprintf("RuntimeError: %v", err)
}
