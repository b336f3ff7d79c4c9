package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"math"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/errorlog"
	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/async"
	"github.com/teranos/spacerjobs/pulse/jobs"
	"github.com/teranos/spacerjobs/spacer"
)

// Remote error classes the handlers react to.
const (
	ErrClassRowColumnMismatch = "spacer.exceptions.RowColumnMismatchError"
	ErrClassRowColumnInvalid  = "spacer.exceptions.RowColumnInvalidError"
	ErrClassDataLimit         = "spacer.exceptions.DataLimitError"
	ErrClassURLDownload       = "spacer.exceptions.URLDownloadError"
	ErrClassUnidentifiedImage = "PIL.UnidentifiedImageError"
)

// TaskHandler handles the result of one type of spacer job.
type TaskHandler interface {
	// JobName is both the internal job name and the spacer task name.
	JobName() string
	// NonPriorityErrors are remote error classes that are routine enough
	// not to alert operators.
	NonPriorityErrors() []string
	// HandleTaskResult applies a result to the catalog. remoteErr is set
	// when the backend failed the job.
	HandleTaskResult(ctx context.Context, job *async.Job, task spacer.Task, res *spacer.JobReturnMsg, remoteErr *spacer.RemoteError) jobs.Outcome
	// AfterFinishing runs once the internal job is finished.
	AfterFinishing(ctx context.Context, job *async.Job)
}

// ResultHandler routes a spacer result to its TaskHandler and finishes the
// internal job.
type ResultHandler struct {
	TaskHandler
	m         *jobs.Manager
	softLimit int
	log       *zap.SugaredLogger
}

func (t *Tasks) newResultHandler(h TaskHandler) *ResultHandler {
	return &ResultHandler{
		TaskHandler: h,
		m:           t.m,
		softLimit:   t.cfg.EmailSizeSoftLimit,
		log:         t.log.With(logger.FieldJobName, h.JobName()),
	}
}

// Handle processes res.
func (h *ResultHandler) Handle(ctx context.Context, res *spacer.JobReturnMsg) {
	var remoteErr *spacer.RemoteError
	if !res.OK {
		remoteErr = spacer.ParseRemoteError(res.ErrorMessage)
		if !slices.Contains(h.NonPriorityErrors(), remoteErr.Class) {
			h.alert(ctx, res, remoteErr)
		}
	}

	task, err := res.Task()
	if err != nil {
		h.log.Errorw("Spacer result has no task", logger.FieldError, err)
		return
	}
	jobID, err := strconv.ParseInt(task.JobToken, 10, 64)
	if err != nil {
		h.log.Errorw("Spacer result has a bad job token", "job_token", task.JobToken)
		return
	}

	job, err := h.m.Store().Get(ctx, jobID)
	if errors.IsNotFoundError(err) {
		h.log.Infow(fmt.Sprintf("Job %d doesn't exist anymore.", jobID), logger.FieldJobID, jobID)
		return
	}
	if err != nil {
		h.log.Errorw("Failed to load job for spacer result", logger.FieldJobID, jobID, logger.FieldError, err)
		return
	}
	if job.Status.Completed() {
		h.log.Infow("Job already finished, ignoring its spacer result",
			logger.FieldJobID, jobID,
			logger.FieldStatus, string(job.Status))
		return
	}

	out := h.handleTaskResult(ctx, job, task, res, remoteErr)
	if out.Alerts() {
		h.report(ctx, job, out)
	}

	if err := h.m.FinishJob(ctx, job, out.Success(), out.ResultMessage()); err != nil {
		h.log.Errorw("Failed to finish job", logger.FieldJobID, jobID, logger.FieldError, err)
		return
	}
	h.AfterFinishing(ctx, job)
}

func (h *ResultHandler) handleTaskResult(ctx context.Context, job *async.Job, task spacer.Task, res *spacer.JobReturnMsg, remoteErr *spacer.RemoteError) (out jobs.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = jobs.UnexpectedFailure("panic", fmt.Sprint(r), string(debug.Stack()))
		}
	}()
	return h.HandleTaskResult(ctx, job, task, res, remoteErr)
}

// report surfaces an unexpected failure of the handler itself.
func (h *ResultHandler) report(ctx context.Context, job *async.Job, out jobs.Outcome) {
	h.log.Errorw("Unexpected error handling spacer result",
		logger.FieldJobID, job.ID,
		logger.FieldErrorType, out.ErrorKind,
		logger.FieldError, out.Message)
	h.m.Metrics().UnexpectedFailure(job.Name)
	h.m.Notifier().Notify(ctx,
		"Error in job: "+job.Name,
		out.ErrorKind+": "+out.Message+"\n\n"+out.Trace)
	h.record(ctx, errorlog.Entry{
		Kind: out.ErrorKind,
		HTML: "<pre>" + html.EscapeString(out.Trace) + "</pre>",
		Path: "Spacer - " + h.JobName(),
		Info: out.Message,
		Data: out.Trace,
	})
}

// alert tells operators about a priority remote error.
func (h *ResultHandler) alert(ctx context.Context, res *spacer.JobReturnMsg, remoteErr *spacer.RemoteError) {
	repr := h.repr(res)
	h.m.Notifier().Notify(ctx, "Spacer job failed: "+h.JobName(), repr)
	h.record(ctx, errorlog.Entry{
		Kind: remoteErr.Kind(),
		HTML: "<pre>" + html.EscapeString(remoteErr.Traceback) + "</pre>",
		Path: "Spacer - " + h.JobName(),
		Info: remoteErr.Info,
		Data: repr,
	})
}

func (h *ResultHandler) record(ctx context.Context, e errorlog.Entry) {
	if el := h.m.ErrorLog(); el != nil {
		el.Record(ctx, e)
	}
}

func (h *ResultHandler) repr(res *spacer.JobReturnMsg) string {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Sprintf("%+v", *res)
	}
	s := string(raw)
	if len(s) > h.softLimit {
		s = s[:h.softLimit] + " ...(truncated)"
	}
	return s
}

// extract_features

type featuresHandler struct{ t *Tasks }

func (featuresHandler) JobName() string { return ExtractFeaturesName }

func (featuresHandler) NonPriorityErrors() []string {
	// Usually a race with point regeneration that the next attempt fixes.
	return []string{ErrClassRowColumnMismatch}
}

func (h featuresHandler) HandleTaskResult(ctx context.Context, job *async.Job, task spacer.Task, res *spacer.JobReturnMsg, remoteErr *spacer.RemoteError) jobs.Outcome {
	imageID, err := intArg(job.Args(), 0, "image_id")
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	img, err := h.t.catalog.Image(ctx, imageID)
	if errors.IsNotFoundError(err) {
		return jobs.ExpectedFailure(fmt.Sprintf("Image %d doesn't exist anymore.", imageID))
	}
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if remoteErr != nil {
		return jobs.ExpectedFailure(remoteErr.Message)
	}

	var payload spacer.ExtractFeaturesPayload
	if err := task.DecodePayload(&payload); err != nil {
		return jobs.OutcomeFromError(err)
	}
	var result spacer.ExtractFeaturesResult
	if err := res.DecodeResult(&result); err != nil {
		return jobs.OutcomeFromError(err)
	}

	points, err := h.t.catalog.Points(ctx, imageID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if !sameRowCols(points, payload.RowCols) {
		return jobs.ExpectedFailure(fmt.Sprintf(
			"Row-col data for image %d has changed since this task was submitted.", imageID))
	}

	src, err := h.t.catalog.Source(ctx, img.SourceID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if payload.Extractor != src.FeatureExtractor {
		return jobs.ExpectedFailure("Feature extractor selection has changed since this task was submitted.")
	}

	now := h.t.m.Now()
	runtime := result.Runtime
	err = h.t.catalog.SaveFeatures(ctx, &Features{
		ImageID:       imageID,
		Extracted:     true,
		Extractor:     payload.Extractor,
		HasRowCols:    true,
		RuntimeTotal:  &runtime,
		ExtractedDate: &now,
	})
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	return jobs.Ok("")
}

func (h featuresHandler) AfterFinishing(ctx context.Context, job *async.Job) {
	h.t.checkSourceIfIdle(ctx, job.SourceID)
}

// sameRowCols compares point locations as sets.
func sameRowCols(points []Point, rowcols []spacer.RowCol) bool {
	have := make(map[spacer.RowCol]bool, len(points))
	for _, p := range points {
		have[p.RowCol()] = true
	}
	want := make(map[spacer.RowCol]bool, len(rowcols))
	for _, rc := range rowcols {
		if !have[rc] {
			return false
		}
		want[rc] = true
	}
	return len(have) == len(want)
}

// train_classifier

type trainHandler struct{ t *Tasks }

func (trainHandler) JobName() string { return TrainClassifierName }

func (trainHandler) NonPriorityErrors() []string {
	// Points regenerated while training data was gathered. Re-extracting
	// the source's features recovers from it.
	return []string{ErrClassRowColumnMismatch}
}

func (h trainHandler) HandleTaskResult(ctx context.Context, job *async.Job, task spacer.Task, res *spacer.JobReturnMsg, remoteErr *spacer.RemoteError) jobs.Outcome {
	cat := h.t.catalog
	var payload spacer.TrainClassifierPayload
	if err := task.DecodePayload(&payload); err != nil {
		return jobs.OutcomeFromError(err)
	}
	classifier, err := cat.Classifier(ctx, payload.ClassifierID)
	if errors.IsNotFoundError(err) {
		return jobs.ExpectedFailure(fmt.Sprintf("Classifier %d doesn't exist anymore.", payload.ClassifierID))
	}
	if err != nil {
		return jobs.OutcomeFromError(err)
	}

	if remoteErr != nil {
		classifier.Status = ClassifierError
		if err := cat.UpdateClassifier(ctx, classifier); err != nil {
			return jobs.OutcomeFromError(err)
		}
		if remoteErr.Class == ErrClassRowColumnMismatch {
			if _, err := cat.ResetFeatures(ctx, classifier.SourceID); err != nil {
				return jobs.OutcomeFromError(err)
			}
		}
		return jobs.ExpectedFailure(remoteErr.Message)
	}

	var result spacer.TrainClassifierResult
	if err := res.DecodeResult(&result); err != nil {
		return jobs.OutcomeFromError(err)
	}
	prevIDs := payload.PreviousClassifierIDs
	if len(prevIDs) != len(result.PcAccs) {
		return jobs.ExpectedFailure(fmt.Sprintf(
			"Number of previous classifiers doesn't match between job (%d) and results (%d).",
			len(prevIDs), len(result.PcAccs)))
	}

	classifier.RuntimeTrain = &result.Runtime
	classifier.Accuracy = &result.Acc
	if err := cat.UpdateClassifier(ctx, classifier); err != nil {
		return jobs.OutcomeFromError(err)
	}

	if len(prevIDs) > 0 {
		maxPrev := math.Inf(-1)
		for _, acc := range result.PcAccs {
			maxPrev = math.Max(maxPrev, acc)
		}
		threshold := maxPrev * h.t.cfg.NewClassifierImprovementTH
		if threshold > result.Acc {
			classifier.Status = ClassifierRejected
			if err := cat.UpdateClassifier(ctx, classifier); err != nil {
				return jobs.OutcomeFromError(err)
			}
			return jobs.Ok(fmt.Sprintf(
				"Not accepted as the source's new classifier."+
					" Highest accuracy among previous classifiers on the latest dataset: %.2f,"+
					" threshold to accept new: %.2f, accuracy from this training: %.2f",
				maxPrev, threshold, result.Acc))
		}
	}

	for i, pcID := range prevIDs {
		pc, err := cat.Classifier(ctx, pcID)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return jobs.OutcomeFromError(err)
		}
		acc := result.PcAccs[i]
		pc.Accuracy = &acc
		if err := cat.UpdateClassifier(ctx, pc); err != nil {
			return jobs.OutcomeFromError(err)
		}
	}

	classifier.Status = ClassifierAccepted
	if err := cat.UpdateClassifier(ctx, classifier); err != nil {
		return jobs.OutcomeFromError(err)
	}
	src, err := cat.Source(ctx, classifier.SourceID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if src.TrainsOwnClassifiers {
		if err := cat.SetDeployedClassifier(ctx, src.ID, classifier.ID); err != nil {
			return jobs.OutcomeFromError(err)
		}
	}
	return jobs.Ok(fmt.Sprintf("New classifier accepted: %d", classifier.ID))
}

func (h trainHandler) AfterFinishing(ctx context.Context, job *async.Job) {
	// Successful trainings are classifier history.
	if job.Status == async.JobStatusSuccess {
		if err := h.t.m.Store().SetPersist(ctx, job.ID, true); err != nil {
			h.t.log.Warnw("Failed to persist training job", logger.FieldJobID, job.ID, logger.FieldError, err)
		}
	}
	h.t.checkSourceIfIdle(ctx, job.SourceID)
}

// classify_image

type classifyHandler struct{ t *Tasks }

func (classifyHandler) JobName() string { return ClassifyImageName }

func (classifyHandler) NonPriorityErrors() []string {
	// All of these come down to what the API user sent.
	return []string{
		ErrClassUnidentifiedImage,
		ErrClassDataLimit,
		ErrClassRowColumnInvalid,
		ErrClassURLDownload,
	}
}

// Classification is one label's score in a deploy-API result.
type Classification struct {
	LabelID int64   `json:"label_id"`
	Score   float64 `json:"score"`
}

// PointResult is one point of a deploy-API result.
type PointResult struct {
	Row             int              `json:"row"`
	Column          int              `json:"column"`
	Classifications []Classification `json:"classifications"`
}

// UnitResult is the result document of a deploy-API unit.
type UnitResult struct {
	URL    string        `json:"url"`
	Points []PointResult `json:"points"`
}

func (h classifyHandler) HandleTaskResult(ctx context.Context, job *async.Job, task spacer.Task, res *spacer.JobReturnMsg, remoteErr *spacer.RemoteError) jobs.Outcome {
	unit, err := h.t.catalog.APIJobUnitForJob(ctx, job.ID)
	if errors.IsNotFoundError(err) {
		return jobs.ExpectedFailure(fmt.Sprintf("API job unit for internal-job %d does not exist.", job.ID))
	}
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if remoteErr != nil {
		return jobs.ExpectedFailure(remoteErr.Message)
	}

	var result spacer.ClassifyReturnMsg
	if err := res.DecodeResult(&result); err != nil {
		return jobs.OutcomeFromError(err)
	}
	classifierID := unit.Request.ClassifierID
	if _, err := h.t.catalog.Classifier(ctx, classifierID); errors.IsNotFoundError(err) {
		return jobs.ExpectedFailure(fmt.Sprintf("Classifier of id %d does not exist.", classifierID))
	} else if err != nil {
		return jobs.OutcomeFromError(err)
	}

	points, err := buildPointResults(&result, h.t.cfg.ScoresPerPoint)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	doc := UnitResult{URL: unit.Request.URL, Points: points}
	if err := h.t.catalog.SetAPIJobUnitResult(ctx, unit.ID, doc); err != nil {
		return jobs.OutcomeFromError(err)
	}
	return jobs.Ok("")
}

func (classifyHandler) AfterFinishing(ctx context.Context, job *async.Job) {}

// buildPointResults keeps the top n scores of each point, best first.
func buildPointResults(res *spacer.ClassifyReturnMsg, n int) ([]PointResult, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	n = min(n, len(res.Classes))
	out := make([]PointResult, 0, len(res.Scores))
	for _, ps := range res.Scores {
		idx := make([]int, len(ps.Scores))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return ps.Scores[idx[a]] > ps.Scores[idx[b]] })

		pr := PointResult{Row: ps.Row, Column: ps.Col}
		for _, i := range idx[:min(n, len(idx))] {
			pr.Classifications = append(pr.Classifications, Classification{LabelID: res.Classes[i], Score: ps.Scores[i]})
		}
		out = append(out, pr)
	}
	return out, nil
}
