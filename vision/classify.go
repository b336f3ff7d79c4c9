package vision

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/jobs"
	"github.com/teranos/spacerjobs/spacer"
)

var errRowColumnMismatch = errors.New("scores don't line up with the image's points")

// ClassifyFeatures classifies an image's extracted features in process and
// saves the resulting robot annotations and scores.
func (t *Tasks) ClassifyFeatures(ctx context.Context, args []string) jobs.Outcome {
	imageID, err := intArg(args, 0, "image_id")
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	img, err := t.catalog.Image(ctx, imageID)
	if errors.IsNotFoundError(err) {
		return jobs.ExpectedFailure(fmt.Sprintf("Image %d does not exist.", imageID))
	}
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	features, err := t.catalog.Features(ctx, imageID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if !features.Extracted {
		return jobs.ExpectedFailure(fmt.Sprintf(
			"Image %d needs to have features extracted before being classified.", imageID))
	}
	src, err := t.catalog.Source(ctx, img.SourceID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if src.DeployedClassifierID == nil {
		return jobs.ExpectedFailure(fmt.Sprintf(
			"Image %d can't be classified; its source doesn't have a classifier.", imageID))
	}
	classifierID := *src.DeployedClassifierID
	if features.Extractor != src.FeatureExtractor {
		if _, err := t.catalog.ResetFeatures(ctx, src.ID, imageID); err != nil {
			return jobs.OutcomeFromError(err)
		}
		return jobs.ExpectedFailure("This image's features don't match the source's feature format." +
			" Feature extraction will be redone to fix this.")
	}

	points, err := t.catalog.Points(ctx, imageID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	msg := spacer.ClassifyFeaturesMsg{
		JobToken:     strconv.FormatInt(imageID, 10),
		FeatureKey:   featureKey(imageID),
		ClassifierID: classifierID,
	}
	for _, p := range points {
		msg.RowCols = append(msg.RowCols, p.RowCol())
	}

	res, err := t.processor.ClassifyFeatures(ctx, msg)
	if err != nil {
		var remoteErr *spacer.RemoteError
		if errors.As(err, &remoteErr) {
			return jobs.UnexpectedFailure(remoteErr.Kind(), remoteErr.Info, remoteErr.Traceback)
		}
		return jobs.OutcomeFromError(err)
	}

	if !img.Confirmed {
		err := t.saveAnnotations(ctx, img, classifierID, points, res)
		if errors.IsStorageConflict(err) || errors.Is(err, errRowColumnMismatch) {
			t.log.Infow("Annotation save conflicted",
				logger.FieldJobName, ClassifyFeaturesName,
				"image_id", imageID,
				logger.FieldError, err)
			return jobs.ExpectedFailure(fmt.Sprintf(
				"Failed to save annotations for image %d."+
					" The image's points or annotations might have changed concurrently, try again.", imageID))
		}
		if err != nil {
			return jobs.OutcomeFromError(err)
		}
	}

	// Scores are saved even for confirmed images.
	err = t.saveScores(ctx, imageID, points, res)
	if errors.IsStorageConflict(err) || errors.Is(err, errRowColumnMismatch) {
		return jobs.ExpectedFailure(fmt.Sprintf(
			"Failed to save scores for image %d."+
				" The image's points might have changed concurrently, try again.", imageID))
	}
	if err != nil {
		return jobs.OutcomeFromError(err)
	}

	// The source may be caught up once this is the last classification.
	n, err := t.m.Store().CountIncomplete(ctx, []string{ClassifyFeaturesName}, src.ID)
	if err == nil && n <= 1 {
		if _, err := t.ScheduleSourceCheck(ctx, src.ID); err != nil {
			t.log.Warnw("Failed to schedule source check", logger.FieldSourceID, src.ID, logger.FieldError, err)
		}
	}

	return jobs.Ok(fmt.Sprintf("Used classifier %d", classifierID))
}

// pointScores finds each point's scores, by location when the result
// carries locations and by position otherwise.
func pointScores(points []Point, res *spacer.ClassifyReturnMsg) ([][]float64, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(points))
	for i, p := range points {
		if res.ValidRowCol {
			scores, ok := res.ScoresAt(p.RowCol())
			if !ok {
				return nil, errors.Wrapf(errRowColumnMismatch, "no scores for point %d", p.Number)
			}
			out[i] = scores
			continue
		}
		if i >= len(res.Scores) {
			return nil, errors.Wrapf(errRowColumnMismatch, "no scores for point %d", p.Number)
		}
		out[i] = res.Scores[i].Scores
	}
	return out, nil
}

func (t *Tasks) saveAnnotations(ctx context.Context, img *Image, classifierID int64, points []Point, res *spacer.ClassifyReturnMsg) error {
	scores, err := pointScores(points, res)
	if err != nil {
		return err
	}
	batch := make([]RobotAnnotation, len(points))
	for i, p := range points {
		best := 0
		for j, s := range scores[i] {
			if s > scores[i][best] {
				best = j
			}
		}
		batch[i] = RobotAnnotation{PointID: p.ID, LabelID: res.Classes[best]}
	}
	return t.annotations.SaveBatch(ctx, img.ID, classifierID, batch)
}

func (t *Tasks) saveScores(ctx context.Context, imageID int64, points []Point, res *spacer.ClassifyReturnMsg) error {
	scores, err := pointScores(points, res)
	if err != nil {
		return err
	}
	n := min(t.cfg.ScoresPerPoint, len(res.Classes))
	var out []PointScore
	for i, p := range points {
		idx := make([]int, len(scores[i]))
		for j := range idx {
			idx[j] = j
		}
		sort.SliceStable(idx, func(a, b int) bool { return scores[i][idx[a]] > scores[i][idx[b]] })
		for _, j := range idx[:min(n, len(idx))] {
			out = append(out, PointScore{PointID: p.ID, LabelID: res.Classes[j], Score: scores[i][j]})
		}
	}
	return t.annotations.ReplaceScores(ctx, imageID, out)
}
