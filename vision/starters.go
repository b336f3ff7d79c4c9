package vision

import (
	"context"
	"fmt"
	"strconv"

	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/pulse/jobs"
	"github.com/teranos/spacerjobs/spacer"
)

// SpecForPixels picks the remote spec for extracting an image of the given
// resolution.
func SpecForPixels(pixels int64) spacer.JobSpec {
	if pixels >= HighSpecPixels {
		return spacer.SpecHigh
	}
	return spacer.SpecMedium
}

// SpecForAnnotations picks the remote spec for training on the given
// number of annotations.
func SpecForAnnotations(count int) spacer.JobSpec {
	if count >= HighSpecAnnotations {
		return spacer.SpecHigh
	}
	return spacer.SpecMedium
}

func imageKey(img *Image) string { return fmt.Sprintf("images/%d/%s", img.SourceID, img.Name) }
func featureKey(imageID int64) string { return fmt.Sprintf("features/%d.featurevector", imageID) }

func (t *Tasks) submit(ctx context.Context, taskName string, jobID int64, payload interface{}, spec spacer.JobSpec) error {
	msg, err := spacer.NewJobMsg(taskName, strconv.FormatInt(jobID, 10), payload)
	if err != nil {
		return err
	}
	return t.queue.SubmitJob(ctx, msg, jobID, spec)
}

// SubmitFeatures starts extract_features(image_id).
func (t *Tasks) SubmitFeatures(ctx context.Context, args []string, jobID int64) jobs.Outcome {
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
	src, err := t.catalog.Source(ctx, img.SourceID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if src.FeatureExtractor == "" {
		return jobs.ExpectedFailure("No feature extractor configured for this source.")
	}

	points, err := t.catalog.Points(ctx, imageID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	rowcols := make([]spacer.RowCol, len(points))
	for i, p := range points {
		rowcols[i] = p.RowCol()
	}

	payload := spacer.ExtractFeaturesPayload{
		Extractor:  src.FeatureExtractor,
		RowCols:    rowcols,
		ImageKey:   imageKey(img),
		FeatureKey: featureKey(imageID),
	}
	if err := t.submit(ctx, ExtractFeaturesName, jobID, payload, SpecForPixels(img.Pixels())); err != nil {
		return jobs.OutcomeFromError(err)
	}
	return jobs.Ok("")
}

// SubmitClassifier starts train_classifier(source_id).
func (t *Tasks) SubmitClassifier(ctx context.Context, args []string, jobID int64) jobs.Outcome {
	sourceID, err := intArg(args, 0, "source_id")
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	src, err := t.catalog.Source(ctx, sourceID)
	if errors.IsNotFoundError(err) {
		return jobs.ExpectedFailure(fmt.Sprintf("Source %d does not exist.", sourceID))
	}
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if !src.TrainsOwnClassifiers {
		return jobs.ExpectedFailure("Training is disabled for this source")
	}

	images, err := t.catalog.TrainableImages(ctx, sourceID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	var noRowCols, wrongFormat []int64
	featureKeys := make([]string, 0, len(images))
	imageIDs := make([]int64, 0, len(images))
	for _, img := range images {
		f, err := t.catalog.Features(ctx, img.ID)
		if err != nil {
			return jobs.OutcomeFromError(err)
		}
		switch {
		case !f.HasRowCols:
			noRowCols = append(noRowCols, img.ID)
		case f.Extractor != src.FeatureExtractor:
			wrongFormat = append(wrongFormat, img.ID)
		}
		featureKeys = append(featureKeys, featureKey(img.ID))
		imageIDs = append(imageIDs, img.ID)
	}
	if len(noRowCols) > 0 {
		if _, err := t.catalog.ResetFeatures(ctx, sourceID, noRowCols...); err != nil {
			return jobs.OutcomeFromError(err)
		}
		return jobs.ExpectedFailure(fmt.Sprintf(
			"This source has %d feature vector(s) without rows/columns,"+
				" and this is no longer accepted for training."+
				" Feature extractions will be redone to fix this.", len(noRowCols)))
	}
	if len(wrongFormat) > 0 {
		if _, err := t.catalog.ResetFeatures(ctx, sourceID, wrongFormat...); err != nil {
			return jobs.OutcomeFromError(err)
		}
		return jobs.ExpectedFailure(fmt.Sprintf(
			"This source has %d feature vector(s) which don't match the source's feature format."+
				" Feature extractions will be redone to fix this.", len(wrongFormat)))
	}

	previous, err := t.catalog.AcceptedClassifiers(ctx, sourceID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	annotationCount, err := t.catalog.CountAnnotations(ctx, imageIDs)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}

	classifier := &Classifier{SourceID: sourceID, TrainJobID: &jobID, NbrTrainImages: len(images)}
	if err := t.catalog.CreateClassifier(ctx, classifier); err != nil {
		return jobs.OutcomeFromError(err)
	}

	payload := spacer.TrainClassifierPayload{
		ClassifierID:    classifier.ID,
		FeatureKeys:     featureKeys,
		Epochs:          t.cfg.TrainingEpochs,
		AnnotationCount: annotationCount,
	}
	for _, pc := range previous {
		payload.PreviousClassifierIDs = append(payload.PreviousClassifierIDs, pc.ID)
	}
	if err := t.submit(ctx, TrainClassifierName, jobID, payload, SpecForAnnotations(annotationCount)); err != nil {
		return jobs.OutcomeFromError(err)
	}
	return jobs.Ok("")
}

// Deploy starts classify_image(api_job_id, unit_order) for a deploy-API
// unit. Image size is unknown up front, so it always asks for medium.
func (t *Tasks) Deploy(ctx context.Context, args []string, jobID int64) jobs.Outcome {
	apiJobID, err := intArg(args, 0, "api_job_id")
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	order, err := intArg(args, 1, "unit_order")
	if err != nil {
		return jobs.OutcomeFromError(err)
	}

	unit, err := t.catalog.APIJobUnit(ctx, apiJobID, int(order))
	if errors.IsNotFoundError(err) {
		return jobs.ExpectedFailure(fmt.Sprintf("Job unit [%d / %d] does not exist.", apiJobID, order))
	}
	if err != nil {
		return jobs.OutcomeFromError(err)
	}

	classifierID := unit.Request.ClassifierID
	classifier, err := t.catalog.Classifier(ctx, classifierID)
	if errors.IsNotFoundError(err) {
		return jobs.ExpectedFailure(fmt.Sprintf(
			"Classifier of id %d does not exist. Maybe it was deleted.", classifierID))
	}
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	src, err := t.catalog.Source(ctx, classifier.SourceID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}

	if unit.InternalJobID == nil || *unit.InternalJobID != jobID {
		if err := t.catalog.SetAPIJobUnitJob(ctx, unit.ID, jobID); err != nil {
			return jobs.OutcomeFromError(err)
		}
	}

	payload := spacer.ClassifyImagePayload{
		ImageURL:     unit.Request.URL,
		Extractor:    src.FeatureExtractor,
		ClassifierID: classifierID,
	}
	for _, p := range unit.Request.Points {
		payload.RowCols = append(payload.RowCols, spacer.RowCol{Row: p.Row, Col: p.Column})
	}
	if err := t.submit(ctx, ClassifyImageName, jobID, payload, spacer.SpecMedium); err != nil {
		return jobs.OutcomeFromError(err)
	}
	return jobs.Ok("")
}
