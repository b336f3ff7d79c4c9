package vision

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/pulse/jobs"
)

// CheckAllSources schedules a check of every source, spread over the
// check window.
func (t *Tasks) CheckAllSources(ctx context.Context) jobs.Outcome {
	sources, err := t.catalog.Sources(ctx)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	scheduled := 0
	for _, src := range sources {
		created, err := t.ScheduleSourceCheck(ctx, src.ID, jobs.WithDelay(t.checkDelay()))
		if err != nil {
			return jobs.OutcomeFromError(err)
		}
		if created {
			scheduled++
		}
	}
	return jobs.Ok(fmt.Sprintf("Scheduled checks for %d source(s)", scheduled))
}

// CheckSource works out the next step a source needs from the vision
// backend, in order: feature extraction, training, classification. It
// schedules the jobs for the first step with work to do.
func (t *Tasks) CheckSource(ctx context.Context, args []string) jobs.Outcome {
	sourceID, err := intArg(args, 0, "source_id")
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	src, err := t.catalog.Source(ctx, sourceID)
	if errors.IsNotFoundError(err) {
		return jobs.ExpectedFailure(fmt.Sprintf("Can't find source %d", sourceID))
	}
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if src.FeatureExtractor == "" {
		return jobs.Ok("Machine classification isn't configured for this source")
	}

	deadline := t.m.Now().Add(t.cfg.MaxDuration)
	var caveat string

	// Feature extraction
	notExtracted, err := t.catalog.ImagesWithoutFeatures(ctx, sourceID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	var toExtract []int64
	var tooLarge *Image
	for _, img := range notExtracted {
		if img.Pixels() > t.cfg.MaxImagePixels {
			if tooLarge == nil {
				tooLarge = img
			}
			continue
		}
		toExtract = append(toExtract, img.ID)
	}

	if len(toExtract) > 0 {
		training, err := t.m.Store().CountIncomplete(ctx, []string{TrainClassifierName}, sourceID)
		if err != nil {
			return jobs.OutcomeFromError(err)
		}
		// Extracting now could swap feature files under a running training.
		if training > 0 {
			return jobs.Ok("Feature extraction(s) ready, but not submitted due to training in progress")
		}
		n, timedOut, err := t.scheduleEach(ctx, ExtractFeaturesName, sourceID, toExtract, deadline)
		if err != nil {
			return jobs.OutcomeFromError(err)
		}
		if n == 0 {
			return jobs.Ok("Waiting for feature extraction(s) to finish")
		}
		return jobs.Ok(withTimedOut(fmt.Sprintf("Scheduled %d feature extraction(s)", n), timedOut))
	}
	if tooLarge != nil {
		caveat = fmt.Sprintf("At least one image has too large of a resolution to extract"+
			" features (example: image ID %d).", tooLarge.ID)
	}

	// Classifier training
	ready, reason, err := t.readyToTrain(ctx, src)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if ready {
		_, created, err := t.m.ScheduleJob(ctx, TrainClassifierName,
			[]string{strconv.FormatInt(sourceID, 10)}, jobs.WithSource(sourceID))
		if err != nil {
			return jobs.OutcomeFromError(err)
		}
		if created {
			return jobs.Ok("Scheduled training")
		}
		return jobs.Ok("Waiting for training to finish")
	}

	// Image classification
	if src.DeployedClassifierID == nil {
		return jobs.Ok("Can't train first classifier: " + reason)
	}
	// A deployed classifier that already made the latest robot annotations
	// has most likely been through every image, leaving only new ones.
	latest, err := t.catalog.LatestAnnotationClassifier(ctx, sourceID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	deployedUsed := latest != nil && *latest == *src.DeployedClassifierID
	toClassify, err := t.catalog.ClassifiableImages(ctx, sourceID, deployedUsed)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	if len(toClassify) > 0 {
		ids := make([]int64, len(toClassify))
		for i, img := range toClassify {
			ids[i] = img.ID
		}
		n, timedOut, err := t.scheduleEach(ctx, ClassifyFeaturesName, sourceID, ids, deadline)
		if err != nil {
			return jobs.OutcomeFromError(err)
		}
		if n == 0 {
			return jobs.Ok("Waiting for image classification(s) to finish")
		}
		return jobs.Ok(withTimedOut(fmt.Sprintf("Scheduled %d image classification(s)", n), timedOut))
	}

	if caveat != "" {
		return jobs.Ok(caveat + " Otherwise, the source seems to be all caught up. " + reason)
	}
	return jobs.Ok("Source seems to be all caught up. " + reason)
}

// scheduleEach schedules name for each image and counts the jobs created.
// The deadline is checked every 10 creations.
func (t *Tasks) scheduleEach(ctx context.Context, name string, sourceID int64, imageIDs []int64, deadline time.Time) (int, bool, error) {
	n := 0
	for _, id := range imageIDs {
		_, created, err := t.m.ScheduleJob(ctx, name, []string{strconv.FormatInt(id, 10)}, jobs.WithSource(sourceID))
		if err != nil {
			return n, false, err
		}
		if !created {
			continue
		}
		n++
		if n%10 == 0 && t.m.Now().After(deadline) {
			return n, true, nil
		}
	}
	return n, false, nil
}

func withTimedOut(msg string, timedOut bool) string {
	if timedOut {
		return msg + " (timed out)"
	}
	return msg
}

// readyToTrain reports whether the source has enough new training data
// for another classifier. When it doesn't, reason says why.
func (t *Tasks) readyToTrain(ctx context.Context, src *Source) (bool, string, error) {
	if !src.TrainsOwnClassifiers {
		return false, "Source has training disabled.", nil
	}
	images, err := t.catalog.TrainableImages(ctx, src.ID)
	if err != nil {
		return false, "", err
	}
	trained, err := t.catalog.TrainedClassifiers(ctx, src.ID)
	if err != nil {
		return false, "", err
	}

	if len(trained) == 0 {
		if len(images) < t.cfg.MinTrainImages {
			return false, fmt.Sprintf(
				"Need a minimum of %d confirmed images with features to train the first classifier,"+
					" and currently have %d.", t.cfg.MinTrainImages, len(images)), nil
		}
		return true, "", nil
	}

	// Measured against the last training, accepted or rejected.
	last := trained[len(trained)-1]
	needed := int(math.Ceil(t.cfg.NewImagesRatio * float64(last.NbrTrainImages)))
	if len(images) < needed {
		return false, fmt.Sprintf(
			"Need %d confirmed images with features for the next training, and currently have %d.",
			needed, len(images)), nil
	}
	return true, "", nil
}
