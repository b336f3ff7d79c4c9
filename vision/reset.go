package vision

import (
	"context"
	"fmt"

	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/jobs"
)

// ResetFeaturesForSource marks every feature vector of the source as not
// extracted, then schedules a source check so extraction starts over.
func (t *Tasks) ResetFeaturesForSource(ctx context.Context, args []string) jobs.Outcome {
	sourceID, err := intArg(args, 0, "source_id")
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	n, err := t.catalog.ResetFeatures(ctx, sourceID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	t.log.Infow("Reset source features",
		logger.FieldSourceID, sourceID,
		logger.FieldCount, n)
	if _, err := t.ScheduleSourceCheck(ctx, sourceID); err != nil {
		return jobs.OutcomeFromError(err)
	}
	return jobs.Ok(fmt.Sprintf("Reset %d feature vector(s)", n))
}

// ResetClassifiersForSource removes the source's classifiers, their scores
// and unconfirmed annotations. A source check follows since the source can
// probably train a new classifier.
func (t *Tasks) ResetClassifiersForSource(ctx context.Context, args []string) jobs.Outcome {
	sourceID, err := intArg(args, 0, "source_id")
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	n, err := t.catalog.ClearClassifiers(ctx, sourceID)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}
	t.log.Infow("Reset source classifiers",
		logger.FieldSourceID, sourceID,
		logger.FieldCount, n)
	if _, err := t.ScheduleSourceCheck(ctx, sourceID); err != nil {
		return jobs.OutcomeFromError(err)
	}
	return jobs.Ok(fmt.Sprintf("Deleted %d classifier(s)", n))
}
