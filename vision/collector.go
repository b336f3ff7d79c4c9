package vision

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/jobs"
)

// CollectSpacerJobs collects and handles spacer results until nothing is
// left to collect or the time box runs out. It runs as a tracked job, so
// only one collector is ever active and no result is handled twice.
func (t *Tasks) CollectSpacerJobs(ctx context.Context) jobs.Outcome {
	deadline := t.m.Now().Add(t.cfg.MaxDuration)

	collectable, err := t.queue.GetCollectableJobs(ctx)
	if err != nil {
		return jobs.OutcomeFromError(err)
	}

	counts := make(map[string]int)
	timedOut := false
	for _, c := range collectable {
		res, status, err := t.queue.CollectJob(ctx, c)
		if err != nil {
			t.log.Errorw("Failed to collect spacer job",
				logger.FieldRemoteToken, c.RemoteToken,
				logger.FieldError, err)
			if status == "" {
				status = "ERROR"
			}
		}
		counts[status]++
		t.m.Metrics().CollectorResult(status)

		if res != nil {
			if h, ok := t.handlers[res.OriginalJob.TaskName]; ok {
				h.Handle(ctx, res)
			} else {
				t.log.Errorw("No handler for spacer task",
					logger.FieldJobName, res.OriginalJob.TaskName,
					logger.FieldRemoteToken, c.RemoteToken)
			}
		}

		if t.m.Now().After(deadline) {
			timedOut = true
			break
		}
	}

	msg := "Jobs checked/collected: " + countsString(counts)
	if timedOut {
		msg += " (timed out)"
	}
	return jobs.Ok(msg)
}

// countsString renders status counts alphabetically by status, "0" when
// there are none.
func countsString(counts map[string]int) string {
	if len(counts) == 0 {
		return "0"
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = fmt.Sprintf("%d %s", counts[s], s)
	}
	return strings.Join(parts, ", ")
}
