package vision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/spacerjobs/pulse/async"
	"github.com/teranos/spacerjobs/spacer"
)

func TestCollectNothing(t *testing.T) {
	h := newHarness(t)
	out := h.tasks.CollectSpacerJobs(context.Background())
	assert.True(t, out.Success())
	assert.Equal(t, "Jobs checked/collected: 0", out.Message)
}

func TestCollectCountsStatusesAlphabetically(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := h.source(t, "Site A", true)
	ok1 := h.image(t, src, false, rc(1, 1))
	ok2 := h.image(t, src, false, rc(2, 2))
	h.run(t, ExtractFeaturesName, []string{id(ok1.ID)})
	h.run(t, ExtractFeaturesName, []string{id(ok2.ID)})

	h.sim.FailWith(ExtractFeaturesName, "Traceback (most recent call last):\n"+ErrClassRowColumnMismatch+": moved")
	bad := h.image(t, src, false, rc(3, 3))
	h.run(t, ExtractFeaturesName, []string{id(bad.ID)})

	out := h.tasks.CollectSpacerJobs(ctx)
	assert.Equal(t, "Jobs checked/collected: 1 FAILED, 2 SUCCEEDED", out.Message)
	assert.Zero(t, h.queue.Len())
}

func TestCollectStopsAtDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := h.source(t, "Site A", true)
	for i := 0; i < 3; i++ {
		img := h.image(t, src, false, rc(i, i))
		h.run(t, ExtractFeaturesName, []string{id(img.ID)})
	}

	slow := &slowQueue{Queue: h.queue, clock: h.clock, step: 6 * time.Minute}
	h.tasks.queue = slow

	out := h.tasks.CollectSpacerJobs(ctx)
	assert.Equal(t, "Jobs checked/collected: 2 SUCCEEDED (timed out)", out.Message)
	assert.Equal(t, 1, h.queue.Len(), "the rest waits for the next run")
}

func TestCollectUnknownTaskIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	msg, err := spacer.NewJobMsg("reticulate_splines", "1", struct{}{})
	require.NoError(t, err)
	require.NoError(t, h.queue.SubmitJob(ctx, msg, 1, spacer.SpecMedium))

	out := h.tasks.CollectSpacerJobs(ctx)
	assert.Equal(t, "Jobs checked/collected: 1 FAILED", out.Message)
	assert.Empty(t, h.notifier.Sent())
}

func TestCollectedJobsFinishOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := h.source(t, "Site A", true)
	img := h.image(t, src, false, rc(1, 1))
	job, _ := h.run(t, ExtractFeaturesName, []string{id(img.ID)})

	h.tasks.CollectSpacerJobs(ctx)
	first := h.job(t, job.ID)
	require.Equal(t, async.JobStatusSuccess, first.Status)

	out := h.tasks.CollectSpacerJobs(ctx)
	assert.Equal(t, "Jobs checked/collected: 0", out.Message)
	assert.Equal(t, first.ModifyDate, h.job(t, job.ID).ModifyDate)
}

// slowQueue advances the clock on every collection.
type slowQueue struct {
	spacer.Queue
	clock interface{ Advance(time.Duration) }
	step  time.Duration
}

func (q *slowQueue) CollectJob(ctx context.Context, c spacer.Collectable) (*spacer.JobReturnMsg, string, error) {
	q.clock.Advance(q.step)
	return q.Queue.CollectJob(ctx, c)
}
