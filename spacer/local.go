package spacer

import (
	"context"
	"sync"
)

// LocalQueue runs each job as soon as it's submitted and keeps the results
// in memory until they're collected, in submission order.
type LocalQueue struct {
	processor Processor

	mu      sync.Mutex
	nextID  int64
	results []localResult
}

type localResult struct {
	id  int64
	msg JobReturnMsg
}

// NewLocalQueue creates a local queue running jobs with p.
func NewLocalQueue(p Processor) *LocalQueue {
	return &LocalQueue{processor: p}
}

func (q *LocalQueue) SubmitJob(ctx context.Context, msg JobMsg, internalJobID int64, spec JobSpec) error {
	ret := q.processor.Process(ctx, msg)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.results = append(q.results, localResult{id: q.nextID, msg: ret})
	return nil
}

func (q *LocalQueue) GetCollectableJobs(ctx context.Context) ([]Collectable, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Collectable, 0, len(q.results))
	for _, r := range q.results {
		c := Collectable{ID: r.id, TaskName: r.msg.OriginalJob.TaskName}
		if len(r.msg.OriginalJob.Tasks) > 0 {
			c.JobToken = r.msg.OriginalJob.Tasks[0].JobToken
		}
		out = append(out, c)
	}
	return out, nil
}

func (q *LocalQueue) CollectJob(ctx context.Context, c Collectable) (*JobReturnMsg, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.results {
		if r.id != c.ID {
			continue
		}
		q.results = append(q.results[:i], q.results[i+1:]...)
		msg := r.msg
		if msg.OK {
			return &msg, StatusSucceeded, nil
		}
		return &msg, StatusFailed, nil
	}
	return nil, StatusMissing, nil
}

// Len returns the number of uncollected results.
func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.results)
}
