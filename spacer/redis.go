package spacer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/spacerjobs/db"
	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/notify"
)

// ErrQueueUnavailable is returned while the submit breaker is open.
var ErrQueueUnavailable = errors.New("spacer queue is unavailable")

const (
	DefaultBreakerMaxFailures = 5
	DefaultBreakerTimeout     = 30 * time.Second
)

// Redis key layout shared with the backend workers.
func jobsKey(spec JobSpec) string { return "spacer:jobs:" + string(spec) }
func statusKey(token string) string { return "spacer:status:" + token }
func resultKey(token string) string { return "spacer:result:" + token }

// redisClient is the part of *redis.Client the queue uses.
type redisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisOptions tunes a RedisQueue.
type RedisOptions struct {
	// JobHash tags this deployment's jobs, so several deployments can share
	// one backend without collecting each other's results.
	JobHash            string
	RatePerSecond      float64 // <= 0 means unlimited
	BreakerMaxFailures int
	BreakerTimeout     time.Duration
	Notifier           notify.Notifier
	Logger             *zap.SugaredLogger
}

// RedisQueue submits jobs to per-spec redis lists and polls per-job status
// keys for results. Submission never waits on the backend.
type RedisQueue struct {
	client   redisClient
	store    *RemoteJobStore
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	notifier notify.Notifier
	jobHash  string
	newToken func() string
	log      *zap.SugaredLogger
}

// NewRedisQueue creates a queue on client, tracking jobs in store.
func NewRedisQueue(client redisClient, store *RemoteJobStore, opts RedisOptions) *RedisQueue {
	if opts.BreakerMaxFailures <= 0 {
		opts.BreakerMaxFailures = DefaultBreakerMaxFailures
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = DefaultBreakerTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}
	log = logger.AddSpacerSymbol(log.Named("spacer"))
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLog(log)
	}

	limit, burst := rate.Inf, 1
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
		burst = max(1, int(opts.RatePerSecond))
	}

	maxFailures := uint32(opts.BreakerMaxFailures)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "spacer-submit",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("Circuit breaker state changed",
				logger.FieldComponent, name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &RedisQueue{
		client:   client,
		store:    store,
		breaker:  breaker,
		limiter:  rate.NewLimiter(limit, burst),
		notifier: opts.Notifier,
		jobHash:  opts.JobHash,
		newToken: uuid.NewString,
		log:      log,
	}
}

// BreakerState reports the submit breaker's state.
func (q *RedisQueue) BreakerState() gobreaker.State { return q.breaker.State() }

// SubmitJob records the remote job and pushes msg in one transaction, so a
// failed push leaves no row behind.
func (q *RedisQueue) SubmitJob(ctx context.Context, msg JobMsg, internalJobID int64, spec JobSpec) error {
	if err := q.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "waiting to submit spacer job")
	}

	rj := &RemoteJob{
		InternalJobID: internalJobID,
		JobToken:      strconv.FormatInt(internalJobID, 10),
		RemoteToken:   q.newToken(),
		JobHash:       q.jobHash,
		Spec:          spec,
	}
	envelope := struct {
		RemoteToken string `json:"remote_token"`
		JobMsg
	}{rj.RemoteToken, msg}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrapf(err, "encoding %s job", msg.TaskName)
	}

	return db.RunInTx(ctx, q.store.DB(), func(ctx context.Context) error {
		if err := q.store.Insert(ctx, rj); err != nil {
			return err
		}
		_, err := q.breaker.Execute(func() (interface{}, error) {
			return nil, q.client.LPush(ctx, jobsKey(spec), payload).Err()
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return errors.WithDetailf(ErrQueueUnavailable, "Breaker: %s", q.breaker.State())
		}
		if err != nil {
			return errors.Wrapf(err, "failed to push %s job", msg.TaskName)
		}
		q.log.Debugw("Submitted spacer job",
			logger.FieldJobID, internalJobID,
			logger.FieldRemoteToken, rj.RemoteToken,
			logger.FieldQueue, jobsKey(spec))
		return nil
	})
}

func (q *RedisQueue) GetCollectableJobs(ctx context.Context) ([]Collectable, error) {
	return q.store.Collectable(ctx, q.jobHash)
}

func (q *RedisQueue) CollectJob(ctx context.Context, c Collectable) (*JobReturnMsg, string, error) {
	status, err := q.client.Get(ctx, statusKey(c.RemoteToken)).Result()
	if err == redis.Nil {
		return nil, StatusSubmitted, nil
	}
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to read status of remote job %s", c.RemoteToken)
	}
	switch status {
	case StatusSucceeded:
		// The row leaves the collectable set only once the result is in hand.
		raw, err := q.client.Get(ctx, resultKey(c.RemoteToken)).Bytes()
		if err != nil && err != redis.Nil {
			return nil, "", errors.Wrapf(err, "failed to read result of remote job %s", c.RemoteToken)
		}
		if err := q.store.SetStatus(ctx, c.ID, status); err != nil {
			return nil, "", err
		}
		if err == redis.Nil {
			return q.failed(c, fmt.Sprintf(
				"Remote job [%s] succeeded, but its result is missing.", c.RemoteToken)), StatusFailed, nil
		}
		var msg JobReturnMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return q.failed(c, fmt.Sprintf(
				"Remote job [%s] succeeded, but its result can't be decoded: %v", c.RemoteToken, err)), StatusFailed, nil
		}
		q.cleanup(ctx, c)
		return &msg, status, nil

	case StatusFailed:
		if err := q.store.SetStatus(ctx, c.ID, status); err != nil {
			return nil, "", err
		}
		q.notifier.Notify(ctx,
			fmt.Sprintf("Remote job %s failed", c.RemoteToken),
			fmt.Sprintf("Remote token: %s, job token: %s, remote job id: %d", c.RemoteToken, c.JobToken, c.ID))
		q.cleanup(ctx, c)
		return q.failed(c, fmt.Sprintf("Remote job [%s] marked as FAILED by the backend.", c.RemoteToken)), status, nil
	}
	if err := q.store.SetStatus(ctx, c.ID, status); err != nil {
		return nil, "", err
	}
	return nil, status, nil
}

func (q *RedisQueue) cleanup(ctx context.Context, c Collectable) {
	if err := q.client.Del(ctx, statusKey(c.RemoteToken), resultKey(c.RemoteToken)).Err(); err != nil {
		q.log.Warnw("Failed to delete collected remote job keys",
			logger.FieldRemoteToken, c.RemoteToken,
			logger.FieldError, err.Error())
	}
}

// failed synthesizes an error result so the internal job gets finished.
func (q *RedisQueue) failed(c Collectable, info string) *JobReturnMsg {
	return &JobReturnMsg{
		OriginalJob: JobMsg{
			TaskName: c.TaskName,
			Tasks:    []Task{{JobToken: c.JobToken, Kind: c.TaskName}},
		},
		ErrorMessage: "RemoteJobError: " + info,
	}
}
