package spacer

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/am"
	"github.com/teranos/spacerjobs/db"
	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/notify"
)

// Remote job statuses. The backend may report others while a job runs.
const (
	StatusSubmitted = "SUBMITTED"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusMissing   = "MISSING"
)

// Queue hands jobs to the vision backend and collects their results.
type Queue interface {
	// SubmitJob sends msg off without waiting for it to run.
	SubmitJob(ctx context.Context, msg JobMsg, internalJobID int64, spec JobSpec) error
	// GetCollectableJobs lists jobs that may have a result by now.
	GetCollectableJobs(ctx context.Context) ([]Collectable, error)
	// CollectJob fetches c's result, if ready. The status label is used
	// for the collector's summary either way.
	CollectJob(ctx context.Context, c Collectable) (*JobReturnMsg, string, error)
}

// Collectable identifies a submitted job awaiting collection.
type Collectable struct {
	ID          int64
	TaskName    string
	JobToken    string
	RemoteToken string
}

// Deps are the collaborators a queue may need.
type Deps struct {
	DB        *sql.DB
	Dialect   db.Dialect
	Redis     *redis.Client
	Processor Processor
	Notifier  notify.Notifier
	Logger    *zap.SugaredLogger
}

// NewQueue builds the queue selected by cfg.Queue.
func NewQueue(cfg am.SpacerConfig, deps Deps) (Queue, error) {
	switch cfg.Queue {
	case "", am.QueueLocal:
		if deps.Processor == nil {
			return nil, errors.New("local spacer queue needs a processor")
		}
		return NewLocalQueue(deps.Processor), nil

	case am.QueueRedis:
		if deps.Redis == nil {
			return nil, errors.New("redis spacer queue needs a redis client")
		}
		if deps.DB == nil {
			return nil, errors.New("redis spacer queue needs a database")
		}
		return NewRedisQueue(deps.Redis, NewRemoteJobStore(deps.DB, deps.Dialect), RedisOptions{
			JobHash:            cfg.JobHash,
			RatePerSecond:      cfg.SubmitRatePerSecond,
			BreakerMaxFailures: cfg.BreakerMaxFailures,
			BreakerTimeout:     time.Duration(cfg.BreakerTimeoutSecond) * time.Second,
			Notifier:           deps.Notifier,
			Logger:             deps.Logger,
		}), nil
	}
	return nil, errors.Newf("unknown spacer queue %q", cfg.Queue)
}
