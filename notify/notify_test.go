package notify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/spacerjobs/errors"
)

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisNotifierPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRedis(pub, "spacerjobs:operator", zap.NewNop().Sugar())

	n.Notify(context.Background(), "Error in job: extract_features", "KeyError: 'x'")

	assert.Equal(t, "spacerjobs:operator", pub.channel)
	var msg Message
	require.NoError(t, json.Unmarshal(pub.payload, &msg))
	assert.Equal(t, "Error in job: extract_features", msg.Subject)
	assert.Equal(t, "KeyError: 'x'", msg.Body)
	assert.False(t, msg.SentAt.IsZero())
}

func TestRedisNotifierLogsPublishFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	pub := &fakePublisher{err: errors.New("connection refused")}
	n := NewRedis(pub, "ops", zap.New(core).Sugar())

	n.Notify(context.Background(), "subject", "body")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Failed to publish notification", logs.All()[0].Message)
}

func TestLogAndMulti(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	pub := &fakePublisher{}
	m := Multi{NewLog(zap.New(core).Sugar()), NewRedis(pub, "ops", zap.NewNop().Sugar())}

	m.Notify(context.Background(), "3 job(s) haven't progressed in a while", "details")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "3 job(s) haven't progressed in a while", logs.All()[0].Message)
	assert.Equal(t, "details", logs.All()[0].ContextMap()["body"])
	assert.NotEmpty(t, pub.payload)
}
