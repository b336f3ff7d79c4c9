// Package notify delivers operator notifications.
//
// Delivery is fire-and-forget: a notifier logs its own failures and never
// reports them to the caller.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/sym"
)

// Notifier sends a subject and body to the operators.
type Notifier interface {
	Notify(ctx context.Context, subject, body string)
}

// Message is the payload published for each notification.
type Message struct {
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

// Log writes notifications to the logger at WARN.
type Log struct {
	log *zap.SugaredLogger
}

// NewLog creates a log notifier. A nil logger uses the global one.
func NewLog(log *zap.SugaredLogger) *Log {
	if log == nil {
		log = logger.Logger
	}
	return &Log{log: log.Named("notify")}
}

func (n *Log) Notify(ctx context.Context, subject, body string) {
	n.log.Warnw(subject,
		append(logger.FieldsFromContext(ctx),
			logger.FieldSymbol, sym.Alert,
			"body", body,
		)...,
	)
}

// Publisher is the part of the redis client the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes notifications as JSON on a pub/sub channel.
type Redis struct {
	client  Publisher
	channel string
	now     func() time.Time
	log     *zap.SugaredLogger
}

// NewRedis creates a redis notifier publishing on channel.
func NewRedis(client Publisher, channel string, log *zap.SugaredLogger) *Redis {
	if log == nil {
		log = logger.Logger
	}
	return &Redis{client: client, channel: channel, now: time.Now, log: log.Named("notify")}
}

func (n *Redis) Notify(ctx context.Context, subject, body string) {
	data, err := json.Marshal(Message{Subject: subject, Body: body, SentAt: n.now().UTC()})
	if err != nil {
		n.log.Errorw("Failed to encode notification", logger.FieldError, err.Error())
		return
	}
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		n.log.Errorw("Failed to publish notification",
			"subject", subject,
			logger.FieldQueue, n.channel,
			logger.FieldError, err.Error(),
		)
	}
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, subject, body string) {
	for _, n := range m {
		n.Notify(ctx, subject, body)
	}
}
