package testing

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/spacerjobs/errorlog"
)

// FakeClock is a settable clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts the clock at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Notification is one recorded operator notification.
type Notification struct {
	Subject string
	Body    string
}

// RecordingNotifier keeps every notification it receives.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *RecordingNotifier) Notify(ctx context.Context, subject, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{Subject: subject, Body: body})
}

// Sent returns a copy of the recorded notifications.
func (n *RecordingNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// Subjects returns the recorded subjects in order.
func (n *RecordingNotifier) Subjects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	subjects := make([]string, len(n.sent))
	for i, s := range n.sent {
		subjects[i] = s.Subject
	}
	return subjects
}

// RecordingErrorLog keeps every entry it receives.
type RecordingErrorLog struct {
	mu      sync.Mutex
	entries []errorlog.Entry
}

func (l *RecordingErrorLog) Record(ctx context.Context, e errorlog.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, errorlog.Sanitize(e))
}

// Entries returns a copy of the recorded entries.
func (l *RecordingErrorLog) Entries() []errorlog.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]errorlog.Entry(nil), l.entries...)
}
