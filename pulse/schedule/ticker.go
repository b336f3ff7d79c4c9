package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/async"
	"github.com/teranos/spacerjobs/pulse/jobs"
	"github.com/teranos/spacerjobs/sym"
)

// TimerEntry fires a full job every Every.
type TimerEntry struct {
	Name  string
	Every time.Duration
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval time.Duration // How often timer entries are checked (default: 1 second)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 1 * time.Second,
	}
}

// MetricsSource reports worker and memory usage for the status line.
type MetricsSource interface {
	GetSystemMetrics() jobs.SystemMetrics
}

// TickerStats is a snapshot of ticker progress.
type TickerStats struct {
	LastTickAt      time.Time
	TicksSinceStart int64
	Fired           map[string]int64
	Missed          map[string]int64
}

type timer struct {
	entry  TimerEntry
	nextAt time.Time
	fired  int64
	missed int64
}

// Ticker fires the timer-driven jobs. Each entry fires on the first tick
// and then on every Every boundary; ticks that fall behind by more than
// one boundary are dropped, not replayed.
type Ticker struct {
	dispatcher jobs.Dispatcher
	store      *async.Store
	workerPool MetricsSource // For system metrics in ticker display
	interval   time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *zap.SugaredLogger
	pulseLog   *zap.SugaredLogger // Logger with Pulse symbol pre-attached

	mu              sync.Mutex
	timers          []*timer
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int // Track last active work count to detect changes
}

// NewTicker creates a new Pulse ticker
func NewTicker(dispatcher jobs.Dispatcher, store *async.Store, workerPool MetricsSource, entries []TimerEntry, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), dispatcher, store, workerPool, entries, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, dispatcher jobs.Dispatcher, store *async.Store, workerPool MetricsSource, entries []TimerEntry, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	tickerCtx, cancel := context.WithCancel(ctx)
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if log == nil {
		log = logger.Logger
	}

	timers := make([]*timer, 0, len(entries))
	for _, e := range entries {
		if e.Every <= 0 {
			continue
		}
		timers = append(timers, &timer{entry: e})
	}

	return &Ticker{
		dispatcher: dispatcher,
		store:      store,
		workerPool: workerPool,
		interval:   cfg.Interval,
		ctx:        tickerCtx,
		cancel:     cancel,
		logger:     log,
		pulseLog:   logger.AddPulseSymbol(log),
		timers:     timers,
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval, "timers", len(t.timers))
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.Tick(t.ctx, time.Now())
	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.Tick(t.ctx, tickTime)
		}
	}
}

// Tick fires every timer due at now.
func (t *Ticker) Tick(ctx context.Context, now time.Time) {
	t.mu.Lock()
	t.lastTickAt = now
	t.ticksSinceStart++
	var due []TimerEntry
	for _, tm := range t.timers {
		if !tm.nextAt.IsZero() && now.Before(tm.nextAt) {
			continue
		}
		if !tm.nextAt.IsZero() {
			if skipped := int64(now.Sub(tm.nextAt) / tm.entry.Every); skipped > 0 {
				tm.missed += skipped
			}
		}
		tm.fired++
		tm.nextAt = now.Truncate(tm.entry.Every).Add(tm.entry.Every)
		due = append(due, tm.entry)
	}
	tick := t.ticksSinceStart
	t.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		if err := t.dispatcher.Dispatch(ctx, jobs.Task{Name: e.Name, Queue: jobs.QueueDefault}); err != nil {
			// Don't spam logs - log errors at warn level
			t.pulseLog.Warnw("Pulse tick error",
				logger.FieldJobName, e.Name,
				logger.FieldError, err,
				"tick", tick)
		}
	}

	t.logStatus(ctx)
}

// GetStats returns a snapshot of the ticker's counters.
func (t *Ticker) GetStats() TickerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := TickerStats{
		LastTickAt:      t.lastTickAt,
		TicksSinceStart: t.ticksSinceStart,
		Fired:           make(map[string]int64, len(t.timers)),
		Missed:          make(map[string]int64, len(t.timers)),
	}
	for _, tm := range t.timers {
		stats.Fired[tm.entry.Name] = tm.fired
		stats.Missed[tm.entry.Name] = tm.missed
	}
	return stats
}

// logStatus logs pending and running job counts when they change.
func (t *Ticker) logStatus(ctx context.Context) {
	if t.store == nil {
		return
	}
	counts, err := t.store.Stats(ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get job stats", logger.FieldError, err)
		return
	}

	pending := counts[async.JobStatusPending]
	activeWork := pending + counts[async.JobStatusInProgress]

	t.mu.Lock()
	hasChanged := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()

	if !hasChanged {
		return
	}

	pulseIndicator := ""
	if activeWork > 0 {
		// 1 symbol per 5 jobs, max 60 symbols
		numSymbols := (activeWork / 5) + 1
		if numSymbols > 60 {
			numSymbols = 60
		}
		pulseIndicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", numSymbols)) + " "
	}

	var msg string
	if activeWork == 0 {
		msg = "Pulse - no jobs waiting"
	} else {
		msg = fmt.Sprintf("%sPulse - %d pending, %d in progress",
			pulseIndicator, pending, counts[async.JobStatusInProgress])
	}

	if t.workerPool != nil {
		metrics := t.workerPool.GetSystemMetrics()
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			metrics.WorkersActive, metrics.WorkersTotal,
			metrics.MemoryUsedGB, metrics.MemoryTotalGB, metrics.MemoryPercent)
	}

	t.pulseLog.Infow(msg)
}
