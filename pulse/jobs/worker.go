package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/metrics"
	"github.com/teranos/spacerjobs/sym"
)

// ErrQueueFull is returned by WorkerPool.Dispatch when a queue's buffer is
// full. The job stays pending and the next sweep dispatches it again.
var ErrQueueFull = errors.New("worker queue is full")

// ErrPoolStopped is returned by WorkerPool.Dispatch after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers     int `json:"workers"`      // Goroutines per task queue
	QueueBuffer int `json:"queue_buffer"` // Buffered tasks per task queue
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:     2,
		QueueBuffer: 256,
	}
}

// WorkerPool runs dispatched tasks on per-queue goroutines.
//
// Each task queue gets its own buffered channel and workers, so a backlog
// of slow background jobs can't starve the realtime queue.
type WorkerPool struct {
	exec       Executor
	poolConfig WorkerPoolConfig
	queues     map[string]chan Task
	parentCtx  context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     pulseLogger
	metrics    *metrics.Metrics

	mu            sync.Mutex
	running       bool
	activeWorkers int
	jobsProcessed int
	startTime     time.Time
}

// NewWorkerPool creates a pool with one channel per queue name.
// Tasks for a queue the pool doesn't know go to QueueDefault.
func NewWorkerPool(ctx context.Context, exec Executor, queues []string, cfg WorkerPoolConfig, log *zap.SugaredLogger, m *metrics.Metrics) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueBuffer <= 0 {
		cfg.QueueBuffer = DefaultWorkerPoolConfig().QueueBuffer
	}
	if log == nil {
		log = logger.Logger
	}

	chans := make(map[string]chan Task, len(queues)+1)
	chans[QueueDefault] = make(chan Task, cfg.QueueBuffer)
	for _, q := range queues {
		if _, ok := chans[q]; !ok {
			chans[q] = make(chan Task, cfg.QueueBuffer)
		}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		exec:       exec,
		poolConfig: cfg,
		queues:     chans,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     pulseLogger{log.Named("pulse")},
		metrics:    m,
	}
}

// Queues returns the pool's queue names, sorted.
func (wp *WorkerPool) Queues() []string {
	names := make([]string, 0, len(wp.queues))
	for q := range wp.queues {
		names = append(names, q)
	}
	sort.Strings(names)
	return names
}

// Start launches the workers.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	wp.running = true
	wp.mu.Unlock()

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, logger.FieldCount, wp.totalWorkers())
	}

	for _, q := range wp.Queues() {
		for i := 0; i < wp.poolConfig.Workers; i++ {
			wp.wg.Add(1)
			go wp.worker(q, i)
		}
	}
	wp.logger.Starting("Worker pool started",
		"queues", wp.Queues(),
		"workers_per_queue", wp.poolConfig.Workers)
}

// Stop gracefully stops the worker pool
// ❀ Closing: running tasks see a cancelled context; queued tasks are dropped
// and their jobs stay pending for the next sweep.
// Uses a 30-second timeout so a stuck handler can't block shutdown
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.running = false
	wp.mu.Unlock()
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Pulse(sym.PulseClose + " WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be running", "timeout", timeout)
	}
}

// Dispatch queues task without blocking.
func (wp *WorkerPool) Dispatch(ctx context.Context, task Task) error {
	wp.mu.Lock()
	running := wp.running
	wp.mu.Unlock()
	if !running {
		return ErrPoolStopped
	}

	queue := task.Queue
	ch, ok := wp.queues[queue]
	if !ok {
		queue = QueueDefault
		ch = wp.queues[queue]
	}

	select {
	case ch <- task:
		return nil
	default:
		wp.metrics.DispatchRejected(queue)
		return errors.Wrapf(ErrQueueFull, "queue %s", queue)
	}
}

// worker executes tasks from one queue.
func (wp *WorkerPool) worker(queue string, id int) {
	defer wp.wg.Done()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	ch := wp.queues[queue]
	for {
		select {
		case <-wp.ctx.Done():
			return
		case task := <-ch:
			out := wp.process(queue, task)
			if !out.Alerts() {
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						logger.FieldQueue, queue,
						logger.FieldWorkerID, id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
				continue
			}

			errorCount++
			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off due to consecutive errors",
					logger.FieldQueue, queue,
					logger.FieldWorkerID, id,
					"backoff", backoffDuration,
					"consecutive_errors", errorCount)
				select {
				case <-wp.ctx.Done():
					return
				case <-time.After(backoffDuration):
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
		}
	}
}

func (wp *WorkerPool) process(queue string, task Task) Outcome {
	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()
	wp.metrics.WorkerBusy(queue, 1)
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
		wp.metrics.WorkerBusy(queue, -1)
	}()

	return wp.exec.Execute(wp.ctx, task)
}

func (wp *WorkerPool) totalWorkers() int {
	return wp.poolConfig.Workers * len(wp.queues)
}

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int            `json:"workers_active"`  // Workers currently executing a task
	WorkersTotal  int            `json:"workers_total"`   // Total configured workers
	QueueDepths   map[string]int `json:"queue_depths"`    // Buffered tasks per queue
	JobsProcessed int            `json:"jobs_processed"`  // Tasks executed since Start
	MemoryUsedGB  float64        `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64        `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64        `json:"memory_percent"`  // Memory utilization percentage
	Uptime        time.Duration  `json:"uptime"`
}

// GetSystemMetrics returns current pool and system resource usage
func (wp *WorkerPool) GetSystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	depths := make(map[string]int, len(wp.queues))
	for q, ch := range wp.queues {
		depths[q] = len(ch)
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()
	var uptime time.Duration
	if !wp.startTime.IsZero() {
		uptime = time.Since(wp.startTime)
	}
	return SystemMetrics{
		WorkersActive: wp.activeWorkers,
		WorkersTotal:  wp.totalWorkers(),
		QueueDepths:   depths,
		JobsProcessed: wp.jobsProcessed,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		Uptime:        uptime,
	}
}

// getMemoryStats returns current memory usage in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a total worker count for the
// available memory. Workers mostly wait on the database and remote queue,
// but inline classification holds feature vectors in memory.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 0.5 // GB per concurrently running task
	const memoryBuffer = 1.0    // GB reserved for the rest of the system

	if availableGB < memoryBuffer {
		return 1
	}

	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 64 {
		return 64
	}
	return recommended
}

// checkMemoryPressure validates worker count against available memory
// Returns warning message if worker count may be too high, empty string if OK
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if workers := wp.totalWorkers(); workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing pulse.workers to prevent memory pressure.",
			workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
