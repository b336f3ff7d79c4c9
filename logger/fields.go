package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across spacerjobs.
// Use these constants instead of raw strings so log queries stay stable.
const (
	// Identity and context
	FieldJobID       = "job_id"
	FieldJobName     = "job_name"
	FieldJobArgs     = "job_args"
	FieldAttempt     = "attempt"
	FieldTaskID      = "task_id"
	FieldRemoteToken = "remote_token"
	FieldSourceID    = "source_id"
	FieldUserID      = "user_id"

	// Components
	FieldComponent = "component"
	FieldQueue     = "queue"
	FieldWorkerID  = "worker_id"

	// Operations
	FieldOperation = "operation"
	FieldPath      = "path"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldElapsedSec = "elapsed_seconds"
	FieldScheduled  = "scheduled_start"

	// Errors
	FieldError     = "error"
	FieldErrorType = "error_type"

	// Counts and sizes
	FieldCount = "count"
	FieldSize  = "size"

	// Status
	FieldStatus  = "status"
	FieldHealthy = "healthy"

	// Network
	FieldAddress = "address"

	// Domain symbol (꩜, ✿, ❀, ⊔ ...)
	FieldSymbol = "symbol"
)

type contextKey string

const (
	jobIDKey  contextKey = "logger_job_id"
	taskIDKey contextKey = "logger_task_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID int64) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithTaskID adds the per-execution correlation id to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(int64); ok && jobID != 0 {
		fields = append(fields, FieldJobID, jobID)
	}
	if taskID, ok := ctx.Value(taskIDKey).(string); ok && taskID != "" {
		fields = append(fields, FieldTaskID, taskID)
	}

	return fields
}

// FromContext returns base with the context's job and task ids attached.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
// Example:
//
//	type Collector struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewCollector() *Collector {
//	    return &Collector{logger: logger.ComponentLogger("spacer.collector")}
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
