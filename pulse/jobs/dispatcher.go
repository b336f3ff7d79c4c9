package jobs

import "context"

// Task is one dispatched unit of work: run the handler registered under
// Name with Args.
type Task struct {
	Name  string
	Args  []string
	Queue string
	JobID int64 // zero for FullJob entries fired by the timer
}

// Dispatcher hands tasks to worker capacity.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// Executor runs a task to completion.
type Executor interface {
	Execute(ctx context.Context, task Task) Outcome
}

// InlineDispatcher runs each task on the caller's goroutine.
type InlineDispatcher struct {
	exec Executor
}

func NewInlineDispatcher(exec Executor) *InlineDispatcher {
	return &InlineDispatcher{exec: exec}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, task Task) error {
	d.exec.Execute(ctx, task)
	return nil
}
