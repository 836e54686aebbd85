// Package exec defines the boundary to the subsystem that performs
// actual task work. The coordination core never does work itself; it
// measures wall-clock time around Execute and folds the outcome back
// into agent scores.
package exec

import (
	"context"
	"time"

	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/tasks"
)

// Result is what an executor returns for one task on one agent.
// Output keys are merged by collaboration patterns, so executors should
// use stable names.
type Result struct {
	Output map[string]any `json:"output,omitempty"`
	Logs   string         `json:"logs,omitempty"`
}

// Executor performs the actual work for a task on an agent. The context
// carries the step deadline; implementations must return promptly once
// it is cancelled.
type Executor interface {
	Execute(ctx context.Context, task *tasks.Task, agent *registry.Agent) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task *tasks.Task, agent *registry.Agent) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *tasks.Task, agent *registry.Agent) (*Result, error) {
	return f(ctx, task, agent)
}

// Clock is an injectable time source for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
