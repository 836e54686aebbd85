package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	osexec "os/exec"
	"time"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/tasks"
)

// LocalExecutor runs a configured command per task, feeding it the task
// and agent as JSON on stdin and reading the result JSON from stdout.
// It is the reference executor the gateway wires when one is configured.
type LocalExecutor struct {
	command string
	timeout time.Duration
	// Env receives extra key=value pairs, e.g. resolved secrets.
	Env []string
}

func NewLocalExecutor(cfg config.ExecutorConfig) *LocalExecutor {
	return &LocalExecutor{
		command: cfg.Command,
		timeout: cfg.Timeout,
	}
}

type localPayload struct {
	Task  *tasks.Task     `json:"task"`
	Agent *registry.Agent `json:"agent"`
}

func (e *LocalExecutor) Execute(ctx context.Context, task *tasks.Task, agent *registry.Agent) (*Result, error) {
	if e.command == "" {
		return nil, fmt.Errorf("no executor command configured")
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(localPayload{Task: task, Agent: agent})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	cmd := osexec.CommandContext(ctx, e.command)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(cmd.Environ(), e.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run executor command: %w (stderr: %s)", err, stderr.String())
	}

	result := &Result{Logs: stderr.String()}
	if stdout.Len() > 0 {
		if err := json.Unmarshal(stdout.Bytes(), &result.Output); err != nil {
			// Non-JSON output is kept verbatim under a single key.
			result.Output = map[string]any{"output": stdout.String()}
		}
	}
	return result, nil
}
