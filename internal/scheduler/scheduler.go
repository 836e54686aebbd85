// Package scheduler matches queued tasks to agents and drives their
// execution. Simple tasks dispatch to the single most suitable agent;
// complex or urgent ones fan out into a collaboration session.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/collab"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/errs"
	"github.com/taskmesh/taskmesh/internal/exec"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/tasks"
)

// Scheduler owns task dispatch. Queue drains are event-driven: every
// finished task signals the run loop, which retries eligible queued
// tasks instead of polling on a tight interval.
type Scheduler struct {
	registry *registry.Registry
	tasks    *tasks.Store
	sessions *collab.Manager
	executor exec.Executor
	clock    exec.Clock
	sink     bus.Sink

	collabSize int
	soloLimit  int

	completionCh chan struct{}

	mu      sync.Mutex
	running map[string]*runningTask
}

type runningTask struct {
	cancel    context.CancelFunc
	agentID   string
	sessionID string
	cancelled bool
}

func New(reg *registry.Registry, ts *tasks.Store, sessions *collab.Manager, executor exec.Executor, clock exec.Clock, sink bus.Sink, cfg config.SchedulerConfig) *Scheduler {
	if clock == nil {
		clock = exec.SystemClock{}
	}
	collabSize := cfg.CollabSize
	if collabSize < 2 {
		collabSize = 3
	}
	soloLimit := cfg.SoloRequirementLimit
	if soloLimit <= 0 {
		soloLimit = 2
	}
	return &Scheduler{
		registry:     reg,
		tasks:        ts,
		sessions:     sessions,
		executor:     executor,
		clock:        clock,
		sink:         sink,
		collabSize:   collabSize,
		soloLimit:    soloLimit,
		completionCh: make(chan struct{}, 1),
		running:      make(map[string]*runningTask),
	}
}

// Submit creates the task and immediately tries to dispatch it. The
// returned task is Scheduled (or already Running) when an agent took
// it, Queued when none could.
func (s *Scheduler) Submit(ctx context.Context, cfg tasks.SubmitConfig) (*tasks.Task, error) {
	task, err := s.tasks.Create(cfg)
	if err != nil {
		return nil, err
	}
	s.emit(bus.TopicTaskEvents(task.ID), "task.submitted", map[string]any{
		"task_id": task.ID, "type": task.Type, "priority": task.Priority.String(),
	})

	if s.depsComplete(task) {
		s.dispatch(ctx, task)
	}
	return s.tasks.Get(task.ID)
}

func (s *Scheduler) depsComplete(task *tasks.Task) bool {
	for _, dep := range task.Dependencies {
		d, err := s.tasks.Get(dep)
		if err != nil || d.Status != tasks.StatusCompleted {
			return false
		}
	}
	return true
}

// Run drains the queue whenever a task finishes. The ticker is a
// safety net for missed signals and newly unblocked dependencies.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	slog.Info("scheduler started", "collab_size", s.collabSize, "solo_requirement_limit", s.soloLimit)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.completionCh:
		case <-ticker.C:
		}
		s.ProcessQueue(ctx)
	}
}

// ProcessQueue tries to dispatch every eligible queued task, in
// submission order. It returns the number of tasks dispatched.
func (s *Scheduler) ProcessQueue(ctx context.Context) int {
	dispatched := 0
	for _, t := range s.tasks.Eligible() {
		task := t
		if s.dispatch(ctx, &task) {
			dispatched++
		}
	}
	return dispatched
}

// needsCollaboration decides the dispatch shape: broad requirement
// sets and urgent priorities get a session, everything else a single
// agent.
func (s *Scheduler) needsCollaboration(task *tasks.Task) bool {
	return len(task.Requirements) > s.soloLimit || task.Priority >= tasks.PriorityCritical
}

// dispatch attempts one assignment. A task with no suitable agent
// stays queued; that is not an error.
func (s *Scheduler) dispatch(ctx context.Context, task *tasks.Task) bool {
	candidates := s.registry.FindSuitable(task.Requirements, task.EstimatedDuration)
	if len(candidates) == 0 {
		return false
	}

	if s.needsCollaboration(task) {
		return s.dispatchCollab(ctx, task, candidates)
	}
	return s.dispatchSolo(ctx, task, candidates)
}

// dispatchSolo claims the best candidate. The claim can race other
// dispatchers, so a conflict just moves on to the next candidate.
func (s *Scheduler) dispatchSolo(ctx context.Context, task *tasks.Task, candidates []registry.Candidate) bool {
	for _, c := range candidates {
		if err := s.registry.Assign(task.ID, c.ID); err != nil {
			if errors.Is(err, errs.ErrConflict) {
				continue
			}
			slog.Warn("assign failed", "task", task.ID, "agent", c.ID, "error", err)
			continue
		}
		if err := s.tasks.MarkScheduled(task.ID, c.ID); err != nil {
			if rerr := s.registry.Release(c.ID); rerr != nil {
				slog.Warn("release after failed schedule", "agent", c.ID, "error", rerr)
			}
			return false
		}
		s.emit(bus.TopicTaskEvents(task.ID), "task.scheduled", map[string]any{
			"task_id": task.ID, "agent_id": c.ID, "score": c.Score,
		})
		slog.Info("task scheduled", "task", task.ID, "agent", c.ID, "score", c.Score)
		go s.runSolo(ctx, task.ID, c.ID)
		return true
	}
	return false
}

// dispatchCollab opens a session over the top candidates. Fewer than
// two claimable candidates leaves the task queued.
func (s *Scheduler) dispatchCollab(ctx context.Context, task *tasks.Task, candidates []registry.Candidate) bool {
	n := s.collabSize
	if n > len(candidates) {
		n = len(candidates)
	}
	if n < 2 {
		// Not enough agents for a session; a single strong candidate
		// still beats leaving urgent work queued.
		return s.dispatchSolo(ctx, task, candidates)
	}
	participants := make([]string, n)
	for i := 0; i < n; i++ {
		participants[i] = candidates[i].ID
	}

	info, err := s.sessions.Create(collab.CreateConfig{TaskID: task.ID, Participants: participants})
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return false
		}
		slog.Warn("create session failed", "task", task.ID, "error", err)
		return false
	}
	if err := s.tasks.MarkScheduled(task.ID, "session:"+info.ID); err != nil {
		if cerr := s.sessions.Cancel(info.ID); cerr != nil {
			slog.Warn("cancel session after failed schedule", "session", info.ID, "error", cerr)
		}
		return false
	}
	s.emit(bus.TopicTaskEvents(task.ID), "task.scheduled", map[string]any{
		"task_id": task.ID, "session_id": info.ID, "participants": participants,
	})
	slog.Info("task scheduled for collaboration",
		"task", task.ID, "session", info.ID, "pattern", info.Pattern, "participants", n)
	go s.runSession(ctx, task.ID, info.ID)
	return true
}

// runSolo executes a single-agent task and settles task and agent
// state from the outcome.
func (s *Scheduler) runSolo(ctx context.Context, taskID, agentID string) {
	defer s.signalCompletion()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	entry := &runningTask{cancel: cancel, agentID: agentID}
	s.track(taskID, entry)
	defer s.untrack(taskID)

	if err := s.tasks.MarkRunning(taskID); err != nil {
		slog.Warn("mark running", "task", taskID, "error", err)
		if rerr := s.registry.Release(agentID); rerr != nil {
			slog.Warn("release agent", "agent", agentID, "error", rerr)
		}
		return
	}
	task, err := s.tasks.Get(taskID)
	if err != nil {
		return
	}
	agent, err := s.registry.Get(agentID)
	if err != nil {
		s.failTask(taskID, fmt.Sprintf("agent %s disappeared: %v", agentID, err))
		return
	}
	s.emit(bus.TopicTaskEvents(taskID), "task.running", map[string]any{
		"task_id": taskID, "agent_id": agentID,
	})

	if task.Deadline != nil {
		var dcancel context.CancelFunc
		runCtx, dcancel = context.WithDeadline(runCtx, *task.Deadline)
		defer dcancel()
	}

	started := s.clock.Now()
	result, execErr := s.executor.Execute(runCtx, task, agent)
	elapsed := s.clock.Now().Sub(started)

	if s.wasCancelled(taskID) {
		if err := s.tasks.Cancel(taskID); err != nil {
			slog.Warn("cancel task", "task", taskID, "error", err)
		}
		if err := s.registry.Release(agentID); err != nil {
			slog.Warn("release agent after cancel", "agent", agentID, "error", err)
		}
		s.emit(bus.TopicTaskEvents(taskID), "task.cancelled", map[string]any{"task_id": taskID})
		slog.Info("task cancelled", "task", taskID, "agent", agentID)
		return
	}

	if err := s.registry.RecordOutcome(agentID, elapsed, task.EstimatedDuration, execErr == nil); err != nil {
		slog.Warn("record outcome", "task", taskID, "agent", agentID, "error", err)
	}

	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) {
			execErr = fmt.Errorf("%w: task overran its deadline", errs.ErrDeadlineExceeded)
		}
		wrapped := &errs.ExecutorError{AgentID: agentID, TaskID: taskID, Err: execErr}
		s.failTask(taskID, wrapped.Error())
		slog.Error("task failed", "task", taskID, "agent", agentID, "error", execErr)
		return
	}

	if err := s.tasks.Complete(taskID, elapsed); err != nil {
		slog.Warn("complete task", "task", taskID, "error", err)
		return
	}
	outputKeys := 0
	if result != nil {
		outputKeys = len(result.Output)
	}
	s.emit(bus.TopicTaskEvents(taskID), "task.completed", map[string]any{
		"task_id": taskID, "agent_id": agentID, "elapsed_ms": elapsed.Milliseconds(),
	})
	slog.Info("task completed", "task", taskID, "agent", agentID, "elapsed", elapsed, "output_keys", outputKeys)
}

// runSession drives a collaboration to completion and settles the
// task from the session report.
func (s *Scheduler) runSession(ctx context.Context, taskID, sessionID string) {
	defer s.signalCompletion()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.track(taskID, &runningTask{cancel: cancel, sessionID: sessionID})
	defer s.untrack(taskID)

	if err := s.tasks.MarkRunning(taskID); err != nil {
		slog.Warn("mark running", "task", taskID, "error", err)
		return
	}
	s.emit(bus.TopicTaskEvents(taskID), "task.running", map[string]any{
		"task_id": taskID, "session_id": sessionID,
	})

	report, err := s.sessions.Execute(runCtx, sessionID)

	if s.wasCancelled(taskID) {
		if cerr := s.tasks.Cancel(taskID); cerr != nil {
			slog.Warn("cancel task", "task", taskID, "error", cerr)
		}
		s.emit(bus.TopicTaskEvents(taskID), "task.cancelled", map[string]any{"task_id": taskID})
		return
	}
	if err != nil {
		s.failTask(taskID, fmt.Sprintf("collaboration failed: %v", err))
		return
	}
	if !report.Success {
		s.failTask(taskID, report.Error)
		slog.Error("collaboration failed", "task", taskID, "session", sessionID, "error", report.Error)
		return
	}
	if err := s.tasks.Complete(taskID, report.Elapsed); err != nil {
		slog.Warn("complete task", "task", taskID, "error", err)
		return
	}
	s.emit(bus.TopicTaskEvents(taskID), "task.completed", map[string]any{
		"task_id": taskID, "session_id": sessionID, "succeeded": report.SuccessCount, "steps": report.Total,
	})
	slog.Info("collaborative task completed",
		"task", taskID, "session", sessionID, "succeeded", report.SuccessCount, "steps", report.Total)
}

// Cancel stops a task. Queued tasks drop out of the queue; running
// tasks get their context cancelled and settle as Cancelled, with the
// agent released rather than marked failed.
func (s *Scheduler) Cancel(taskID string) error {
	task, err := s.tasks.Get(taskID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	entry, isRunning := s.running[taskID]
	if isRunning {
		entry.cancelled = true
	}
	s.mu.Unlock()

	if isRunning {
		if entry.sessionID != "" {
			if err := s.sessions.Cancel(entry.sessionID); err != nil && !errors.Is(err, errs.ErrConflict) {
				slog.Warn("cancel session", "session", entry.sessionID, "error", err)
			}
		}
		entry.cancel()
		return nil
	}

	switch task.Status {
	case tasks.StatusQueued, tasks.StatusScheduled:
		if err := s.tasks.Cancel(taskID); err != nil {
			return err
		}
		s.emit(bus.TopicTaskEvents(taskID), "task.cancelled", map[string]any{"task_id": taskID})
		return nil
	default:
		return fmt.Errorf("%w: task %s is %s", errs.ErrConflict, taskID, task.Status)
	}
}

func (s *Scheduler) emit(topic, eventType string, data map[string]any) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(topic, eventType, data)
}

func (s *Scheduler) failTask(taskID, reason string) {
	if err := s.tasks.Fail(taskID, reason); err != nil {
		slog.Warn("fail task", "task", taskID, "error", err)
		return
	}
	s.emit(bus.TopicTaskEvents(taskID), "task.failed", map[string]any{
		"task_id": taskID, "error": reason,
	})
}

func (s *Scheduler) track(taskID string, entry *runningTask) {
	s.mu.Lock()
	s.running[taskID] = entry
	s.mu.Unlock()
}

func (s *Scheduler) untrack(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

func (s *Scheduler) wasCancelled(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.running[taskID]
	return ok && entry.cancelled
}

func (s *Scheduler) signalCompletion() {
	select {
	case s.completionCh <- struct{}{}:
	default:
	}
}
