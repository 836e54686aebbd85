package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/errs"
	"github.com/taskmesh/taskmesh/internal/tasks"
)

// distribute splits a task into one equal slice per participant.
// Every slice carries the full task input plus its slice coordinates,
// and a proportional share of the estimated duration.
func distribute(task *tasks.Task, participants []string) []Subtask {
	n := len(participants)
	est := task.EstimatedDuration
	if est > 0 {
		est = est / time.Duration(n)
	}
	subtasks := make([]Subtask, n)
	for i, id := range participants {
		input := make(map[string]any, len(task.Input)+2)
		for k, v := range task.Input {
			input[k] = v
		}
		input["slice"] = i
		input["slices"] = n
		subtasks[i] = Subtask{
			AgentID:   id,
			Input:     input,
			Estimated: est,
			Critical:  true,
		}
	}
	return subtasks
}

// execStep runs one subtask against its participant and settles the
// agent's outcome in the registry. The step is bounded by its
// estimated duration when set, otherwise by the manager default.
// Deadline overruns fail the step but never panic the run.
func (m *Manager) execStep(ctx context.Context, s *session, task *tasks.Task, st Subtask, index int) StepResult {
	timeout := st.Estimated
	if timeout <= 0 {
		timeout = m.stepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	agent, err := m.registry.Get(st.AgentID)
	if err != nil {
		return StepResult{AgentID: st.AgentID, Index: index, Error: err.Error()}
	}

	step := *task
	step.Input = st.Input
	step.EstimatedDuration = st.Estimated
	step.AssignedTo = st.AgentID

	started := m.clock.Now()
	res, execErr := m.executor.Execute(stepCtx, &step, agent)
	elapsed := m.clock.Now().Sub(started)

	result := StepResult{AgentID: st.AgentID, Index: index, Elapsed: elapsed}
	if execErr != nil && errors.Is(ctx.Err(), context.Canceled) {
		// A cancelled run is not the agent's fault. Hand the
		// participant back instead of settling a failed outcome.
		result.Error = fmt.Sprintf("step for %s interrupted: session cancelled", st.AgentID)
		if err := m.registry.Release(st.AgentID); err != nil {
			slog.Warn("release participant after cancel", "session", s.id, "agent", st.AgentID, "error", err)
		}
		m.emit(bus.TopicSessionEvents(s.id), "session.step", map[string]any{
			"session_id": s.id,
			"agent_id":   st.AgentID,
			"index":      index,
			"success":    false,
		})
		return result
	}
	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) {
			execErr = fmt.Errorf("%w: step for %s after %s", errs.ErrDeadlineExceeded, st.AgentID, timeout)
		}
		result.Error = (&errs.ExecutorError{AgentID: st.AgentID, TaskID: task.ID, Err: execErr}).Error()
	} else {
		result.Success = true
		if res != nil {
			result.Output = res.Output
		}
	}

	if err := m.registry.RecordOutcome(st.AgentID, elapsed, st.Estimated, result.Success); err != nil {
		slog.Warn("record step outcome", "session", s.id, "agent", st.AgentID, "error", err)
	}
	m.emit(bus.TopicSessionEvents(s.id), "session.step", map[string]any{
		"session_id": s.id,
		"agent_id":   st.AgentID,
		"index":      index,
		"success":    result.Success,
	})
	return result
}

// runPipeline executes subtasks in participant order, feeding each
// stage's output into the next stage's input. A failed critical stage
// aborts the pipeline; a failed non-critical stage is skipped and the
// carry passes through unchanged.
func (m *Manager) runPipeline(ctx context.Context, s *session, task *tasks.Task, subtasks []Subtask, report *Report) {
	carry := map[string]any(nil)
	for i, st := range subtasks {
		if err := ctx.Err(); err != nil {
			m.skipFrom(subtasks, i, report)
			report.Error = fmt.Sprintf("pipeline interrupted at stage %d: %v", i, err)
			return
		}
		input := make(map[string]any, len(st.Input)+len(carry))
		for k, v := range st.Input {
			input[k] = v
		}
		for k, v := range carry {
			input[k] = v
		}
		st.Input = input

		res := m.execStep(ctx, s, task, st, i)
		report.Steps[st.AgentID] = res
		if !res.Success {
			if st.Critical {
				m.skipFrom(subtasks, i+1, report)
				report.Error = fmt.Sprintf("critical stage %d failed: %s", i, res.Error)
				return
			}
			slog.Warn("non-critical pipeline stage failed",
				"session", s.id, "stage", i, "agent", st.AgentID, "error", res.Error)
			continue
		}
		for k, v := range res.Output {
			if carry == nil {
				carry = make(map[string]any)
			}
			carry[k] = v
		}
	}
	report.Success = true
	report.Output = carry
}

// skipFrom marks the remaining stages as skipped so their
// participants are released rather than settled.
func (m *Manager) skipFrom(subtasks []Subtask, from int, report *Report) {
	for i := from; i < len(subtasks); i++ {
		st := subtasks[i]
		if _, done := report.Steps[st.AgentID]; done {
			continue
		}
		report.Steps[st.AgentID] = StepResult{AgentID: st.AgentID, Index: i, Skipped: true}
	}
}

// runParallel fans the subtasks out concurrently and merges outputs
// under per-participant namespaces, so concurrent writers can never
// clobber each other's keys. The run succeeds if at least one
// participant does.
func (m *Manager) runParallel(ctx context.Context, s *session, task *tasks.Task, subtasks []Subtask, report *Report) {
	results := m.fanOut(ctx, s, task, subtasks)
	output := make(map[string]any)
	for _, res := range results {
		report.Steps[res.AgentID] = res
		for k, v := range res.Output {
			output[res.AgentID+"."+k] = v
		}
	}
	report.Output = output
	for _, res := range results {
		if res.Success {
			report.Success = true
			break
		}
	}
	if !report.Success {
		report.Error = "all participants failed"
	}
}

// runHierarchical runs every subordinate concurrently, then hands
// their reports to the leader (the first participant) for
// aggregation. The leader's verdict is the session's verdict.
func (m *Manager) runHierarchical(ctx context.Context, s *session, task *tasks.Task, subtasks []Subtask, report *Report) {
	leader := subtasks[0]
	subordinates := subtasks[1:]

	results := m.fanOut(ctx, s, task, subordinates)
	reports := make(map[string]any, len(results))
	for _, res := range results {
		// fanOut preserves subtask order; reindex past the leader.
		res.Index++
		report.Steps[res.AgentID] = res
		if res.Success {
			reports[res.AgentID] = res.Output
		} else {
			reports[res.AgentID] = map[string]any{"error": res.Error}
		}
	}

	input := make(map[string]any, len(leader.Input)+1)
	for k, v := range leader.Input {
		input[k] = v
	}
	input["reports"] = reports
	leader.Input = input

	res := m.execStep(ctx, s, task, leader, 0)
	report.Steps[leader.AgentID] = res
	report.Success = res.Success
	report.Output = res.Output
	if !res.Success {
		report.Error = fmt.Sprintf("leader %s failed: %s", leader.AgentID, res.Error)
	}
}

// runMesh runs all participants concurrently and then broadcasts each
// participant's result to every peer. The run succeeds only when
// every participant does.
func (m *Manager) runMesh(ctx context.Context, s *session, task *tasks.Task, subtasks []Subtask, report *Report) {
	results := m.fanOut(ctx, s, task, subtasks)
	report.Success = true
	output := make(map[string]any)
	for _, res := range results {
		report.Steps[res.AgentID] = res
		if !res.Success {
			report.Success = false
			continue
		}
		for k, v := range res.Output {
			output[res.AgentID+"."+k] = v
		}
	}
	report.Output = output
	if !report.Success {
		report.Error = "mesh requires every participant to succeed"
		return
	}
	for _, res := range results {
		summary := fmt.Sprintf("result from %s: %d output keys", res.AgentID, len(res.Output))
		if _, err := m.Send(s.id, SendConfig{Sender: res.AgentID, Type: "result", Content: summary}); err != nil {
			slog.Warn("mesh result broadcast", "session", s.id, "agent", res.AgentID, "error", err)
		}
	}
}

// runConsensus runs all participants concurrently and requires their
// votes (the "vote" output key) to be unanimous. Any split leaves the
// conflicting options in the report without committing a decision.
func (m *Manager) runConsensus(ctx context.Context, s *session, task *tasks.Task, subtasks []Subtask, report *Report) {
	results := m.fanOut(ctx, s, task, subtasks)
	votes := make(map[string]string)
	for _, res := range results {
		report.Steps[res.AgentID] = res
		if !res.Success {
			continue
		}
		if v, ok := res.Output["vote"]; ok {
			votes[res.AgentID] = fmt.Sprint(v)
		}
	}
	if len(votes) < len(subtasks) {
		report.Error = fmt.Sprintf("consensus needs a vote from every participant, got %d of %d", len(votes), len(subtasks))
		return
	}

	distinct := make(map[string]struct{}, len(votes))
	var chosen string
	for _, v := range votes {
		distinct[v] = struct{}{}
		chosen = v
	}
	if len(distinct) == 1 {
		report.Success = true
		report.Output = map[string]any{"decision": chosen, "votes": len(votes)}
		return
	}
	for v := range distinct {
		report.ConflictingOptions = append(report.ConflictingOptions, v)
	}
	sort.Strings(report.ConflictingOptions)
	report.Error = "no consensus reached"
}

// fanOut runs subtasks concurrently and returns results in subtask
// order.
func (m *Manager) fanOut(ctx context.Context, s *session, task *tasks.Task, subtasks []Subtask) []StepResult {
	results := make([]StepResult, len(subtasks))
	var wg sync.WaitGroup
	for i, st := range subtasks {
		wg.Add(1)
		go func(i int, st Subtask) {
			defer wg.Done()
			results[i] = m.execStep(ctx, s, task, st, i)
		}(i, st)
	}
	wg.Wait()
	return results
}
