// Package registry owns agent records, their capabilities and status.
// Status transitions are the concurrency primitive: an agent is claimed
// by a compare-and-set on its status, never by an external lock.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/errs"
	"github.com/taskmesh/taskmesh/internal/store"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusBusy         Status = "busy"
	StatusCoordinating Status = "coordinating"
	StatusError        Status = "error"
	StatusOffline      Status = "offline"
)

// Capability is a named skill with a proficiency in [0,1].
type Capability struct {
	Name          string        `json:"name"`
	Proficiency   float64       `json:"proficiency"`
	Cost          float64       `json:"cost,omitempty"`
	EstimatedTime time.Duration `json:"estimated_time,omitempty"`
}

// Agent is an execution unit. CurrentTask is set exactly when the
// status is busy or coordinating.
type Agent struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Type              string            `json:"type"`
	Capabilities      []Capability      `json:"capabilities"`
	Status            Status            `json:"status"`
	PerformanceScore  float64           `json:"performance_score"`
	AvgCompletionTime time.Duration     `json:"avg_completion_time"`
	CompletedTasks    int               `json:"completed_tasks"`
	CurrentTask       string            `json:"current_task,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	RegisteredAt      time.Time         `json:"registered_at"`

	seq int // registration order, tie-breaker for suitability ranking
}

// RegisterConfig is the caller-supplied agent definition.
type RegisterConfig struct {
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Capabilities []Capability      `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

const (
	MinPerformanceScore = 0.1
	MaxPerformanceScore = 2.0
)

type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	nextSeq int

	snapshots *store.Store // optional durable mirror
	sink      bus.Sink     // optional telemetry
}

func New(snapshots *store.Store, sink bus.Sink) *Registry {
	return &Registry{
		agents:    make(map[string]*Agent),
		snapshots: snapshots,
		sink:      sink,
	}
}

// Register validates the config and adds a new idle agent.
func (r *Registry) Register(cfg RegisterConfig) (string, error) {
	if cfg.Name == "" {
		return "", fmt.Errorf("%w: agent name is required", errs.ErrValidation)
	}
	if cfg.Type == "" {
		return "", fmt.Errorf("%w: agent type is required", errs.ErrValidation)
	}
	if len(cfg.Capabilities) == 0 {
		return "", fmt.Errorf("%w: at least one capability is required", errs.ErrValidation)
	}
	for _, c := range cfg.Capabilities {
		if c.Name == "" {
			return "", fmt.Errorf("%w: capability name is required", errs.ErrValidation)
		}
		if c.Proficiency < 0 || c.Proficiency > 1 {
			return "", fmt.Errorf("%w: capability %q proficiency %v outside [0,1]", errs.ErrValidation, c.Name, c.Proficiency)
		}
	}

	a := &Agent{
		ID:               uuid.New().String(),
		Name:             cfg.Name,
		Type:             cfg.Type,
		Capabilities:     append([]Capability(nil), cfg.Capabilities...),
		Status:           StatusIdle,
		PerformanceScore: 1.0,
		Metadata:         cfg.Metadata,
		RegisteredAt:     time.Now(),
	}

	r.mu.Lock()
	a.seq = r.nextSeq
	r.nextSeq++
	r.agents[a.ID] = a
	snap := r.snapshotLocked(a)
	r.mu.Unlock()

	r.persist(snap)
	r.emit(a.ID, "agent_registered", map[string]any{"name": a.Name, "type": a.Type})
	slog.Info("agent registered", "id", a.ID, "name", a.Name, "capabilities", len(a.Capabilities))

	return a.ID, nil
}

// Unregister removes the agent and returns its final record so the
// caller can fail any task it was holding.
func (r *Registry) Unregister(id string) (*Agent, error) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("agent %s: %w", id, errs.ErrNotFound)
	}
	delete(r.agents, id)
	final := *a
	r.mu.Unlock()

	if r.snapshots != nil {
		if err := r.snapshots.DeleteAgent(id); err != nil {
			slog.Warn("delete agent snapshot failed", "id", id, "error", err)
		}
	}
	r.emit(id, "agent_unregistered", map[string]any{"name": final.Name})
	slog.Info("agent unregistered", "id", id, "name", final.Name)

	return &final, nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, errs.ErrNotFound)
	}
	cp := *a
	cp.Capabilities = append([]Capability(nil), a.Capabilities...)
	return &cp, nil
}

// List returns copies of all agents in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		cp.Capabilities = append([]Capability(nil), a.Capabilities...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Assign claims an agent for a task via compare-and-set idle→busy.
// A concurrent claim on the same agent loses with ErrConflict.
func (r *Registry) Assign(taskID, agentID string) error {
	return r.claim(taskID, agentID, StatusBusy)
}

// AssignCoordinating claims an agent as a collaboration participant,
// idle→coordinating, with the same CAS discipline as Assign.
func (r *Registry) AssignCoordinating(taskID, agentID string) error {
	return r.claim(taskID, agentID, StatusCoordinating)
}

func (r *Registry) claim(taskID, agentID string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, errs.ErrNotFound)
	}
	if a.Status != StatusIdle {
		return fmt.Errorf("agent %s is %s, not idle: %w", agentID, a.Status, errs.ErrConflict)
	}
	a.Status = to
	a.CurrentTask = taskID
	return nil
}

// Release returns a claimed agent to idle and clears its task.
func (r *Registry) Release(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, errs.ErrNotFound)
	}
	a.Status = StatusIdle
	a.CurrentTask = ""
	return nil
}

// Recover is the explicit error→idle transition. There is no automatic
// recovery: a persistently failing agent must not be silently retried.
func (r *Registry) Recover(agentID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: %w", agentID, errs.ErrNotFound)
	}
	if a.Status != StatusError {
		st := a.Status
		r.mu.Unlock()
		return fmt.Errorf("agent %s is %s, not error: %w", agentID, st, errs.ErrConflict)
	}
	a.Status = StatusIdle
	a.CurrentTask = ""
	snap := r.snapshotLocked(a)
	r.mu.Unlock()

	r.persist(snap)
	r.emit(agentID, "agent_recovered", nil)
	return nil
}

// RecordOutcome folds an execution result back into the agent's score.
// Success: online-mean completion time, score nudged by estimate/elapsed,
// agent back to idle. Failure: the agent goes to error and sticks there
// until Recover is called.
func (r *Registry) RecordOutcome(agentID string, elapsed, estimated time.Duration, success bool) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %s: %w", agentID, errs.ErrNotFound)
	}

	if success {
		a.CompletedTasks++
		n := time.Duration(a.CompletedTasks)
		a.AvgCompletionTime = (a.AvgCompletionTime*(n-1) + elapsed) / n
		ratio := 1.0
		if elapsed > 0 && estimated > 0 {
			ratio = float64(estimated) / float64(elapsed)
		}
		a.PerformanceScore = clamp(a.PerformanceScore*0.8+ratio*0.2, MinPerformanceScore, MaxPerformanceScore)
		a.Status = StatusIdle
		a.CurrentTask = ""
	} else {
		a.Status = StatusError
		a.CurrentTask = ""
	}
	snap := r.snapshotLocked(a)
	score := a.PerformanceScore
	r.mu.Unlock()

	r.persist(snap)
	r.emit(agentID, "agent_outcome", map[string]any{
		"agent_id": agentID,
		"success":  success,
		"elapsed":  elapsed.String(),
		"score":    score,
	})
	return nil
}

// CountsByStatus returns the number of agents in each status.
func (r *Registry) CountsByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int)
	for _, a := range r.agents {
		counts[a.Status]++
	}
	return counts
}

// AvgPerformance returns the mean performance score, 0 with no agents.
func (r *Registry) AvgPerformance() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.agents) == 0 {
		return 0
	}
	var sum float64
	for _, a := range r.agents {
		sum += a.PerformanceScore
	}
	return sum / float64(len(r.agents))
}

func (r *Registry) snapshotLocked(a *Agent) *store.AgentSnapshot {
	caps, _ := json.Marshal(a.Capabilities)
	var meta json.RawMessage
	if len(a.Metadata) > 0 {
		meta, _ = json.Marshal(a.Metadata)
	}
	return &store.AgentSnapshot{
		ID:               a.ID,
		Name:             a.Name,
		Type:             a.Type,
		Status:           string(a.Status),
		PerformanceScore: a.PerformanceScore,
		AvgCompletionMs:  a.AvgCompletionTime.Milliseconds(),
		CompletedTasks:   a.CompletedTasks,
		Capabilities:     caps,
		Metadata:         meta,
	}
}

func (r *Registry) persist(snap *store.AgentSnapshot) {
	if r.snapshots == nil || snap == nil {
		return
	}
	if err := r.snapshots.SaveAgent(snap); err != nil {
		slog.Warn("save agent snapshot failed", "id", snap.ID, "error", err)
	}
}

func (r *Registry) emit(agentID, eventType string, data map[string]any) {
	if r.sink == nil {
		return
	}
	r.sink.Emit(bus.TopicAgentEvents(agentID), eventType, data)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
