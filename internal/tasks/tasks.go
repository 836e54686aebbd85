// Package tasks owns task records, the dependency graph and the
// pending queue. Tasks are never deleted: terminal tasks move from the
// active index to the history index and are mirrored to sqlite.
package tasks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmesh/taskmesh/internal/errs"
	"github.com/taskmesh/taskmesh/internal/store"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders tasks; Critical and above force a collaboration.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

var priorityNames = map[Priority]string{
	PriorityLow:       "low",
	PriorityMedium:    "medium",
	PriorityHigh:      "high",
	PriorityCritical:  "critical",
	PriorityEmergency: "emergency",
}

func (p Priority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return "medium"
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	case "emergency":
		return PriorityEmergency, nil
	default:
		return PriorityMedium, fmt.Errorf("%w: unknown priority %q", errs.ErrValidation, s)
	}
}

type Task struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	Description       string         `json:"description,omitempty"`
	Priority          Priority       `json:"priority"`
	Requirements      []string       `json:"requirements,omitempty"`
	Input             map[string]any `json:"input,omitempty"`
	Dependencies      []string       `json:"dependencies,omitempty"`
	Deadline          *time.Time     `json:"deadline,omitempty"`
	EstimatedDuration time.Duration  `json:"estimated_duration,omitempty"`
	Status            Status         `json:"status"`
	AssignedTo        string         `json:"assigned_to,omitempty"`
	Error             string         `json:"error,omitempty"`
	Elapsed           time.Duration  `json:"elapsed,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// SubmitConfig is the caller-supplied task definition.
type SubmitConfig struct {
	Type              string         `json:"type"`
	Description       string         `json:"description,omitempty"`
	Priority          string         `json:"priority,omitempty"`
	Requirements      []string       `json:"requirements,omitempty"`
	Input             map[string]any `json:"input,omitempty"`
	Dependencies      []string       `json:"dependencies,omitempty"`
	Deadline          *time.Time     `json:"deadline,omitempty"`
	EstimatedDuration time.Duration  `json:"estimated_duration,omitempty"`
}

type Store struct {
	mu      sync.RWMutex
	active  map[string]*Task
	history map[string]*Task
	queue   []string // queued task ids in submission order

	mirror *store.Store // optional durable mirror
}

func NewStore(mirror *store.Store) *Store {
	return &Store{
		active:  make(map[string]*Task),
		history: make(map[string]*Task),
		mirror:  mirror,
	}
}

// Create validates the config and adds a queued task.
func (s *Store) Create(cfg SubmitConfig) (*Task, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("%w: task type is required", errs.ErrValidation)
	}
	prio, err := ParsePriority(cfg.Priority)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Dependencies must reference existing tasks; since a task can only
	// depend on tasks submitted before it, the graph is acyclic by
	// construction.
	for _, dep := range cfg.Dependencies {
		if _, ok := s.active[dep]; ok {
			continue
		}
		if _, ok := s.history[dep]; ok {
			continue
		}
		return nil, fmt.Errorf("%w: dependency task %s", errs.ErrNotFound, dep)
	}

	t := &Task{
		ID:                uuid.New().String(),
		Type:              cfg.Type,
		Description:       cfg.Description,
		Priority:          prio,
		Requirements:      append([]string(nil), cfg.Requirements...),
		Input:             cfg.Input,
		Dependencies:      append([]string(nil), cfg.Dependencies...),
		Deadline:          cfg.Deadline,
		EstimatedDuration: cfg.EstimatedDuration,
		Status:            StatusQueued,
		CreatedAt:         time.Now(),
	}
	s.active[t.ID] = t
	s.queue = append(s.queue, t.ID)
	s.persistLocked(t)

	cp := *t
	return &cp, nil
}

// Get returns a copy of the task from either index.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.active[id]; ok {
		cp := *t
		return &cp, nil
	}
	if t, ok := s.history[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
}

// List returns every known task, newest first. A non-empty status
// filters the result.
func (s *Store) List(status Status) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.active)+len(s.history))
	for _, t := range s.active {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	for _, t := range s.history {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Eligible returns queued tasks whose dependencies are all completed,
// in submission order.
func (s *Store) Eligible() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, id := range s.queue {
		t, ok := s.active[id]
		if !ok || t.Status != StatusQueued {
			continue
		}
		if s.depsCompletedLocked(t) {
			out = append(out, *t)
		}
	}
	return out
}

func (s *Store) depsCompletedLocked(t *Task) bool {
	for _, dep := range t.Dependencies {
		if d, ok := s.history[dep]; ok && d.Status == StatusCompleted {
			continue
		}
		return false
	}
	return true
}

// MarkScheduled moves a queued, dependency-satisfied task out of the
// queue. Scheduling a task with incomplete dependencies is a conflict.
func (s *Store) MarkScheduled(id, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	if t.Status != StatusQueued {
		return fmt.Errorf("task %s is %s, not queued: %w", id, t.Status, errs.ErrConflict)
	}
	if !s.depsCompletedLocked(t) {
		return fmt.Errorf("task %s has incomplete dependencies: %w", id, errs.ErrConflict)
	}
	t.Status = StatusScheduled
	t.AssignedTo = agentID
	s.removeFromQueueLocked(id)
	s.persistLocked(t)
	return nil
}

// MarkRunning transitions scheduled→running.
func (s *Store) MarkRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	if t.Status != StatusScheduled {
		return fmt.Errorf("task %s is %s, not scheduled: %w", id, t.Status, errs.ErrConflict)
	}
	t.Status = StatusRunning
	s.persistLocked(t)
	return nil
}

// Complete finishes a task and moves it to history.
func (s *Store) Complete(id string, elapsed time.Duration) error {
	return s.finish(id, StatusCompleted, "", elapsed)
}

// Fail finishes a task with a reason and moves it to history.
func (s *Store) Fail(id, reason string) error {
	return s.finish(id, StatusFailed, reason, 0)
}

// Cancel terminates a task. Queued tasks leave the queue immediately;
// for running tasks the scheduler calls this after the executor
// acknowledges the cooperative cancel.
func (s *Store) Cancel(id string) error {
	return s.finish(id, StatusCancelled, "", 0)
}

func (s *Store) finish(id string, status Status, reason string, elapsed time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[id]
	if !ok {
		if _, done := s.history[id]; done {
			return fmt.Errorf("task %s already terminal: %w", id, errs.ErrConflict)
		}
		return fmt.Errorf("task %s: %w", id, errs.ErrNotFound)
	}
	t.Status = status
	t.Error = reason
	if elapsed > 0 {
		t.Elapsed = elapsed
	}
	delete(s.active, id)
	s.removeFromQueueLocked(id)
	s.history[id] = t
	s.persistLocked(t)
	return nil
}

func (s *Store) removeFromQueueLocked(id string) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// CountsByStatus counts active and historical tasks per status.
func (s *Store) CountsByStatus() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int)
	for _, t := range s.active {
		counts[t.Status]++
	}
	for _, t := range s.history {
		counts[t.Status]++
	}
	return counts
}

// QueueLen reports the number of queued tasks.
func (s *Store) QueueLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

func (s *Store) persistLocked(t *Task) {
	if s.mirror == nil {
		return
	}
	rec := &store.TaskRecord{
		ID:          t.ID,
		Type:        t.Type,
		Description: t.Description,
		Priority:    t.Priority.String(),
		Status:      string(t.Status),
		AssignedTo:  t.AssignedTo,
		Error:       t.Error,
		ElapsedMs:   t.Elapsed.Milliseconds(),
	}
	if len(t.Requirements) > 0 {
		rec.Requirements, _ = json.Marshal(t.Requirements)
	}
	if len(t.Input) > 0 {
		rec.Input, _ = json.Marshal(t.Input)
	}
	if len(t.Dependencies) > 0 {
		rec.Dependencies, _ = json.Marshal(t.Dependencies)
	}
	if err := s.mirror.SaveTask(rec); err != nil {
		slog.Warn("save task record failed", "id", t.ID, "error", err)
	}
}
