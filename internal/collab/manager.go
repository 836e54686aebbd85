package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/bus"
	"github.com/taskmesh/taskmesh/internal/decision"
	"github.com/taskmesh/taskmesh/internal/errs"
	"github.com/taskmesh/taskmesh/internal/exec"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/internal/tasks"
	"github.com/taskmesh/taskmesh/internal/workspace"
)

// session is the live state of one collaboration. The participant
// list, pattern and strategy are fixed at creation; only status,
// messages and the cancel hook change afterwards.
type session struct {
	id           string
	taskID       string
	pattern      Pattern
	protocol     Protocol
	strategy     Strategy
	participants []string
	subtasks     []Subtask
	createdAt    time.Time

	mu       sync.Mutex
	status   SessionStatus
	messages []Message
	cancel   context.CancelFunc
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	Pattern      Pattern       `json:"pattern"`
	Protocol     Protocol      `json:"protocol"`
	Strategy     Strategy      `json:"strategy"`
	Participants []string      `json:"participants"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	Messages     int           `json:"messages"`
}

// CreateConfig describes a session to create. Pattern and Protocol
// are optional; when empty they are derived from the strategy.
// Subtasks may pin explicit per-participant work; otherwise the task
// input is distributed into equal slices.
type CreateConfig struct {
	TaskID       string
	Participants []string
	Pattern      Pattern
	Protocol     Protocol
	Subtasks     []Subtask
}

// Manager creates, runs and archives collaboration sessions.
type Manager struct {
	registry   *registry.Registry
	tasks      *tasks.Store
	workspaces *workspace.Manager
	executor   exec.Executor
	clock      exec.Clock
	db         *store.Store // optional durable archive
	sink       bus.Sink
	client     *bus.Client // optional, live chat fan-out

	stepTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	replies  map[string]chan Message // open response waits by message id
	total    int
}

// NewManager wires a session manager. db, client and sink may all be
// nil; a nil sink drops telemetry.
func NewManager(reg *registry.Registry, ts *tasks.Store, ws *workspace.Manager, executor exec.Executor, clock exec.Clock, db *store.Store, sink bus.Sink, client *bus.Client, stepTimeout time.Duration) *Manager {
	if clock == nil {
		clock = exec.SystemClock{}
	}
	if stepTimeout <= 0 {
		stepTimeout = 5 * time.Minute
	}
	return &Manager{
		registry:    reg,
		tasks:       ts,
		workspaces:  ws,
		executor:    executor,
		clock:       clock,
		db:          db,
		sink:        sink,
		client:      client,
		stepTimeout: stepTimeout,
		sessions:    make(map[string]*session),
		replies:     make(map[string]chan Message),
	}
}

// Create claims the participants and opens a session in the created
// state. Claiming is all-or-nothing: if any participant cannot move
// to coordinating, the ones already claimed are released and the
// session is not created.
func (m *Manager) Create(cfg CreateConfig) (*Info, error) {
	task, err := m.tasks.Get(cfg.TaskID)
	if err != nil {
		return nil, err
	}
	if len(cfg.Participants) < 2 {
		return nil, fmt.Errorf("%w: collaboration needs at least 2 participants", errs.ErrValidation)
	}
	seen := make(map[string]struct{}, len(cfg.Participants))
	for _, id := range cfg.Participants {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate participant %s", errs.ErrValidation, id)
		}
		seen[id] = struct{}{}
	}
	if cfg.Pattern != "" && !cfg.Pattern.Valid() {
		return nil, fmt.Errorf("%w: unknown pattern %q", errs.ErrValidation, cfg.Pattern)
	}

	claimed := make([]string, 0, len(cfg.Participants))
	for _, id := range cfg.Participants {
		if err := m.registry.AssignCoordinating(cfg.TaskID, id); err != nil {
			for _, prev := range claimed {
				if rerr := m.registry.Release(prev); rerr != nil {
					slog.Warn("release after failed claim", "agent", prev, "error", rerr)
				}
			}
			return nil, fmt.Errorf("claim participant %s: %w", id, err)
		}
		claimed = append(claimed, id)
	}

	agents := make([]*registry.Agent, 0, len(cfg.Participants))
	for _, id := range cfg.Participants {
		a, err := m.registry.Get(id)
		if err == nil {
			agents = append(agents, a)
		}
	}
	strat := DeriveStrategy(agents, task)

	pattern := cfg.Pattern
	if pattern == "" {
		pattern = defaultPattern(strat)
	}
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = ProtocolDirect
		switch strat.Communication {
		case "broadcast":
			protocol = ProtocolBroadcast
		case "hierarchical":
			protocol = ProtocolHierarchical
		}
	}

	s := &session{
		id:           uuid.NewString(),
		taskID:       cfg.TaskID,
		pattern:      pattern,
		protocol:     protocol,
		strategy:     strat,
		participants: append([]string(nil), cfg.Participants...),
		subtasks:     cfg.Subtasks,
		createdAt:    m.clock.Now(),
		status:       SessionCreated,
	}
	m.workspaces.Create(s.id)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.total++
	m.mu.Unlock()

	m.persist(s, nil)
	m.emit(bus.TopicSessionEvents(s.id), "session.created", map[string]any{
		"session_id":   s.id,
		"task_id":      s.taskID,
		"pattern":      string(pattern),
		"participants": s.participants,
	})
	slog.Info("collaboration session created",
		"session", s.id, "task", s.taskID, "pattern", pattern, "participants", len(s.participants))
	return s.info(), nil
}

// Get returns a snapshot of a session.
func (m *Manager) Get(id string) (*Info, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.info(), nil
}

// List returns snapshots of all known sessions, newest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Counts returns (active, total) session counts. Total includes
// archived sessions since manager start.
func (m *Manager) Counts() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := 0
	for _, s := range m.sessions {
		s.mu.Lock()
		if !s.status.Terminal() {
			active++
		}
		s.mu.Unlock()
	}
	return active, m.total
}

// Execute runs the session's pattern to completion and archives the
// result. It is an error to execute a session twice.
func (m *Manager) Execute(ctx context.Context, sessionID string) (*Report, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	task, err := m.tasks.Get(s.taskID)
	if err != nil {
		return nil, err
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if task.Deadline != nil {
		runCtx, cancel = context.WithDeadline(ctx, *task.Deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	s.mu.Lock()
	if s.status != SessionCreated {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s is %s", errs.ErrConflict, sessionID, s.status)
	}
	s.status = SessionActive
	s.cancel = cancel
	subtasks := s.subtasks
	s.mu.Unlock()

	m.emit(bus.TopicSessionEvents(s.id), "session.started", map[string]any{
		"session_id": s.id, "task_id": s.taskID,
	})

	if len(subtasks) == 0 {
		subtasks = distribute(task, s.participants)
	}

	started := m.clock.Now()
	report := m.run(runCtx, s, task, subtasks)
	report.Elapsed = m.clock.Now().Sub(started)

	final := SessionCompleted
	if !report.Success {
		final = SessionAborted
	}
	m.archive(s, final, report)
	return report, nil
}

// Cancel aborts a session. An active run is interrupted through its
// context; a session that never started is archived directly with its
// participants released.
func (m *Manager) Cancel(sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s already %s", errs.ErrConflict, sessionID, s.status)
	}
	if s.status == SessionActive {
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	for _, id := range s.participants {
		if err := m.registry.Release(id); err != nil {
			slog.Warn("release participant on cancel", "session", s.id, "agent", id, "error", err)
		}
	}
	m.archive(s, SessionAborted, &Report{
		SessionID: s.id,
		TaskID:    s.taskID,
		Pattern:   s.pattern,
		Error:     "cancelled before execution",
	})
	return nil
}

// Workspace exposes a live session's shared workspace.
func (m *Manager) Workspace(sessionID string) (*workspace.Workspace, error) {
	if _, err := m.lookup(sessionID); err != nil {
		return nil, err
	}
	return m.workspaces.Get(sessionID)
}

// run dispatches to the pattern executor. Unclaimed participants are
// released afterwards so an aborted run never leaves agents stuck in
// coordinating.
func (m *Manager) run(ctx context.Context, s *session, task *tasks.Task, subtasks []Subtask) *Report {
	report := &Report{
		SessionID: s.id,
		TaskID:    s.taskID,
		Pattern:   s.pattern,
		Steps:     make(map[string]StepResult),
		Total:     len(subtasks),
	}
	switch s.pattern {
	case PatternPipeline:
		m.runPipeline(ctx, s, task, subtasks, report)
	case PatternParallel:
		m.runParallel(ctx, s, task, subtasks, report)
	case PatternHierarchical:
		m.runHierarchical(ctx, s, task, subtasks, report)
	case PatternMesh:
		m.runMesh(ctx, s, task, subtasks, report)
	case PatternConsensus:
		m.runConsensus(ctx, s, task, subtasks, report)
	default:
		report.Error = fmt.Sprintf("unknown pattern %q", s.pattern)
	}
	for _, res := range report.Steps {
		if res.Success {
			report.SuccessCount++
		}
	}
	m.releaseSkipped(s, report)
	return report
}

// releaseSkipped returns participants whose step never ran to idle.
// Participants that did run were settled by RecordOutcome already.
func (m *Manager) releaseSkipped(s *session, report *Report) {
	for _, id := range s.participants {
		res, ok := report.Steps[id]
		if ok && !res.Skipped {
			continue
		}
		if err := m.registry.Release(id); err != nil {
			slog.Warn("release skipped participant", "session", s.id, "agent", id, "error", err)
		}
	}
}

// archive moves the session to its terminal state, releases the
// workspace and persists the run.
func (m *Manager) archive(s *session, final SessionStatus, report *Report) {
	s.mu.Lock()
	s.status = final
	s.cancel = nil
	s.mu.Unlock()

	snapshot, err := m.workspaces.Release(s.id)
	if err != nil {
		slog.Warn("release workspace", "session", s.id, "error", err)
	}

	run := m.persist(s, report)
	if run != nil && snapshot != nil {
		run.Workspace = snapshot
		if m.db != nil {
			if err := m.db.SaveSessionRun(run); err != nil {
				slog.Warn("archive session run", "session", s.id, "error", err)
			}
		}
	}

	m.emit(bus.TopicSessionEvents(s.id), "session."+string(final), map[string]any{
		"session_id": s.id,
		"task_id":    s.taskID,
		"success":    report.Success,
		"steps":      report.Total,
		"succeeded":  report.SuccessCount,
	})
	slog.Info("collaboration session finished",
		"session", s.id, "task", s.taskID, "status", final,
		"succeeded", report.SuccessCount, "steps", report.Total)
}

// MakeGroupDecision runs a group decision for an active session and
// records it in the session workspace ledger.
func (m *Manager) MakeGroupDecision(sessionID, method, description, proposer string, options []string, votes map[string]string, weights map[string]float64) (*decision.Outcome, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	for voter := range votes {
		if !s.participant(voter) {
			return nil, fmt.Errorf("%w: voter %s", errs.ErrInvalidParticipant, voter)
		}
	}

	var outcome *decision.Outcome
	switch method {
	case "majority_vote":
		outcome, err = decision.MajorityVote(votes, options)
	case "consensus":
		outcome, err = decision.Consensus(votes)
	case "weighted_vote":
		outcome, err = decision.WeightedVote(votes, weights)
	default:
		return nil, fmt.Errorf("%w: unknown decision method %q", errs.ErrValidation, method)
	}
	if err != nil {
		return nil, err
	}

	if ws, werr := m.workspaces.Get(sessionID); werr == nil {
		raw, _ := json.Marshal(outcome)
		var asMap map[string]any
		_ = json.Unmarshal(raw, &asMap)
		ws.RecordDecision(description, proposer, method, asMap)
	}
	return outcome, nil
}

// ResolveContention time-shares a contended resource across the
// requesting participants and records the schedule in the workspace
// ledger.
func (m *Manager) ResolveContention(sessionID string, requesters []string) (*decision.Resolution, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	for _, agent := range requesters {
		if !s.participant(agent) {
			return nil, fmt.Errorf("%w: requester %s", errs.ErrInvalidParticipant, agent)
		}
	}
	res, err := decision.ResolveResourceContention(requesters)
	if err != nil {
		return nil, err
	}
	m.recordResolution(sessionID, "resource contention", res)
	return res, nil
}

// ResolveDisagreement recommends the majority position among the
// participants' stated positions.
func (m *Manager) ResolveDisagreement(sessionID string, positions map[string]string) (*decision.Resolution, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	for agent := range positions {
		if !s.participant(agent) {
			return nil, fmt.Errorf("%w: participant %s", errs.ErrInvalidParticipant, agent)
		}
	}
	res, err := decision.ResolveDisagreement(positions)
	if err != nil {
		return nil, err
	}
	m.recordResolution(sessionID, "decision disagreement", res)
	return res, nil
}

func (m *Manager) recordResolution(sessionID, description string, res *decision.Resolution) {
	ws, err := m.workspaces.Get(sessionID)
	if err != nil {
		return
	}
	raw, _ := json.Marshal(res)
	var asMap map[string]any
	_ = json.Unmarshal(raw, &asMap)
	ws.RecordDecision(description, "coordinator", res.Strategy, asMap)
}

func (m *Manager) emit(topic, eventType string, data map[string]any) {
	if m.sink == nil {
		return
	}
	m.sink.Emit(topic, eventType, data)
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", errs.ErrNotFound, id)
	}
	return s, nil
}

// persist writes the session run through to the durable store and
// returns the record for further amendment.
func (m *Manager) persist(s *session, report *Report) *store.SessionRun {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	participants, _ := json.Marshal(s.participants)
	strat, _ := json.Marshal(s.strategy)
	run := &store.SessionRun{
		ID:           s.id,
		TaskID:       s.taskID,
		Pattern:      string(s.pattern),
		Protocol:     string(s.protocol),
		Strategy:     strat,
		Participants: participants,
		Status:       string(status),
		StartedAt:    s.createdAt,
	}
	if report != nil {
		run.Report, _ = json.Marshal(report)
	}
	if m.db != nil {
		if err := m.db.SaveSessionRun(run); err != nil {
			slog.Warn("persist session run", "session", s.id, "error", err)
		}
	}
	return run
}

func (s *session) info() *Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Info{
		ID:           s.id,
		TaskID:       s.taskID,
		Pattern:      s.pattern,
		Protocol:     s.protocol,
		Strategy:     s.strategy,
		Participants: append([]string(nil), s.participants...),
		Status:       s.status,
		CreatedAt:    s.createdAt,
		Messages:     len(s.messages),
	}
}

func (s *session) participant(id string) bool {
	for _, p := range s.participants {
		if p == id {
			return true
		}
	}
	return false
}
