// Package collab runs multi-agent collaboration sessions. A session
// claims a fixed set of participants, executes one of the supported
// patterns against a task, routes messages between participants and
// archives the result together with the session workspace.
package collab

import (
	"time"
)

// Pattern selects how participants divide and execute the work.
type Pattern string

const (
	PatternPipeline     Pattern = "pipeline"
	PatternParallel     Pattern = "parallel"
	PatternHierarchical Pattern = "hierarchical"
	PatternMesh         Pattern = "mesh"
	PatternConsensus    Pattern = "consensus"
)

// Valid reports whether p is one of the supported patterns.
func (p Pattern) Valid() bool {
	switch p {
	case PatternPipeline, PatternParallel, PatternHierarchical, PatternMesh, PatternConsensus:
		return true
	}
	return false
}

// Protocol is the communication protocol a session advertises to its
// participants. It is informational; routing behaviour is the same for
// all protocols.
type Protocol string

const (
	ProtocolDirect       Protocol = "direct"
	ProtocolBroadcast    Protocol = "broadcast"
	ProtocolHierarchical Protocol = "hierarchical"
)

// SessionStatus tracks the session lifecycle. Sessions move
// created -> active -> completed|aborted and never leave a terminal
// state.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// Strategy is the coordination strategy derived from the participant
// set and the task at session creation. It is fixed for the session
// lifetime.
type Strategy struct {
	Type               string `json:"type"`
	Communication      string `json:"communication"`
	DecisionMaking     string `json:"decision_making"`
	ConflictResolution string `json:"conflict_resolution"`
}

// Subtask is one unit of work assigned to a participant. When a
// session is created without explicit subtasks the task input is
// distributed into equal slices, one per participant.
type Subtask struct {
	AgentID   string         `json:"agent_id"`
	Input     map[string]any `json:"input"`
	Estimated time.Duration  `json:"estimated"`
	Critical  bool           `json:"critical"`
}

// StepResult is the outcome of one participant's subtask.
type StepResult struct {
	AgentID string         `json:"agent_id"`
	Index   int            `json:"index"`
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Elapsed time.Duration  `json:"elapsed"`
	Skipped bool           `json:"skipped,omitempty"`
}

// Report summarises a finished session run.
type Report struct {
	SessionID          string                `json:"session_id"`
	TaskID             string                `json:"task_id"`
	Pattern            Pattern               `json:"pattern"`
	Success            bool                  `json:"success"`
	Steps              map[string]StepResult `json:"steps"`
	Output             map[string]any        `json:"output,omitempty"`
	SuccessCount       int                   `json:"success_count"`
	Total              int                   `json:"total"`
	ConflictingOptions []string              `json:"conflicting_options,omitempty"`
	Error              string                `json:"error,omitempty"`
	Elapsed            time.Duration         `json:"elapsed"`
}

// Message is an in-session message between participants. An empty
// recipient addresses every other participant; the router expands the
// broadcast into individually addressed copies.
type Message struct {
	ID               string        `json:"id"`
	SessionID        string        `json:"session_id"`
	Sender           string        `json:"sender"`
	Recipient        string        `json:"recipient"`
	Type             string        `json:"type"`
	Content          string        `json:"content"`
	Timestamp        time.Time     `json:"timestamp"`
	RequiresResponse bool          `json:"requires_response,omitempty"`
	ResponseTimeout  time.Duration `json:"response_timeout,omitempty"`
	InReplyTo        string        `json:"in_reply_to,omitempty"`
}
