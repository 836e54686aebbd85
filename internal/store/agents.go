package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AgentSnapshot is the durable mirror of a registry agent record.
type AgentSnapshot struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	PerformanceScore float64         `json:"performance_score"`
	AvgCompletionMs  int64           `json:"avg_completion_ms"`
	CompletedTasks   int             `json:"completed_tasks"`
	Capabilities     json.RawMessage `json:"capabilities"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (s *Store) SaveAgent(a *AgentSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (id, name, type, status, performance_score, avg_completion_ms, completed_tasks, capabilities, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			performance_score = excluded.performance_score,
			avg_completion_ms = excluded.avg_completion_ms,
			completed_tasks = excluded.completed_tasks,
			capabilities = excluded.capabilities,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Name, a.Type, a.Status, a.PerformanceScore, a.AvgCompletionMs,
		a.CompletedTasks, string(a.Capabilities), rawOrNil(a.Metadata))
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*AgentSnapshot, error) {
	a := &AgentSnapshot{}
	var capabilities string
	var metadata *string
	err := s.db.QueryRow(`
		SELECT id, name, type, status, performance_score, avg_completion_ms, completed_tasks, capabilities, metadata, created_at, updated_at
		FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Type, &a.Status, &a.PerformanceScore, &a.AvgCompletionMs,
			&a.CompletedTasks, &capabilities, &metadata, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.Capabilities = json.RawMessage(capabilities)
	if metadata != nil {
		a.Metadata = json.RawMessage(*metadata)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]AgentSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT id, name, type, status, performance_score, avg_completion_ms, completed_tasks, capabilities, metadata, created_at, updated_at
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentSnapshot
	for rows.Next() {
		var a AgentSnapshot
		var capabilities string
		var metadata *string
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.Status, &a.PerformanceScore, &a.AvgCompletionMs,
			&a.CompletedTasks, &capabilities, &metadata, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Capabilities = json.RawMessage(capabilities)
		if metadata != nil {
			a.Metadata = json.RawMessage(*metadata)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	return err
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
