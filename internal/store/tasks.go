package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TaskRecord is the durable view of a task. Terminal tasks stay here
// forever; the in-memory store only keeps the active set.
type TaskRecord struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Description  string          `json:"description,omitempty"`
	Priority     string          `json:"priority"`
	Requirements json.RawMessage `json:"requirements,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Dependencies json.RawMessage `json:"dependencies,omitempty"`
	Status       string          `json:"status"`
	AssignedTo   string          `json:"assigned_to,omitempty"`
	Error        string          `json:"error,omitempty"`
	ElapsedMs    int64           `json:"elapsed_ms,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

const taskColumns = `id, type, description, priority, requirements, input, dependencies, status, assigned_to, error, elapsed_ms, created_at, finished_at`

func scanTaskRecord(scanner interface {
	Scan(dest ...any) error
}) (*TaskRecord, error) {
	r := &TaskRecord{}
	var description, requirements, input, deps, assignedTo, errMsg *string
	var elapsed *int64
	err := scanner.Scan(&r.ID, &r.Type, &description, &r.Priority, &requirements, &input,
		&deps, &r.Status, &assignedTo, &errMsg, &elapsed, &r.CreatedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	if description != nil {
		r.Description = *description
	}
	if requirements != nil {
		r.Requirements = json.RawMessage(*requirements)
	}
	if input != nil {
		r.Input = json.RawMessage(*input)
	}
	if deps != nil {
		r.Dependencies = json.RawMessage(*deps)
	}
	if assignedTo != nil {
		r.AssignedTo = *assignedTo
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	if elapsed != nil {
		r.ElapsedMs = *elapsed
	}
	return r, nil
}

func (s *Store) SaveTask(r *TaskRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, type, description, priority, requirements, input, dependencies, status, assigned_to, error, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			assigned_to = excluded.assigned_to,
			error = excluded.error,
			elapsed_ms = excluded.elapsed_ms,
			finished_at = CASE WHEN excluded.status IN ('completed', 'failed', 'cancelled')
				THEN CURRENT_TIMESTAMP ELSE finished_at END`,
		r.ID, r.Type, r.Description, r.Priority, rawOrNil(r.Requirements), rawOrNil(r.Input),
		rawOrNil(r.Dependencies), r.Status, r.AssignedTo, r.Error, r.ElapsedMs)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*TaskRecord, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	r, err := scanTaskRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return r, nil
}

func (s *Store) ListTasks(status string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.Query(`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRecord
	for rows.Next() {
		r, err := scanTaskRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *r)
	}
	return tasks, rows.Err()
}
