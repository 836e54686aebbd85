package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SessionRun is the archived form of a collaboration session. The
// workspace column holds the final document/data/decision snapshot
// taken before the live workspace is released.
type SessionRun struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	Pattern      string          `json:"pattern"`
	Protocol     string          `json:"protocol"`
	Strategy     json.RawMessage `json:"strategy,omitempty"`
	Participants json.RawMessage `json:"participants"`
	Status       string          `json:"status"`
	Report       json.RawMessage `json:"report,omitempty"`
	Workspace    json.RawMessage `json:"workspace,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
}

const sessionColumns = `id, task_id, pattern, protocol, strategy, participants, status, report, workspace, started_at, ended_at`

func scanSessionRun(scanner interface {
	Scan(dest ...any) error
}) (*SessionRun, error) {
	r := &SessionRun{}
	var participants string
	var strategy, report, workspace *string
	err := scanner.Scan(&r.ID, &r.TaskID, &r.Pattern, &r.Protocol, &strategy,
		&participants, &r.Status, &report, &workspace, &r.StartedAt, &r.EndedAt)
	if err != nil {
		return nil, err
	}
	r.Participants = json.RawMessage(participants)
	if strategy != nil {
		r.Strategy = json.RawMessage(*strategy)
	}
	if report != nil {
		r.Report = json.RawMessage(*report)
	}
	if workspace != nil {
		r.Workspace = json.RawMessage(*workspace)
	}
	return r, nil
}

func (s *Store) SaveSessionRun(r *SessionRun) error {
	_, err := s.db.Exec(`
		INSERT INTO session_runs (id, task_id, pattern, protocol, strategy, participants, status, report, workspace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			report = excluded.report,
			workspace = excluded.workspace,
			ended_at = CASE WHEN excluded.status IN ('completed', 'aborted')
				THEN CURRENT_TIMESTAMP ELSE ended_at END`,
		r.ID, r.TaskID, r.Pattern, r.Protocol, rawOrNil(r.Strategy),
		string(r.Participants), r.Status, rawOrNil(r.Report), rawOrNil(r.Workspace))
	if err != nil {
		return fmt.Errorf("save session run: %w", err)
	}
	return nil
}

func (s *Store) GetSessionRun(id string) (*SessionRun, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM session_runs WHERE id = ?`, id)
	r, err := scanSessionRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session run: %w", err)
	}
	return r, nil
}

func (s *Store) ListSessionRuns() ([]SessionRun, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM session_runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list session runs: %w", err)
	}
	defer rows.Close()

	var runs []SessionRun
	for rows.Next() {
		r, err := scanSessionRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
