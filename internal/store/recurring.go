package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RecurringTask is a stored task template submitted on a schedule.
type RecurringTask struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Schedule   string          `json:"schedule"`
	Template   json.RawMessage `json:"template"`
	Status     string          `json:"status"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	LastStatus string          `json:"last_status,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

const recurringColumns = `id, name, schedule, template, status, next_run_at, last_run_at, last_status, last_error, created_at`

func scanRecurring(scanner interface {
	Scan(dest ...any) error
}) (*RecurringTask, error) {
	t := &RecurringTask{}
	var template string
	var lastStatus, lastError *string
	err := scanner.Scan(&t.ID, &t.Name, &t.Schedule, &template, &t.Status,
		&t.NextRunAt, &t.LastRunAt, &lastStatus, &lastError, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Template = json.RawMessage(template)
	if lastStatus != nil {
		t.LastStatus = *lastStatus
	}
	if lastError != nil {
		t.LastError = *lastError
	}
	return t, nil
}

func (s *Store) SaveRecurringTask(t *RecurringTask) error {
	_, err := s.db.Exec(`
		INSERT INTO recurring_tasks (id, name, schedule, template, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			template = excluded.template,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		t.ID, t.Name, t.Schedule, string(t.Template), t.Status, t.NextRunAt)
	if err != nil {
		return fmt.Errorf("save recurring task: %w", err)
	}
	return nil
}

func (s *Store) GetRecurringTask(id string) (*RecurringTask, error) {
	row := s.db.QueryRow(`SELECT `+recurringColumns+` FROM recurring_tasks WHERE id = ?`, id)
	t, err := scanRecurring(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recurring task: %w", err)
	}
	return t, nil
}

func (s *Store) ListRecurringTasks() ([]RecurringTask, error) {
	rows, err := s.db.Query(`SELECT ` + recurringColumns + ` FROM recurring_tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list recurring tasks: %w", err)
	}
	defer rows.Close()

	var tasks []RecurringTask
	for rows.Next() {
		t, err := scanRecurring(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) GetDueRecurringTasks(now time.Time) ([]RecurringTask, error) {
	rows, err := s.db.Query(`SELECT `+recurringColumns+`
		FROM recurring_tasks
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due recurring tasks: %w", err)
	}
	defer rows.Close()

	var tasks []RecurringTask
	for rows.Next() {
		t, err := scanRecurring(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateRecurringRun(id string, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE recurring_tasks
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateRecurringStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE recurring_tasks SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteRecurringTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM recurring_tasks WHERE id = ?`, id)
	return err
}
