package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/errs"
	"github.com/taskmesh/taskmesh/internal/schedule"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/internal/tasks"
)

// Recurring polls for due recurring tasks and submits a fresh task
// from each template. One-shot schedules complete after firing.
type Recurring struct {
	store        *store.Store
	scheduler    *Scheduler
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func NewRecurring(db *store.Store, sched *Scheduler, cfg config.RecurringConfig) *Recurring {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Recurring{
		store:        db,
		scheduler:    sched,
		pollInterval: interval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateInterval changes the poll interval and nudges the run loop to
// reset its ticker.
func (r *Recurring) UpdateInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.pollInterval = interval
	select {
	case r.reloadCh <- struct{}{}:
	default:
	}
}

// Add registers a recurring task. The schedule is normalized (bare
// cron expressions are accepted) and the template must parse as a
// task submit config.
func (r *Recurring) Add(name, rawSchedule string, template tasks.SubmitConfig) (*store.RecurringTask, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: recurring task needs a name", errs.ErrValidation)
	}
	if template.Type == "" {
		return nil, fmt.Errorf("%w: template needs a task type", errs.ErrValidation)
	}
	normalized, err := schedule.Normalize(rawSchedule)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	raw, err := json.Marshal(template)
	if err != nil {
		return nil, fmt.Errorf("marshal template: %w", err)
	}

	rec := &store.RecurringTask{
		ID:        uuid.NewString(),
		Name:      name,
		Schedule:  normalized,
		Template:  raw,
		Status:    "active",
		NextRunAt: schedule.NextRun(normalized, time.Now()),
	}
	if rec.NextRunAt == nil {
		return nil, fmt.Errorf("%w: schedule has no future runs", errs.ErrValidation)
	}
	if err := r.store.SaveRecurringTask(rec); err != nil {
		return nil, err
	}
	slog.Info("recurring task added", "id", rec.ID, "name", name, "schedule", schedule.Describe(normalized))
	return rec, nil
}

// List returns all recurring tasks.
func (r *Recurring) List() ([]store.RecurringTask, error) {
	return r.store.ListRecurringTasks()
}

// Pause stops a recurring task from firing without deleting it.
func (r *Recurring) Pause(id string) error {
	return r.store.UpdateRecurringStatus(id, "paused")
}

// Resume reactivates a paused recurring task.
func (r *Recurring) Resume(id string) error {
	return r.store.UpdateRecurringStatus(id, "active")
}

// Remove deletes a recurring task.
func (r *Recurring) Remove(id string) error {
	return r.store.DeleteRecurringTask(id)
}

// Run fires due templates until the context ends.
func (r *Recurring) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	slog.Info("recurring submitter started", "poll_interval", r.pollInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("recurring submitter stopped")
			return
		case <-r.reloadCh:
			ticker.Reset(r.pollInterval)
			slog.Info("recurring submitter reloaded", "poll_interval", r.pollInterval)
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Recurring) poll(ctx context.Context) {
	due, err := r.store.GetDueRecurringTasks(time.Now())
	if err != nil {
		slog.Error("get due recurring tasks", "error", err)
		return
	}
	for _, rec := range due {
		r.fire(ctx, rec)
	}
}

// fire submits one task from the template and advances the schedule.
// A template without a next run is marked completed.
func (r *Recurring) fire(ctx context.Context, rec store.RecurringTask) {
	slog.Info("firing recurring task", "id", rec.ID, "name", rec.Name)

	var template tasks.SubmitConfig
	lastStatus := "success"
	lastError := ""
	if err := json.Unmarshal(rec.Template, &template); err != nil {
		lastStatus = "error"
		lastError = fmt.Sprintf("bad template: %v", err)
		slog.Error("recurring template unmarshal", "id", rec.ID, "error", err)
	} else if _, err := r.scheduler.Submit(ctx, template); err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("recurring submit failed", "id", rec.ID, "error", err)
	}

	nextRun := schedule.NextRun(rec.Schedule, time.Now())
	if err := r.store.UpdateRecurringRun(rec.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("update recurring run", "id", rec.ID, "error", err)
	}
	if nextRun == nil {
		slog.Info("recurring task spent, completing", "id", rec.ID, "name", rec.Name)
		if err := r.store.UpdateRecurringStatus(rec.ID, "completed"); err != nil {
			slog.Error("complete recurring task", "id", rec.ID, "error", err)
		}
	}
}
