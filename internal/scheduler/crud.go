package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// allowedUpdateFields is the whitelist for Update. Anything else is
// rejected before touching the store.
var allowedUpdateFields = map[string]bool{
	"name":              true,
	"cron":              true,
	"prompt":            true,
	"enabled":           true,
	"dispatch_mode":     true,
	"job_name":          true,
	"job_args":          true,
	"timezone":          true,
	"start_at":          true,
	"end_at":            true,
	"until_at":          true,
	"display_title":     true,
	"calendar_event_id": true,
}

// Create adds a runtime (source='db') scheduled task. The cron expression
// is validated and the name must be unique.
func (s *Scheduler) Create(ctx context.Context, name, cronExpr, prompt string) (uuid.UUID, error) {
	if err := ValidateCron(cronExpr); err != nil {
		return uuid.Nil, err
	}
	exists, err := s.store.TaskNameExists(ctx, name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("check task name: %w", err)
	}
	if exists {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrScheduleExists, name)
	}

	nextRunAt, err := NextRun(cronExpr, s.now())
	if err != nil {
		return uuid.Nil, err
	}
	id, err := s.store.InsertTask(ctx, name, cronExpr, prompt, SourceDB, nextRunAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert schedule: %w", err)
	}
	s.logger.Info("created runtime schedule")
	return id, nil
}

// Update patches fields on a scheduled task.
//
// next_run_at handling:
//   - enabled=true  → recompute from the (possibly new) cron
//   - enabled=false → null
//   - cron changed without an explicit enabled → recompute
func (s *Scheduler) Update(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	for key := range fields {
		if !allowedUpdateFields[key] {
			return fmt.Errorf("invalid field %q", key)
		}
	}

	if cronExpr, ok := fields["cron"].(string); ok {
		if err := ValidateCron(cronExpr); err != nil {
			return err
		}
	}

	existing, err := s.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	set := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		set[key] = value
	}

	cronExpr := existing.Cron
	if c, ok := fields["cron"].(string); ok {
		cronExpr = c
	}

	if enabledRaw, ok := fields["enabled"]; ok {
		if enabled, _ := enabledRaw.(bool); enabled {
			nextRunAt, err := NextRun(cronExpr, s.now())
			if err != nil {
				return err
			}
			set["next_run_at"] = nextRunAt
		} else {
			set["next_run_at"] = nil
		}
	} else if _, ok := fields["cron"]; ok {
		nextRunAt, err := NextRun(cronExpr, s.now())
		if err != nil {
			return err
		}
		set["next_run_at"] = nextRunAt
	}

	return s.store.UpdateFields(ctx, id, set)
}

// Delete removes a runtime scheduled task. TOML-sourced tasks are managed
// by config sync and cannot be deleted.
func (s *Scheduler) Delete(ctx context.Context, id uuid.UUID) error {
	existing, err := s.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if existing.Source == SourceTOML {
		return fmt.Errorf("%w (%s)", ErrTOMLImmutable, existing.Name)
	}
	return s.store.DeleteTask(ctx, id)
}

// Trigger dispatches one task immediately, outside its cron cadence. The
// run is recorded like a normal tick but next_run_at is left alone.
func (s *Scheduler) Trigger(ctx context.Context, id uuid.UUID, dispatch DispatchFunc) (any, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return dispatch(ctx, task.Prompt, "schedule:"+task.Name)
}

// Toggle enables or disables a task, applying the next_run_at rules.
func (s *Scheduler) Toggle(ctx context.Context, id uuid.UUID, enabled bool) error {
	return s.Update(ctx, id, map[string]any{"enabled": enabled})
}

// SetNow overrides the scheduler clock in tests.
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }
