// Package scheduler fires a butler's scheduled tasks at their cron cadence.
//
// On startup, SyncSchedules reconciles [[butler.schedule]] TOML entries
// into the scheduled_tasks table (source='toml'): insert new, update
// changed, disable removed — never delete. At each Tick, due tasks are
// dispatched serially to the spawner; next_run_at advances whether or not
// dispatch succeeded, so one failing task cannot stall its schedule.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Task sources.
const (
	SourceTOML = "toml"
	SourceDB   = "db"
)

// Operational scheduler errors.
var (
	ErrCronInvalid      = errors.New("cron_invalid")
	ErrScheduleNotFound = errors.New("schedule_not_found")
	ErrScheduleExists   = errors.New("schedule_exists")
	ErrTOMLImmutable    = errors.New("toml-sourced tasks cannot be deleted; disable them instead")
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Entry is one [[butler.schedule]] TOML entry.
type Entry struct {
	Name   string `toml:"name"`
	Cron   string `toml:"cron"`
	Prompt string `toml:"prompt"`
}

// Task is one scheduled_tasks row.
type Task struct {
	ID         uuid.UUID
	Name       string
	Cron       string
	Prompt     string
	Source     string
	Enabled    bool
	NextRunAt  *time.Time
	LastRunAt  *time.Time
	LastResult []byte
}

// DispatchFunc sends one due prompt to the spawner. The returned value is
// stored in last_result as JSONB.
type DispatchFunc func(ctx context.Context, prompt, triggerSource string) (any, error)

// store is the persistence surface the scheduler drives.
type store interface {
	TOMLTasks(ctx context.Context) ([]Task, error)
	InsertTask(ctx context.Context, name, cron, prompt, source string, nextRunAt time.Time) (uuid.UUID, error)
	UpdateTOMLTask(ctx context.Context, id uuid.UUID, cronExpr, prompt string, nextRunAt time.Time) error
	DisableTask(ctx context.Context, id uuid.UUID) error
	DueTasks(ctx context.Context, now time.Time) ([]Task, error)
	FinishRun(ctx context.Context, id uuid.UUID, nextRunAt, lastRunAt time.Time, lastResult []byte) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	UpdateFields(ctx context.Context, id uuid.UUID, set map[string]any) error
	DeleteTask(ctx context.Context, id uuid.UUID) error
	TaskNameExists(ctx context.Context, name string) (bool, error)
}

// Scheduler evaluates cron expressions and dispatches due tasks.
type Scheduler struct {
	store  store
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates a Scheduler.
func New(store store, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("butlers"),
		now:    time.Now,
	}
}

// ValidateCron reports whether expr is a valid 5-field cron expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrCronInvalid, expr, err)
	}
	return nil
}

// NextRun computes the next occurrence of a cron expression after now, in
// UTC.
func NextRun(expr string, now time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrCronInvalid, expr, err)
	}
	return schedule.Next(now.UTC()), nil
}

// SyncSchedules reconciles TOML entries with the scheduled_tasks table.
// Matching key is name. New entries insert, changed entries update (and
// re-enable), entries no longer in TOML are disabled.
func (s *Scheduler) SyncSchedules(ctx context.Context, entries []Entry) error {
	existing, err := s.store.TOMLTasks(ctx)
	if err != nil {
		return fmt.Errorf("load toml tasks: %w", err)
	}
	byName := make(map[string]Task, len(existing))
	for _, task := range existing {
		byName[task.Name] = task
	}

	tomlNames := make(map[string]bool, len(entries))
	for _, entry := range entries {
		tomlNames[entry.Name] = true

		nextRunAt, err := NextRun(entry.Cron, s.now())
		if err != nil {
			return fmt.Errorf("schedule %q: %w", entry.Name, err)
		}

		current, ok := byName[entry.Name]
		if !ok {
			if _, err := s.store.InsertTask(ctx, entry.Name, entry.Cron, entry.Prompt, SourceTOML, nextRunAt); err != nil {
				return fmt.Errorf("insert toml schedule %q: %w", entry.Name, err)
			}
			s.logger.Info("inserted TOML schedule", zap.String("name", entry.Name))
			continue
		}

		if current.Cron != entry.Cron || current.Prompt != entry.Prompt || !current.Enabled {
			if err := s.store.UpdateTOMLTask(ctx, current.ID, entry.Cron, entry.Prompt, nextRunAt); err != nil {
				return fmt.Errorf("update toml schedule %q: %w", entry.Name, err)
			}
			s.logger.Info("updated TOML schedule", zap.String("name", entry.Name))
		}
	}

	for name, task := range byName {
		if !tomlNames[name] && task.Enabled {
			if err := s.store.DisableTask(ctx, task.ID); err != nil {
				return fmt.Errorf("disable removed schedule %q: %w", name, err)
			}
			s.logger.Info("disabled removed TOML schedule", zap.String("name", name))
		}
	}
	return nil
}

// Tick dispatches every task whose next_run_at has passed, serially in
// next_run_at order, and returns the count of successful dispatches.
// next_run_at always advances — dispatch failures are captured into
// last_result, never retried on the old occurrence.
func (s *Scheduler) Tick(ctx context.Context, dispatch DispatchFunc) (int, error) {
	ctx, span := s.tracer.Start(ctx, "butler.tick")
	defer span.End()

	now := s.now().UTC()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("query due tasks: %w", err)
	}
	span.SetAttributes(attribute.Int("tasks_due", len(due)))

	dispatched := 0
	for _, task := range due {
		var lastResult []byte
		result, err := dispatch(ctx, task.Prompt, "schedule:"+task.Name)
		if err != nil {
			s.logger.Error("scheduled task dispatch failed",
				zap.String("name", task.Name), zap.Error(err))
			lastResult = resultToJSON(map[string]any{"error": err.Error()})
		} else {
			lastResult = resultToJSON(result)
			dispatched++
			s.logger.Info("dispatched scheduled task", zap.String("name", task.Name))
		}

		nextRunAt, nrErr := NextRun(task.Cron, now)
		if nrErr != nil {
			// A cron that validated at create time should never fail here;
			// push the schedule out an hour rather than hot-looping it.
			s.logger.Error("failed to advance schedule", zap.String("name", task.Name), zap.Error(nrErr))
			nextRunAt = now.Add(time.Hour)
		}
		if err := s.store.FinishRun(ctx, task.ID, nextRunAt, now, lastResult); err != nil {
			s.logger.Error("failed to record schedule run",
				zap.String("name", task.Name), zap.Error(err))
		}
	}

	span.SetAttributes(attribute.Int("tasks_run", dispatched))
	return dispatched, nil
}

// resultToJSON renders a dispatch result as JSONB. Non-encodable values
// degrade to their string form.
func resultToJSON(result any) []byte {
	if result == nil {
		return nil
	}
	if b, err := json.Marshal(result); err == nil {
		// Scalars still need an object wrapper for the dashboard.
		if len(b) > 0 && b[0] != '{' {
			wrapped, _ := json.Marshal(map[string]any{"result": json.RawMessage(b)})
			return wrapped
		}
		return b
	}
	fallback, _ := json.Marshal(map[string]any{"result": fmt.Sprintf("%v", result)})
	return fallback
}
