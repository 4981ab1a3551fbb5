package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres-backed scheduled_tasks store.
type Store struct {
	db DB
}

// NewStore creates a Store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

const taskColumns = `id, name, cron, prompt, source, enabled, next_run_at, last_run_at, last_result`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	if err := row.Scan(&t.ID, &t.Name, &t.Cron, &t.Prompt, &t.Source,
		&t.Enabled, &t.NextRunAt, &t.LastRunAt, &t.LastResult); err != nil {
		return nil, err
	}
	return &t, nil
}

// TOMLTasks returns all tasks with source='toml'.
func (s *Store) TOMLTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE source = $1`, SourceTOML)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// InsertTask inserts an enabled task and returns its id.
func (s *Store) InsertTask(ctx context.Context, name, cronExpr, prompt, source string, nextRunAt time.Time) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO scheduled_tasks (id, name, cron, prompt, source, enabled, next_run_at)
		VALUES ($1, $2, $3, $4, $5, true, $6)
	`, id, name, cronExpr, prompt, source, nextRunAt)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// UpdateTOMLTask applies a changed TOML entry and re-enables the task.
func (s *Store) UpdateTOMLTask(ctx context.Context, id uuid.UUID, cronExpr, prompt string, nextRunAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE scheduled_tasks
		SET cron = $2, prompt = $3, next_run_at = $4, enabled = true, updated_at = now()
		WHERE id = $1
	`, id, cronExpr, prompt, nextRunAt)
	return err
}

// DisableTask disables a task and nulls its next_run_at.
func (s *Store) DisableTask(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE scheduled_tasks
		SET enabled = false, next_run_at = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

// DueTasks returns enabled tasks whose next_run_at has passed, in
// next_run_at order.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE enabled = true AND next_run_at <= $1
		ORDER BY next_run_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// FinishRun records one dispatch and advances next_run_at.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, nextRunAt, lastRunAt time.Time, lastResult []byte) error {
	_, err := s.db.Exec(ctx, `
		UPDATE scheduled_tasks
		SET next_run_at = $2, last_run_at = $3, last_result = $4::jsonb, updated_at = now()
		WHERE id = $1
	`, id, nextRunAt, lastRunAt, lastResult)
	return err
}

// GetTask returns one task by id, or nil when absent.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// UpdateFields applies a whitelisted field patch as a single UPDATE.
func (s *Store) UpdateFields(ctx context.Context, id uuid.UUID, set map[string]any) error {
	if len(set) == 0 {
		return nil
	}

	clauses := make([]string, 0, len(set)+1)
	args := []any{id}
	idx := 2
	for key, value := range set {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", key, idx))
		args = append(args, value)
		idx++
	}
	clauses = append(clauses, "updated_at = now()")

	query := fmt.Sprintf("UPDATE scheduled_tasks SET %s WHERE id = $1", strings.Join(clauses, ", "))
	_, err := s.db.Exec(ctx, query, args...)
	return err
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	return err
}

// TaskNameExists reports whether a task with this name exists.
func (s *Store) TaskNameExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx,
		`SELECT 1 FROM scheduled_tasks WHERE name = $1`, name).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns all tasks ordered by name.
func (s *Store) List(ctx context.Context) ([]Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
