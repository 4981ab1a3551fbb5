package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Session is one LLM invocation record. A session is active while
// completed_at is NULL; parent links form a trace tree.
type Session struct {
	ID              uuid.UUID
	Prompt          string
	TriggerSource   string
	Result          *string
	ToolCalls       []ToolCall
	DurationMS      *int64
	TraceID         *string
	Model           *string
	Success         *bool
	Error           *string
	StartedAt       time.Time
	CompletedAt     *time.Time
	InputTokens     *int
	OutputTokens    *int
	ParentSessionID *uuid.UUID
	RequestID       *uuid.UUID
}

// sessionDB is the slice of pgxpool.Pool the store needs.
type sessionDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SessionStore persists session rows in the butler's schema.
type SessionStore struct {
	db sessionDB
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(db sessionDB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a new active session row and returns its id.
func (s *SessionStore) Create(ctx context.Context, prompt, triggerSource string, parentSessionID, requestID *uuid.UUID, model, traceID string) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate session id: %w", err)
	}

	var modelArg, traceArg *string
	if model != "" {
		modelArg = &model
	}
	if traceID != "" {
		traceArg = &traceID
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO sessions (id, prompt, trigger_source, parent_session_id, request_id, model, trace_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	`, id, prompt, triggerSource, parentSessionID, requestID, modelArg, traceArg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// SessionOutcome is the terminal state written by Complete.
type SessionOutcome struct {
	Result       string
	ToolCalls    []ToolCall
	DurationMS   int64
	Success      bool
	Error        string
	InputTokens  *int
	OutputTokens *int
}

// Complete writes the terminal status of a session. Completing an already
// completed session is a no-op, which keeps drain and normal completion
// from racing each other.
func (s *SessionStore) Complete(ctx context.Context, id uuid.UUID, outcome SessionOutcome) error {
	toolCalls, err := json.Marshal(outcome.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}

	var resultArg, errArg *string
	if outcome.Result != "" {
		resultArg = &outcome.Result
	}
	if outcome.Error != "" {
		errArg = &outcome.Error
	}

	_, err = s.db.Exec(ctx, `
		UPDATE sessions
		SET result = $2, tool_calls = $3::jsonb, duration_ms = $4,
		    success = $5, error = $6, input_tokens = $7, output_tokens = $8,
		    completed_at = now()
		WHERE id = $1 AND completed_at IS NULL
	`, id, resultArg, toolCalls, outcome.DurationMS,
		outcome.Success, errArg, outcome.InputTokens, outcome.OutputTokens)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	return nil
}

// Active returns every session with completed_at IS NULL, newest first.
// This is the daemon's liveness view.
func (s *SessionStore) Active(ctx context.Context) ([]Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, prompt, trigger_source, started_at, parent_session_id, request_id, model, trace_id
		FROM sessions
		WHERE completed_at IS NULL
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Prompt, &sess.TriggerSource, &sess.StartedAt,
			&sess.ParentSessionID, &sess.RequestID, &sess.Model, &sess.TraceID); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
