// Package inbox is the durable route queue for a butler daemon.
//
// Every accepted route.v1 envelope is persisted before dispatch, so a crash
// between acceptance and processing never loses work. Lifecycle transitions
// are CAS updates on lifecycle_state, which keeps two concurrent recovery
// sweeps from double-dispatching the same row.
//
// State machine: accepted → processing → processed | errored. Terminal
// transitions are write-once; re-marking a processed row is a no-op.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Lifecycle states for route_inbox rows.
const (
	StateAccepted   = "accepted"
	StateProcessing = "processing"
	StateProcessed  = "processed"
	StateErrored    = "errored"
)

// DefaultGraceSeconds keeps recovery sweeps away from rows an in-flight
// worker just inserted.
const DefaultGraceSeconds = 10

// DB is the slice of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Row is one durable queue entry.
type Row struct {
	ID            uuid.UUID
	RouteEnvelope []byte
	State         string
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
	SessionID     *uuid.UUID
	ErrorText     *string
}

// Store persists route envelopes for at-least-once dispatch.
type Store struct {
	db     DB
	logger *zap.Logger
}

// NewStore creates a Store.
func NewStore(db DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Insert persists a route envelope in the accepted state and returns the
// new row id. The envelope is stored verbatim as JSONB and never mutated
// afterwards.
func (s *Store) Insert(ctx context.Context, routeEnvelope any) (uuid.UUID, error) {
	payload, err := json.Marshal(routeEnvelope)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode route envelope: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate row id: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO route_inbox (id, route_envelope, lifecycle_state, received_at)
		VALUES ($1, $2::jsonb, $3, now())
	`, id, payload, StateAccepted)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert route_inbox row: %w", err)
	}

	s.logger.Debug("route envelope admitted", zap.String("row_id", id.String()))
	return id, nil
}

// MarkProcessing transitions accepted → processing. Returns whether the
// CAS succeeded; false means another worker already claimed the row or it
// reached a terminal state.
func (s *Store) MarkProcessing(ctx context.Context, rowID uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE route_inbox
		SET lifecycle_state = $2
		WHERE id = $1 AND lifecycle_state = $3
	`, rowID, StateProcessing, StateAccepted)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProcessed transitions processing → processed, recording the session
// that handled the row. No-op when the row is not in processing.
func (s *Store) MarkProcessed(ctx context.Context, rowID uuid.UUID, sessionID *uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE route_inbox
		SET lifecycle_state = $2, processed_at = now(), session_id = $3
		WHERE id = $1 AND lifecycle_state = $4
	`, rowID, StateProcessed, sessionID, StateProcessing)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkErrored transitions processing → errored with the terminal error
// text. No-op when the row is not in processing.
func (s *Store) MarkErrored(ctx context.Context, rowID uuid.UUID, errorText string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE route_inbox
		SET lifecycle_state = $2, processed_at = now(), error_text = $3
		WHERE id = $1 AND lifecycle_state = $4
	`, rowID, StateErrored, errorText, StateProcessing)
	if err != nil {
		return false, fmt.Errorf("mark errored: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ScanUnprocessed returns rows still in accepted or processing whose
// received_at is older than the grace window, FIFO by received_at. These
// are the rows a crashed worker left behind.
func (s *Store) ScanUnprocessed(ctx context.Context, graceSeconds int, batchSize int) ([]Row, error) {
	if graceSeconds < 0 {
		graceSeconds = DefaultGraceSeconds
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, route_envelope, lifecycle_state, received_at, processed_at, session_id, error_text
		FROM route_inbox
		WHERE lifecycle_state IN ($1, $2)
		  AND received_at < now() - make_interval(secs => $3)
		ORDER BY received_at ASC
		LIMIT $4
	`, StateAccepted, StateProcessing, graceSeconds, batchSize)
	if err != nil {
		return nil, fmt.Errorf("scan unprocessed: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.RouteEnvelope, &r.State, &r.ReceivedAt,
			&r.ProcessedAt, &r.SessionID, &r.ErrorText); err != nil {
			return nil, fmt.Errorf("scan route_inbox row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
