package delivery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of pgxpool.Pool the store needs. Begin is required for
// the transactional dead-letter operations.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the Postgres-backed delivery store.
type Store struct {
	db DB
}

// NewStore creates a Store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// InsertRequest admits a request, enforcing idempotency at the database:
// ON CONFLICT on the unique key inserts nothing and the existing row id is
// returned with inserted=false.
func (s *Store) InsertRequest(ctx context.Context, req Request) (uuid.UUID, bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, false, err
	}

	var insertedID uuid.UUID
	err = s.db.QueryRow(ctx, `
		INSERT INTO delivery_requests (
			id, idempotency_key, request_id, origin_butler, channel, intent,
			target_identity, message_content, subject, request_envelope, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`, id, req.IdempotencyKey, req.RequestID, req.OriginButler, req.Channel,
		req.Intent, req.TargetIdentity, req.MessageContent, req.Subject,
		req.Envelope, StatusPending).Scan(&insertedID)

	if err == nil {
		return insertedID, true, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, false, err
	}

	// Conflict: fetch the existing request.
	var existingID uuid.UUID
	err = s.db.QueryRow(ctx,
		`SELECT id FROM delivery_requests WHERE idempotency_key = $1`,
		req.IdempotencyKey).Scan(&existingID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup existing request: %w", err)
	}
	return existingID, false, nil
}

const requestColumns = `id, idempotency_key, request_id, origin_butler, channel, intent,
	target_identity, message_content, subject, request_envelope, status, created_at`

// GetRequest returns one request by id, or nil when absent.
func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	var r Request
	err := s.db.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM delivery_requests WHERE id = $1`, id,
	).Scan(&r.ID, &r.IdempotencyKey, &r.RequestID, &r.OriginButler, &r.Channel,
		&r.Intent, &r.TargetIdentity, &r.MessageContent, &r.Subject,
		&r.Envelope, &r.Status, &r.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// BeginAttempt appends the next attempt row in in_progress. The unique
// (delivery_request_id, attempt_number) constraint makes concurrent
// begins collide instead of double-numbering.
func (s *Store) BeginAttempt(ctx context.Context, requestID uuid.UUID) (uuid.UUID, int, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, 0, err
	}

	var attemptNumber int
	err = s.db.QueryRow(ctx, `
		INSERT INTO delivery_attempts (id, delivery_request_id, attempt_number, outcome, started_at)
		SELECT $1, $2,
		       COALESCE(MAX(attempt_number), 0) + 1,
		       $3, now()
		FROM delivery_attempts
		WHERE delivery_request_id = $2
		RETURNING attempt_number
	`, id, requestID, OutcomeInProgress).Scan(&attemptNumber)
	if err != nil {
		return uuid.Nil, 0, err
	}
	return id, attemptNumber, nil
}

// CompleteAttempt writes an attempt's terminal outcome.
func (s *Store) CompleteAttempt(ctx context.Context, attemptID uuid.UUID, outcome string, errorClass, errorDetail *string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE delivery_attempts
		SET outcome = $2, error_class = $3, error_detail = $4, completed_at = now()
		WHERE id = $1
	`, attemptID, outcome, errorClass, errorDetail)
	return err
}

// RecordReceipt stores the provider's message id for a delivered request.
func (s *Store) RecordReceipt(ctx context.Context, requestID uuid.UUID, providerID string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO delivery_receipts (id, delivery_request_id, provider_id)
		VALUES ($1, $2, $3)
	`, id, requestID, providerID)
	return err
}

// SetRequestStatus updates the request's lifecycle status.
func (s *Store) SetRequestStatus(ctx context.Context, requestID uuid.UUID, status string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE delivery_requests SET status = $2, updated_at = now() WHERE id = $1
	`, requestID, status)
	return err
}

// AttemptsFor returns a request's attempts ordered by attempt_number.
func (s *Store) AttemptsFor(ctx context.Context, requestID uuid.UUID) ([]Attempt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, delivery_request_id, attempt_number, outcome,
		       started_at, completed_at, error_class, error_detail
		FROM delivery_attempts
		WHERE delivery_request_id = $1
		ORDER BY attempt_number
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.DeliveryRequestID, &a.AttemptNumber, &a.Outcome,
			&a.StartedAt, &a.CompletedAt, &a.ErrorClass, &a.ErrorDetail); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertDeadLetter quarantines a request. The unique delivery_request_id
// constraint guarantees at most one dead letter per request.
func (s *Store) InsertDeadLetter(ctx context.Context, dl DeadLetter) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO delivery_dead_letter (
			id, delivery_request_id, quarantine_reason, error_class, error_summary,
			total_attempts, first_attempt_at, last_attempt_at,
			original_request_envelope, all_attempt_outcomes,
			replay_eligible, replay_count
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11, 0)
	`, id, dl.DeliveryRequest, dl.QuarantineReason, string(dl.ErrorClass),
		dl.ErrorSummary, dl.TotalAttempts, dl.FirstAttemptAt, dl.LastAttemptAt,
		dl.OriginalEnvelope, dl.AttemptOutcomes, dl.ReplayEligible)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
