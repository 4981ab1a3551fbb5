package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// List clamps.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListFilter narrows a dead-letter listing. Zero values mean "no filter".
type ListFilter struct {
	Channel          string
	OriginButler     string
	ErrorClass       string
	Since            *time.Time
	Limit            int
	IncludeDiscarded bool
}

// clampLimit bounds the listing: above 500 becomes 500, below 1 becomes
// the default of 50.
func clampLimit(limit int) int {
	if limit < 1 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// ListResult is a paginated dead-letter listing.
type ListResult struct {
	DeadLetters []DeadLetter `json:"dead_letters"`
	Count       int          `json:"count"`
	Limit       int          `json:"limit"`
}

// ListDeadLetters returns dead letters newest first, excluding discarded
// rows unless asked.
func (s *Store) ListDeadLetters(ctx context.Context, filter ListFilter) (*ListResult, error) {
	limit := clampLimit(filter.Limit)

	query := `
		SELECT ddl.id, ddl.delivery_request_id, ddl.quarantine_reason, ddl.error_class,
		       ddl.error_summary, ddl.total_attempts, ddl.first_attempt_at, ddl.last_attempt_at,
		       ddl.replay_eligible, ddl.replay_count, ddl.discarded_at, ddl.discard_reason,
		       ddl.created_at,
		       dr.origin_butler, dr.channel, dr.intent, dr.target_identity, dr.idempotency_key
		FROM delivery_dead_letter ddl
		JOIN delivery_requests dr ON ddl.delivery_request_id = dr.id
		WHERE 1=1`
	var args []any
	idx := 1

	if !filter.IncludeDiscarded {
		query += " AND ddl.discarded_at IS NULL"
	}
	if filter.Channel != "" {
		query += fmt.Sprintf(" AND dr.channel = $%d", idx)
		args = append(args, filter.Channel)
		idx++
	}
	if filter.OriginButler != "" {
		query += fmt.Sprintf(" AND dr.origin_butler = $%d", idx)
		args = append(args, filter.OriginButler)
		idx++
	}
	if filter.ErrorClass != "" {
		query += fmt.Sprintf(" AND ddl.error_class = $%d", idx)
		args = append(args, filter.ErrorClass)
		idx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND ddl.created_at >= $%d", idx)
		args = append(args, *filter.Since)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY ddl.created_at DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var errorClass string
		if err := rows.Scan(&dl.ID, &dl.DeliveryRequest, &dl.QuarantineReason, &errorClass,
			&dl.ErrorSummary, &dl.TotalAttempts, &dl.FirstAttemptAt, &dl.LastAttemptAt,
			&dl.ReplayEligible, &dl.ReplayCount, &dl.DiscardedAt, &dl.DiscardReason,
			&dl.CreatedAt,
			&dl.OriginButler, &dl.Channel, &dl.Intent, &dl.TargetIdentity, &dl.IdempotencyKey); err != nil {
			return nil, err
		}
		dl.ErrorClass = ErrorClass(errorClass)
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &ListResult{DeadLetters: out, Count: len(out), Limit: limit}, nil
}

// ReplayAssessment explains whether a dead letter may be replayed.
type ReplayAssessment struct {
	Eligible           bool     `json:"eligible"`
	Reasons            []string `json:"reasons"`
	CurrentReplayCount int      `json:"current_replay_count"`
}

// AssessReplayEligibility enumerates why a dead letter cannot be replayed.
// An eligible record reports no reasons.
func AssessReplayEligibility(dl *DeadLetter) ReplayAssessment {
	assessment := ReplayAssessment{Eligible: true, Reasons: []string{}, CurrentReplayCount: dl.ReplayCount}

	if !dl.ReplayEligible {
		assessment.Eligible = false
		assessment.Reasons = append(assessment.Reasons, "replay_eligible flag is false")
	}
	if dl.DiscardedAt != nil {
		assessment.Eligible = false
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("discarded at %s", dl.DiscardedAt.UTC().Format(time.RFC3339)))
	}
	if assessment.Eligible {
		assessment.Reasons = []string{}
	}
	return assessment
}

// InspectResult is the full dead-letter record plus its eligibility
// assessment.
type InspectResult struct {
	DeadLetter *DeadLetter      `json:"dead_letter"`
	Assessment ReplayAssessment `json:"replay_eligibility_assessment"`
}

// InspectDeadLetter returns the complete record — original envelope and
// all attempt outcomes included — for one dead letter.
func (s *Store) InspectDeadLetter(ctx context.Context, id uuid.UUID) (*InspectResult, error) {
	var dl DeadLetter
	var errorClass string
	err := s.db.QueryRow(ctx, `
		SELECT ddl.id, ddl.delivery_request_id, ddl.quarantine_reason, ddl.error_class,
		       ddl.error_summary, ddl.total_attempts, ddl.first_attempt_at, ddl.last_attempt_at,
		       ddl.original_request_envelope, ddl.all_attempt_outcomes,
		       ddl.replay_eligible, ddl.replay_count, ddl.discarded_at, ddl.discard_reason,
		       ddl.created_at,
		       dr.origin_butler, dr.channel, dr.intent, dr.target_identity, dr.idempotency_key
		FROM delivery_dead_letter ddl
		JOIN delivery_requests dr ON ddl.delivery_request_id = dr.id
		WHERE ddl.id = $1
	`, id).Scan(&dl.ID, &dl.DeliveryRequest, &dl.QuarantineReason, &errorClass,
		&dl.ErrorSummary, &dl.TotalAttempts, &dl.FirstAttemptAt, &dl.LastAttemptAt,
		&dl.OriginalEnvelope, &dl.AttemptOutcomes,
		&dl.ReplayEligible, &dl.ReplayCount, &dl.DiscardedAt, &dl.DiscardReason,
		&dl.CreatedAt,
		&dl.OriginButler, &dl.Channel, &dl.Intent, &dl.TargetIdentity, &dl.IdempotencyKey)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("dead letter not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	dl.ErrorClass = ErrorClass(errorClass)

	return &InspectResult{DeadLetter: &dl, Assessment: AssessReplayEligibility(&dl)}, nil
}

// ReplayResult reports a successful replay.
type ReplayResult struct {
	ReplayedDeliveryID   uuid.UUID `json:"replayed_delivery_id"`
	OriginalDeadLetterID uuid.UUID `json:"original_dead_letter_id"`
	ReplayNumber         int       `json:"replay_number"`
}

// ReplayKey derives a replayed request's idempotency key, preserving the
// original key's lineage: "<original>::replay-<n>".
func ReplayKey(original string, replayNumber int) string {
	return fmt.Sprintf("%s::replay-%d", original, replayNumber)
}

// ReplayDeadLetter clones the original request into a fresh pending
// delivery with a suffixed idempotency key and increments replay_count.
// The whole operation is one transaction: the dead letter row is locked
// FOR UPDATE, so concurrent replays serialize on the check-and-increment.
func (s *Store) ReplayDeadLetter(ctx context.Context, id uuid.UUID) (*ReplayResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		requestID      uuid.UUID
		replayEligible bool
		replayCount    int
		discardedAt    *time.Time
		idempotencyKey string
	)
	err = tx.QueryRow(ctx, `
		SELECT ddl.delivery_request_id, ddl.replay_eligible, ddl.replay_count,
		       ddl.discarded_at, dr.idempotency_key
		FROM delivery_dead_letter ddl
		JOIN delivery_requests dr ON ddl.delivery_request_id = dr.id
		WHERE ddl.id = $1
		FOR UPDATE
	`, id).Scan(&requestID, &replayEligible, &replayCount, &discardedAt, &idempotencyKey)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("dead letter not found: %s", id)
	}
	if err != nil {
		return nil, err
	}

	if !replayEligible {
		return nil, fmt.Errorf("dead letter is not eligible for replay: replay_eligible is false")
	}
	if discardedAt != nil {
		return nil, fmt.Errorf("dead letter is not eligible for replay: discarded at %s",
			discardedAt.UTC().Format(time.RFC3339))
	}

	replayNumber := replayCount + 1
	newKey := ReplayKey(idempotencyKey, replayNumber)
	newID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO delivery_requests (
			id, idempotency_key, request_id, origin_butler, channel, intent,
			target_identity, message_content, subject, request_envelope, status
		)
		SELECT $1, $2, request_id, origin_butler, channel, intent,
		       target_identity, message_content, subject, request_envelope, $3
		FROM delivery_requests
		WHERE id = $4
	`, newID, newKey, StatusPending, requestID)
	if err != nil {
		return nil, fmt.Errorf("clone delivery request: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE delivery_dead_letter SET replay_count = replay_count + 1 WHERE id = $1
	`, id); err != nil {
		return nil, fmt.Errorf("increment replay count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replay: %w", err)
	}

	return &ReplayResult{
		ReplayedDeliveryID:   newID,
		OriginalDeadLetterID: id,
		ReplayNumber:         replayNumber,
	}, nil
}

// DiscardDeadLetter permanently excludes a dead letter from replay. The
// reason must be non-empty; discarding twice is an error.
func (s *Store) DiscardDeadLetter(ctx context.Context, id uuid.UUID, reason string) error {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return fmt.Errorf("discard reason is required and cannot be empty")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin discard tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var discardedAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT discarded_at FROM delivery_dead_letter WHERE id = $1 FOR UPDATE
	`, id).Scan(&discardedAt)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("dead letter not found: %s", id)
	}
	if err != nil {
		return err
	}
	if discardedAt != nil {
		return fmt.Errorf("dead letter is already discarded (at %s)",
			discardedAt.UTC().Format(time.RFC3339))
	}

	if _, err := tx.Exec(ctx, `
		UPDATE delivery_dead_letter
		SET discarded_at = now(), discard_reason = $2, replay_eligible = false
		WHERE id = $1
	`, id, trimmed); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
