// Package delivery is the messenger butler's outbound delivery engine:
// idempotent submission, bounded retries with one row per attempt,
// dead-lettering on unrecoverable failure, and operator replay.
//
// The tables form a strict FK hierarchy rooted at
// delivery_requests(idempotency_key UNIQUE): attempts, receipts, and at
// most one dead-letter row hang off each request. Requests are immutable
// after insert except for status and terminal timestamps; attempts are
// append-only.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrorClass is the delivery failure taxonomy. It drives both the retry
// decision and the default replay eligibility of a dead letter.
type ErrorClass string

const (
	ClassTimeout             ErrorClass = "timeout"
	ClassRateLimited         ErrorClass = "rate_limited"
	ClassPermanentValidation ErrorClass = "permanent_validation"
	ClassTransientNetwork    ErrorClass = "transient_network"
	ClassProviderError       ErrorClass = "provider_error"
	ClassUnknown             ErrorClass = "unknown"
)

// Retryable reports whether another attempt may follow a failure of this
// class. Permanent classes dead-letter immediately.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTimeout, ClassRateLimited, ClassTransientNetwork, ClassProviderError:
		return true
	}
	return false
}

// ReplayEligibleDefault is the dead letter's initial replay_eligible flag.
// Validation failures reproduce identically on replay, so they default to
// ineligible; everything else an operator may retry.
func (c ErrorClass) ReplayEligibleDefault() bool {
	return c != ClassPermanentValidation
}

// Error is a classified delivery failure a ChannelSender may return to
// control retry behavior precisely.
type Error struct {
	Class  ErrorClass
	Detail string
}

func (e *Error) Error() string {
	return string(e.Class) + ": " + e.Detail
}

// Classify maps an arbitrary send error to its class. Senders that return
// *delivery.Error keep their class; context deadline errors become
// timeouts; everything else is unknown.
func Classify(err error) ErrorClass {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassUnknown
}

// Request statuses.
const (
	StatusPending      = "pending"
	StatusDelivered    = "delivered"
	StatusDeadLettered = "dead_lettered"
)

// Attempt outcomes.
const (
	OutcomeInProgress = "in_progress"
	OutcomeSuccess    = "success"
	OutcomeError      = "error"
	OutcomeDeferred   = "deferred"
)

// Request is one delivery_requests row.
type Request struct {
	ID             uuid.UUID
	IdempotencyKey string
	RequestID      *uuid.UUID
	OriginButler   string
	Channel        string
	Intent         string
	TargetIdentity string
	MessageContent string
	Subject        *string
	Envelope       []byte
	Status         string
	CreatedAt      time.Time
}

// Attempt is one delivery_attempts row. (delivery_request_id,
// attempt_number) is unique — at most one attempt per number, ever.
type Attempt struct {
	ID                uuid.UUID
	DeliveryRequestID uuid.UUID
	AttemptNumber     int
	Outcome           string
	StartedAt         time.Time
	CompletedAt       *time.Time
	ErrorClass        *string
	ErrorDetail       *string
}

// Receipt records a successful handoff to the provider.
type Receipt struct {
	ID                uuid.UUID
	DeliveryRequestID uuid.UUID
	ProviderID        string
	CreatedAt         time.Time
}

// DeadLetter is one delivery_dead_letter row; at most one per request.
type DeadLetter struct {
	ID               uuid.UUID
	DeliveryRequest  uuid.UUID
	QuarantineReason string
	ErrorClass       ErrorClass
	ErrorSummary     string
	TotalAttempts    int
	FirstAttemptAt   *time.Time
	LastAttemptAt    *time.Time
	OriginalEnvelope []byte
	AttemptOutcomes  []byte
	ReplayEligible   bool
	ReplayCount      int
	DiscardedAt      *time.Time
	DiscardReason    *string
	CreatedAt        time.Time

	// Joined from delivery_requests for list/inspect.
	OriginButler   string
	Channel        string
	Intent         string
	TargetIdentity string
	IdempotencyKey string
}
