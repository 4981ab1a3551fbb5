package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxAttempts bounds the retry chain of one delivery request.
const DefaultMaxAttempts = 3

// ChannelSender hands one request to a provider (telegram, email, sms,
// chat) and returns the provider's message id.
type ChannelSender interface {
	Send(ctx context.Context, req Request) (providerID string, err error)
}

// engineStore is the persistence surface the engine drives. The pg Store
// implements it; tests mock it.
type engineStore interface {
	InsertRequest(ctx context.Context, req Request) (id uuid.UUID, inserted bool, err error)
	GetRequest(ctx context.Context, id uuid.UUID) (*Request, error)
	BeginAttempt(ctx context.Context, requestID uuid.UUID) (attemptID uuid.UUID, attemptNumber int, err error)
	CompleteAttempt(ctx context.Context, attemptID uuid.UUID, outcome string, errorClass, errorDetail *string) error
	RecordReceipt(ctx context.Context, requestID uuid.UUID, providerID string) error
	SetRequestStatus(ctx context.Context, requestID uuid.UUID, status string) error
	AttemptsFor(ctx context.Context, requestID uuid.UUID) ([]Attempt, error)
	InsertDeadLetter(ctx context.Context, dl DeadLetter) (uuid.UUID, error)
}

// SubmitParams are the inputs to Submit.
type SubmitParams struct {
	IdempotencyKey string
	RequestID      *uuid.UUID
	OriginButler   string
	Channel        string
	Intent         string
	TargetIdentity string
	Message        string
	Subject        string
	Envelope       []byte
}

// SubmitResult reports the admitted request. Duplicate is true when the
// idempotency key was already known; no new attempt is started then.
type SubmitResult struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	Duplicate  bool      `json:"duplicate"`
}

// Engine drives the delivery lifecycle.
type Engine struct {
	store       engineStore
	senders     map[string]ChannelSender
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger
}

// NewEngine creates an Engine. senders maps channel names to providers.
func NewEngine(store engineStore, senders map[string]ChannelSender, logger *zap.Logger) *Engine {
	return &Engine{
		store:       store,
		senders:     senders,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  2 * time.Second,
		logger:      logger,
	}
}

// SetMaxAttempts overrides the retry bound (used by tests and config).
func (e *Engine) SetMaxAttempts(n int) {
	if n > 0 {
		e.maxAttempts = n
	}
}

// SetRetryDelay overrides the pause between attempts.
func (e *Engine) SetRetryDelay(d time.Duration) {
	e.retryDelay = d
}

// Submit admits a delivery request. A second submit with the same
// idempotency key returns the existing delivery id with duplicate=true and
// starts nothing new.
func (e *Engine) Submit(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	if params.IdempotencyKey == "" {
		return SubmitResult{}, fmt.Errorf("idempotency_key is required")
	}

	var subject *string
	if params.Subject != "" {
		subject = &params.Subject
	}
	req := Request{
		IdempotencyKey: params.IdempotencyKey,
		RequestID:      params.RequestID,
		OriginButler:   params.OriginButler,
		Channel:        params.Channel,
		Intent:         params.Intent,
		TargetIdentity: params.TargetIdentity,
		MessageContent: params.Message,
		Subject:        subject,
		Envelope:       params.Envelope,
		Status:         StatusPending,
	}

	id, inserted, err := e.store.InsertRequest(ctx, req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("insert delivery request: %w", err)
	}
	if !inserted {
		e.logger.Info("duplicate delivery submit",
			zap.String("idempotency_key", params.IdempotencyKey),
			zap.String("delivery_id", id.String()),
		)
		return SubmitResult{DeliveryID: id, Duplicate: true}, nil
	}

	e.logger.Info("delivery request admitted",
		zap.String("delivery_id", id.String()),
		zap.String("channel", params.Channel),
		zap.String("origin_butler", params.OriginButler),
	)
	return SubmitResult{DeliveryID: id}, nil
}

// Deliver runs the attempt chain for one pending request: at most
// maxAttempts sends, one appended attempt row per try, a receipt on
// success, a dead letter on exhaustion or permanent failure.
func (e *Engine) Deliver(ctx context.Context, requestID uuid.UUID) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load delivery request: %w", err)
	}
	if req == nil {
		return fmt.Errorf("delivery request not found: %s", requestID)
	}
	if req.Status != StatusPending {
		// Terminal statuses are write-once; re-delivering is a no-op.
		return nil
	}

	sender, ok := e.senders[req.Channel]
	if !ok {
		detail := fmt.Sprintf("no sender configured for channel %q", req.Channel)
		return e.deadLetter(ctx, req, ClassPermanentValidation, detail, "unroutable_channel")
	}

	var lastClass ErrorClass
	var lastDetail string

	for {
		attemptID, attemptNumber, err := e.store.BeginAttempt(ctx, req.ID)
		if err != nil {
			return fmt.Errorf("begin attempt: %w", err)
		}

		providerID, sendErr := sender.Send(ctx, *req)
		if sendErr == nil {
			if err := e.store.CompleteAttempt(ctx, attemptID, OutcomeSuccess, nil, nil); err != nil {
				return fmt.Errorf("complete attempt: %w", err)
			}
			if err := e.store.RecordReceipt(ctx, req.ID, providerID); err != nil {
				return fmt.Errorf("record receipt: %w", err)
			}
			if err := e.store.SetRequestStatus(ctx, req.ID, StatusDelivered); err != nil {
				return fmt.Errorf("mark delivered: %w", err)
			}
			e.logger.Info("delivery succeeded",
				zap.String("delivery_id", req.ID.String()),
				zap.Int("attempt", attemptNumber),
				zap.String("provider_id", providerID),
			)
			return nil
		}

		lastClass = Classify(sendErr)
		lastDetail = sendErr.Error()
		classStr := string(lastClass)
		if err := e.store.CompleteAttempt(ctx, attemptID, OutcomeError, &classStr, &lastDetail); err != nil {
			return fmt.Errorf("complete attempt: %w", err)
		}

		e.logger.Warn("delivery attempt failed",
			zap.String("delivery_id", req.ID.String()),
			zap.Int("attempt", attemptNumber),
			zap.String("error_class", classStr),
			zap.Error(sendErr),
		)

		if !lastClass.Retryable() || attemptNumber >= e.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.retryDelay):
		}
	}

	reason := "retries_exhausted"
	if !lastClass.Retryable() {
		reason = "permanent_failure"
	}
	return e.deadLetter(ctx, req, lastClass, lastDetail, reason)
}

// deadLetter quarantines a request after terminal failure, snapshotting
// the original envelope and every attempt outcome.
func (e *Engine) deadLetter(ctx context.Context, req *Request, class ErrorClass, summary, reason string) error {
	attempts, err := e.store.AttemptsFor(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("load attempts: %w", err)
	}

	dl := DeadLetter{
		DeliveryRequest:  req.ID,
		QuarantineReason: reason,
		ErrorClass:       class,
		ErrorSummary:     summary,
		TotalAttempts:    len(attempts),
		OriginalEnvelope: req.Envelope,
		AttemptOutcomes:  encodeAttemptOutcomes(attempts),
		ReplayEligible:   class.ReplayEligibleDefault(),
	}
	if len(attempts) > 0 {
		dl.FirstAttemptAt = &attempts[0].StartedAt
		last := attempts[len(attempts)-1]
		dl.LastAttemptAt = &last.StartedAt
	}

	dlID, err := e.store.InsertDeadLetter(ctx, dl)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if err := e.store.SetRequestStatus(ctx, req.ID, StatusDeadLettered); err != nil {
		return fmt.Errorf("mark dead lettered: %w", err)
	}

	e.logger.Error("delivery dead-lettered",
		zap.String("delivery_id", req.ID.String()),
		zap.String("dead_letter_id", dlID.String()),
		zap.String("error_class", string(class)),
		zap.String("quarantine_reason", reason),
	)
	return nil
}

// encodeAttemptOutcomes snapshots the attempt chain into the dead letter's
// all_attempt_outcomes JSONB.
func encodeAttemptOutcomes(attempts []Attempt) []byte {
	type outcome struct {
		AttemptNumber int     `json:"attempt_number"`
		Outcome       string  `json:"outcome"`
		ErrorClass    *string `json:"error_class,omitempty"`
		ErrorDetail   *string `json:"error_detail,omitempty"`
		StartedAt     string  `json:"started_at"`
	}
	outcomes := make([]outcome, 0, len(attempts))
	for _, a := range attempts {
		outcomes = append(outcomes, outcome{
			AttemptNumber: a.AttemptNumber,
			Outcome:       a.Outcome,
			ErrorClass:    a.ErrorClass,
			ErrorDetail:   a.ErrorDetail,
			StartedAt:     a.StartedAt.UTC().Format(time.RFC3339),
		})
	}
	encoded, _ := json.Marshal(outcomes)
	return encoded
}
