package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeDeliveryStore is an in-memory engineStore.
type fakeDeliveryStore struct {
	requests    map[uuid.UUID]*Request
	byKey       map[string]uuid.UUID
	attempts    map[uuid.UUID][]*Attempt
	receipts    []Receipt
	deadLetters []DeadLetter
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{
		requests: map[uuid.UUID]*Request{},
		byKey:    map[string]uuid.UUID{},
		attempts: map[uuid.UUID][]*Attempt{},
	}
}

func (f *fakeDeliveryStore) InsertRequest(_ context.Context, req Request) (uuid.UUID, bool, error) {
	if existing, ok := f.byKey[req.IdempotencyKey]; ok {
		return existing, false, nil
	}
	req.ID, _ = uuid.NewV7()
	req.Status = StatusPending
	f.requests[req.ID] = &req
	f.byKey[req.IdempotencyKey] = req.ID
	return req.ID, true, nil
}

func (f *fakeDeliveryStore) GetRequest(_ context.Context, id uuid.UUID) (*Request, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, nil
	}
	clone := *req
	return &clone, nil
}

func (f *fakeDeliveryStore) BeginAttempt(_ context.Context, requestID uuid.UUID) (uuid.UUID, int, error) {
	id, _ := uuid.NewV7()
	attempt := &Attempt{
		ID:                id,
		DeliveryRequestID: requestID,
		AttemptNumber:     len(f.attempts[requestID]) + 1,
		Outcome:           OutcomeInProgress,
		StartedAt:         time.Now().UTC(),
	}
	f.attempts[requestID] = append(f.attempts[requestID], attempt)
	return id, attempt.AttemptNumber, nil
}

func (f *fakeDeliveryStore) CompleteAttempt(_ context.Context, attemptID uuid.UUID, outcome string, errorClass, errorDetail *string) error {
	for _, attempts := range f.attempts {
		for _, a := range attempts {
			if a.ID == attemptID {
				now := time.Now().UTC()
				a.Outcome = outcome
				a.ErrorClass = errorClass
				a.ErrorDetail = errorDetail
				a.CompletedAt = &now
				return nil
			}
		}
	}
	return errors.New("attempt not found")
}

func (f *fakeDeliveryStore) RecordReceipt(_ context.Context, requestID uuid.UUID, providerID string) error {
	id, _ := uuid.NewV7()
	f.receipts = append(f.receipts, Receipt{ID: id, DeliveryRequestID: requestID, ProviderID: providerID})
	return nil
}

func (f *fakeDeliveryStore) SetRequestStatus(_ context.Context, requestID uuid.UUID, status string) error {
	f.requests[requestID].Status = status
	return nil
}

func (f *fakeDeliveryStore) AttemptsFor(_ context.Context, requestID uuid.UUID) ([]Attempt, error) {
	var out []Attempt
	for _, a := range f.attempts[requestID] {
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeDeliveryStore) InsertDeadLetter(_ context.Context, dl DeadLetter) (uuid.UUID, error) {
	dl.ID, _ = uuid.NewV7()
	f.deadLetters = append(f.deadLetters, dl)
	return dl.ID, nil
}

// scriptedSender fails a fixed number of times before succeeding.
type scriptedSender struct {
	failures  int
	failWith  error
	sends     int
	provider  string
}

func (s *scriptedSender) Send(context.Context, Request) (string, error) {
	s.sends++
	if s.sends <= s.failures {
		return "", s.failWith
	}
	if s.provider == "" {
		return "prov-msg-1", nil
	}
	return s.provider, nil
}

func newTestEngine(t *testing.T, store engineStore, sender ChannelSender) *Engine {
	t.Helper()
	engine := NewEngine(store, map[string]ChannelSender{"telegram": sender}, zaptest.NewLogger(t))
	engine.SetRetryDelay(time.Millisecond)
	return engine
}

func submitParams(key string) SubmitParams {
	return SubmitParams{
		IdempotencyKey: key,
		OriginButler:   "health",
		Channel:        "telegram",
		Intent:         "send",
		TargetIdentity: "u1",
		Message:        "hi",
		Envelope:       []byte(`{"schema_version":"notify.v1"}`),
	}
}

// ── submit idempotency ────────────────────────────────────────────────────

func TestSubmit_DuplicateKeyReturnsExistingRequest(t *testing.T) {
	store := newFakeDeliveryStore()
	engine := newTestEngine(t, store, &scriptedSender{})

	first, err := engine.Submit(t.Context(), submitParams("k-1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := engine.Submit(t.Context(), submitParams("k-1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DeliveryID, second.DeliveryID)

	// No attempt is started by a duplicate submit.
	assert.Empty(t, store.attempts[first.DeliveryID])
	assert.Len(t, store.requests, 1)
}

func TestSubmit_RequiresIdempotencyKey(t *testing.T) {
	engine := newTestEngine(t, newFakeDeliveryStore(), &scriptedSender{})
	_, err := engine.Submit(t.Context(), SubmitParams{Channel: "telegram"})
	assert.Error(t, err)
}

// ── deliver ───────────────────────────────────────────────────────────────

func TestDeliver_SuccessFirstAttempt(t *testing.T) {
	store := newFakeDeliveryStore()
	sender := &scriptedSender{}
	engine := newTestEngine(t, store, sender)

	result, err := engine.Submit(t.Context(), submitParams("k-1"))
	require.NoError(t, err)
	require.NoError(t, engine.Deliver(t.Context(), result.DeliveryID))

	assert.Equal(t, StatusDelivered, store.requests[result.DeliveryID].Status)
	require.Len(t, store.receipts, 1)
	assert.Equal(t, "prov-msg-1", store.receipts[0].ProviderID)

	attempts := store.attempts[result.DeliveryID]
	require.Len(t, attempts, 1)
	assert.Equal(t, OutcomeSuccess, attempts[0].Outcome)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
}

func TestDeliver_TransientFailureRetriesThenSucceeds(t *testing.T) {
	store := newFakeDeliveryStore()
	sender := &scriptedSender{failures: 2, failWith: &Error{Class: ClassTransientNetwork, Detail: "conn reset"}}
	engine := newTestEngine(t, store, sender)

	result, err := engine.Submit(t.Context(), submitParams("k-1"))
	require.NoError(t, err)
	require.NoError(t, engine.Deliver(t.Context(), result.DeliveryID))

	assert.Equal(t, StatusDelivered, store.requests[result.DeliveryID].Status)
	attempts := store.attempts[result.DeliveryID]
	require.Len(t, attempts, 3)
	assert.Equal(t, OutcomeError, attempts[0].Outcome)
	assert.Equal(t, OutcomeError, attempts[1].Outcome)
	assert.Equal(t, OutcomeSuccess, attempts[2].Outcome)
	// Attempt numbers are totally ordered per request.
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
	}
}

func TestDeliver_ExhaustedRetriesDeadLetters(t *testing.T) {
	store := newFakeDeliveryStore()
	sender := &scriptedSender{failures: 99, failWith: &Error{Class: ClassTimeout, Detail: "provider slow"}}
	engine := newTestEngine(t, store, sender)

	result, err := engine.Submit(t.Context(), submitParams("k-1"))
	require.NoError(t, err)
	require.NoError(t, engine.Deliver(t.Context(), result.DeliveryID))

	assert.Equal(t, StatusDeadLettered, store.requests[result.DeliveryID].Status)
	assert.Len(t, store.attempts[result.DeliveryID], DefaultMaxAttempts)

	require.Len(t, store.deadLetters, 1)
	dl := store.deadLetters[0]
	assert.Equal(t, ClassTimeout, dl.ErrorClass)
	assert.Equal(t, "retries_exhausted", dl.QuarantineReason)
	assert.Equal(t, DefaultMaxAttempts, dl.TotalAttempts)
	assert.True(t, dl.ReplayEligible)
	assert.JSONEq(t, `{"schema_version":"notify.v1"}`, string(dl.OriginalEnvelope))
}

func TestDeliver_PermanentFailureDeadLettersImmediately(t *testing.T) {
	store := newFakeDeliveryStore()
	sender := &scriptedSender{failures: 99, failWith: &Error{Class: ClassPermanentValidation, Detail: "bad recipient"}}
	engine := newTestEngine(t, store, sender)

	result, err := engine.Submit(t.Context(), submitParams("k-1"))
	require.NoError(t, err)
	require.NoError(t, engine.Deliver(t.Context(), result.DeliveryID))

	assert.Len(t, store.attempts[result.DeliveryID], 1, "permanent failures get no retry")
	require.Len(t, store.deadLetters, 1)
	assert.Equal(t, "permanent_failure", store.deadLetters[0].QuarantineReason)
	assert.False(t, store.deadLetters[0].ReplayEligible,
		"validation failures default to replay-ineligible")
}

func TestDeliver_TerminalStatusIsWriteOnce(t *testing.T) {
	store := newFakeDeliveryStore()
	sender := &scriptedSender{}
	engine := newTestEngine(t, store, sender)

	result, err := engine.Submit(t.Context(), submitParams("k-1"))
	require.NoError(t, err)
	require.NoError(t, engine.Deliver(t.Context(), result.DeliveryID))
	require.NoError(t, engine.Deliver(t.Context(), result.DeliveryID))

	assert.Equal(t, 1, sender.sends, "re-delivering a delivered request is a no-op")
	assert.Len(t, store.attempts[result.DeliveryID], 1)
}

func TestDeliver_UnknownChannelDeadLetters(t *testing.T) {
	store := newFakeDeliveryStore()
	engine := newTestEngine(t, store, &scriptedSender{})

	params := submitParams("k-1")
	params.Channel = "pager"
	result, err := engine.Submit(t.Context(), params)
	require.NoError(t, err)
	require.NoError(t, engine.Deliver(t.Context(), result.DeliveryID))

	require.Len(t, store.deadLetters, 1)
	assert.Equal(t, ClassPermanentValidation, store.deadLetters[0].ErrorClass)
}

// ── classification ────────────────────────────────────────────────────────

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassRateLimited, Classify(&Error{Class: ClassRateLimited, Detail: "429"}))
	assert.Equal(t, ClassTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassUnknown, Classify(errors.New("weird")))
}

func TestErrorClassRetryable(t *testing.T) {
	assert.True(t, ClassTimeout.Retryable())
	assert.True(t, ClassRateLimited.Retryable())
	assert.True(t, ClassTransientNetwork.Retryable())
	assert.True(t, ClassProviderError.Retryable())
	assert.False(t, ClassPermanentValidation.Retryable())
	assert.False(t, ClassUnknown.Retryable())
}
