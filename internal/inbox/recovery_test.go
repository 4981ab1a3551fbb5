package inbox

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

// fakeScanner returns a canned set of stuck rows.
type fakeScanner struct {
	rows     []Row
	err      error
	gotGrace int
	gotBatch int
}

func (f *fakeScanner) ScanUnprocessed(_ context.Context, graceSeconds, batchSize int) ([]Row, error) {
	f.gotGrace = graceSeconds
	f.gotBatch = batchSize
	return f.rows, f.err
}

func stuckRow(state string, age time.Duration) Row {
	id, _ := uuid.NewV7()
	return Row{
		ID:            id,
		RouteEnvelope: []byte(`{"schema_version":"route.v1"}`),
		State:         state,
		ReceivedAt:    time.Now().UTC().Add(-age),
	}
}

func TestSweeper_DispatchesEachStuckRow(t *testing.T) {
	rows := []Row{
		stuckRow(StateProcessing, time.Minute),
		stuckRow(StateAccepted, 2*time.Minute),
	}
	sweeper := NewSweeper(&fakeScanner{rows: rows}, zaptest.NewLogger(t))

	var dispatched []uuid.UUID
	n, err := sweeper.Run(t.Context(), func(_ context.Context, rowID uuid.UUID, envelope []byte) error {
		dispatched = append(dispatched, rowID)
		assert.JSONEq(t, `{"schema_version":"route.v1"}`, string(envelope))
		return nil
	}, DefaultGraceSeconds, 100)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uuid.UUID{rows[0].ID, rows[1].ID}, dispatched)
}

// A mid-processing crash leaves one row in 'processing' older than the
// grace window; the sweep dispatches it exactly once.
func TestSweeper_MidProcessingCrashRecovery(t *testing.T) {
	row := stuckRow(StateProcessing, 60*time.Second)
	scanner := &fakeScanner{rows: []Row{row}}
	sweeper := NewSweeper(scanner, zaptest.NewLogger(t))

	calls := 0
	n, err := sweeper.Run(t.Context(), func(_ context.Context, rowID uuid.UUID, _ []byte) error {
		calls++
		assert.Equal(t, row.ID, rowID)
		return nil
	}, 10, 100)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 10, scanner.gotGrace)
}

func TestSweeper_RowFailureDoesNotAbortSweep(t *testing.T) {
	rows := []Row{
		stuckRow(StateAccepted, time.Minute),
		stuckRow(StateAccepted, time.Minute),
		stuckRow(StateAccepted, time.Minute),
	}
	sweeper := NewSweeper(&fakeScanner{rows: rows}, zaptest.NewLogger(t))

	n, err := sweeper.Run(t.Context(), func(_ context.Context, rowID uuid.UUID, _ []byte) error {
		if rowID == rows[1].ID {
			return errors.New("dispatch blew up")
		}
		return nil
	}, DefaultGraceSeconds, 100)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSweeper_EmptyScan(t *testing.T) {
	sweeper := NewSweeper(&fakeScanner{}, zaptest.NewLogger(t))
	n, err := sweeper.Run(t.Context(), func(context.Context, uuid.UUID, []byte) error {
		t.Fatal("dispatch must not be called")
		return nil
	}, DefaultGraceSeconds, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_ScanErrorPropagates(t *testing.T) {
	sweeper := NewSweeper(&fakeScanner{err: errors.New("db down")}, zaptest.NewLogger(t))
	_, err := sweeper.Run(t.Context(), func(context.Context, uuid.UUID, []byte) error {
		return nil
	}, DefaultGraceSeconds, 100)
	assert.Error(t, err)
}
