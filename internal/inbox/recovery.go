package inbox

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DispatchFunc re-dispatches one recovered row. The envelope is the
// verbatim JSONB persisted at insert time.
type DispatchFunc func(ctx context.Context, rowID uuid.UUID, envelope []byte) error

// scanner is the slice of Store the sweeper needs.
type scanner interface {
	ScanUnprocessed(ctx context.Context, graceSeconds int, batchSize int) ([]Row, error)
}

// Sweeper replays rows a crashed daemon left in accepted or processing.
// The daemon runs it once at startup; no periodic sweep is scheduled.
type Sweeper struct {
	store  scanner
	logger *zap.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(store scanner, logger *zap.Logger) *Sweeper {
	return &Sweeper{store: store, logger: logger}
}

// Run scans for unprocessed rows older than the grace window and calls
// dispatch for each. A failure on one row is logged and does not abort the
// sweep. Returns the number of rows successfully dispatched.
func (s *Sweeper) Run(ctx context.Context, dispatch DispatchFunc, graceSeconds, batchSize int) (int, error) {
	rows, err := s.store.ScanUnprocessed(ctx, graceSeconds, batchSize)
	if err != nil {
		return 0, err
	}

	if len(rows) == 0 {
		s.logger.Debug("recovery sweep found no stuck rows")
		return 0, nil
	}

	s.logger.Info("recovery sweep dispatching stuck rows", zap.Int("count", len(rows)))

	dispatched := 0
	for _, row := range rows {
		if err := dispatch(ctx, row.ID, row.RouteEnvelope); err != nil {
			s.logger.Error("recovery dispatch failed",
				zap.String("row_id", row.ID.String()),
				zap.String("state", row.State),
				zap.Error(err),
			)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}
