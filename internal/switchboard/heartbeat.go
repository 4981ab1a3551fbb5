package switchboard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/tzeusy/butlers/internal/contract"
)

// heartbeatDB is the slice of pgxpool.Pool the status store needs.
type heartbeatDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ConnectorStatusStore persists the latest heartbeat per connector
// instance. The (connector_type, endpoint_identity, instance_id) tuple is
// the key; each heartbeat overwrites the previous snapshot.
type ConnectorStatusStore struct {
	db     heartbeatDB
	logger *zap.Logger
}

// NewConnectorStatusStore creates a ConnectorStatusStore.
func NewConnectorStatusStore(db heartbeatDB, logger *zap.Logger) *ConnectorStatusStore {
	return &ConnectorStatusStore{db: db, logger: logger}
}

// Accept validates and records one connector.heartbeat.v1 envelope.
func (s *ConnectorStatusStore) Accept(ctx context.Context, payload []byte) (map[string]any, error) {
	env, err := contract.ParseHeartbeat(payload)
	if err != nil {
		return nil, err
	}

	counters, err := json.Marshal(env.Counters)
	if err != nil {
		return nil, fmt.Errorf("encode counters: %w", err)
	}

	var errorMessage *string
	if env.Status.ErrorMessage != "" {
		errorMessage = &env.Status.ErrorMessage
	}
	var checkpointCursor *string
	var checkpointUpdatedAt *string
	if env.Checkpoint != nil {
		if env.Checkpoint.Cursor != "" {
			checkpointCursor = &env.Checkpoint.Cursor
		}
		if env.Checkpoint.UpdatedAt != nil {
			updatedAt := env.Checkpoint.UpdatedAt.String()
			checkpointUpdatedAt = &updatedAt
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO connector_status (
			connector_type, endpoint_identity, instance_id, version,
			state, error_message, uptime_s, counters,
			checkpoint_cursor, checkpoint_updated_at, last_heartbeat_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10::timestamptz, now())
		ON CONFLICT (connector_type, endpoint_identity, instance_id) DO UPDATE SET
			version               = EXCLUDED.version,
			state                 = EXCLUDED.state,
			error_message         = EXCLUDED.error_message,
			uptime_s              = EXCLUDED.uptime_s,
			counters              = EXCLUDED.counters,
			checkpoint_cursor     = EXCLUDED.checkpoint_cursor,
			checkpoint_updated_at = EXCLUDED.checkpoint_updated_at,
			last_heartbeat_at     = now()
	`, env.Connector.ConnectorType, env.Connector.EndpointIdentity, env.Connector.InstanceID,
		env.Connector.Version, env.Status.State, errorMessage, env.Status.UptimeS,
		counters, checkpointCursor, checkpointUpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("record connector heartbeat: %w", err)
	}

	s.logger.Debug("connector heartbeat accepted",
		zap.String("connector_type", env.Connector.ConnectorType),
		zap.String("endpoint_identity", env.Connector.EndpointIdentity),
		zap.String("state", env.Status.State),
	)
	return map[string]any{"status": "accepted"}, nil
}
