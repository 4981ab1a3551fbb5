package contract

import "strings"

// SchemaVersionHeartbeat is the exact version string for connector
// heartbeat envelopes.
const SchemaVersionHeartbeat = "connector.heartbeat.v1"

// Connector health states.
const (
	ConnectorStateHealthy  = "healthy"
	ConnectorStateDegraded = "degraded"
	ConnectorStateError    = "error"
)

// HeartbeatConnector identifies the reporting connector instance. The tuple
// (connector_type, endpoint_identity, instance_id) is the heartbeat key.
type HeartbeatConnector struct {
	ConnectorType    string `json:"connector_type"`
	EndpointIdentity string `json:"endpoint_identity"`
	InstanceID       string `json:"instance_id"`
	Version          string `json:"version,omitempty"`
}

// HeartbeatStatus is the connector's self-reported health.
type HeartbeatStatus struct {
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
	UptimeS      int64  `json:"uptime_s"`
}

// HeartbeatCounters are cumulative counters since connector start.
type HeartbeatCounters struct {
	MessagesIngested int64 `json:"messages_ingested"`
	MessagesFailed   int64 `json:"messages_failed"`
	SourceAPICalls   int64 `json:"source_api_calls"`
	CheckpointSaves  int64 `json:"checkpoint_saves"`
	DedupeAccepted   int64 `json:"dedupe_accepted"`
}

// HeartbeatCheckpoint is the connector's optional ingest cursor.
type HeartbeatCheckpoint struct {
	Cursor    string     `json:"cursor,omitempty"`
	UpdatedAt *Timestamp `json:"updated_at,omitempty"`
}

// HeartbeatEnvelope is the canonical connector heartbeat
// (`connector.heartbeat.v1`).
type HeartbeatEnvelope struct {
	SchemaVersion string               `json:"schema_version"`
	Connector     HeartbeatConnector   `json:"connector"`
	Status        HeartbeatStatus      `json:"status"`
	Counters      HeartbeatCounters    `json:"counters"`
	Checkpoint    *HeartbeatCheckpoint `json:"checkpoint,omitempty"`
	SentAt        Timestamp            `json:"sent_at"`
}

// ParseHeartbeat parses and validates a `connector.heartbeat.v1` envelope.
func ParseHeartbeat(payload []byte) (*HeartbeatEnvelope, error) {
	var env HeartbeatEnvelope
	if err := decodeStrict(payload, &env); err != nil {
		return nil, err
	}
	if err := checkSchemaVersion(env.SchemaVersion, SchemaVersionHeartbeat); err != nil {
		return nil, err
	}
	if strings.TrimSpace(env.Connector.ConnectorType) == "" {
		return nil, missingField("connector.connector_type")
	}
	if strings.TrimSpace(env.Connector.EndpointIdentity) == "" {
		return nil, missingField("connector.endpoint_identity")
	}
	if strings.TrimSpace(env.Connector.InstanceID) == "" {
		return nil, missingField("connector.instance_id")
	}
	switch env.Status.State {
	case ConnectorStateHealthy, ConnectorStateDegraded, ConnectorStateError:
	default:
		return nil, newError(CodeInvalidEnvelope, "status.state",
			"unknown connector state %q", env.Status.State)
	}
	if env.SentAt.IsZero() {
		return nil, missingField("sent_at")
	}
	return &env, nil
}
