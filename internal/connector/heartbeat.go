package connector

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/tzeusy/butlers/internal/contract"
)

// Heartbeat interval bounds.
const (
	DefaultHeartbeatInterval = 120 * time.Second
	MinHeartbeatInterval     = 30 * time.Second
	MaxHeartbeatInterval     = 300 * time.Second
)

// Environment knobs.
const (
	EnvHeartbeatInterval = "CONNECTOR_HEARTBEAT_INTERVAL_S"
	EnvHeartbeatEnabled  = "CONNECTOR_HEARTBEAT_ENABLED"
)

// HeartbeatConfig configures the heartbeat loop for one connector.
type HeartbeatConfig struct {
	ConnectorType    string
	EndpointIdentity string
	Version          string
	Interval         time.Duration
	Enabled          bool
}

// HeartbeatConfigFromEnv loads interval and enablement from the
// environment. Intervals below 30s clamp to 30s, above 300s to 300s.
func HeartbeatConfigFromEnv(connectorType, endpointIdentity, version string, logger *zap.Logger) HeartbeatConfig {
	cfg := HeartbeatConfig{
		ConnectorType:    connectorType,
		EndpointIdentity: endpointIdentity,
		Version:          version,
		Interval:         DefaultHeartbeatInterval,
		Enabled:          true,
	}

	if raw := os.Getenv(EnvHeartbeatInterval); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil {
			cfg.Interval = ClampInterval(time.Duration(seconds)*time.Second, logger)
		} else {
			logger.Warn("invalid "+EnvHeartbeatInterval+"; using default", zap.String("value", raw))
		}
	}

	if raw := strings.ToLower(os.Getenv(EnvHeartbeatEnabled)); raw != "" {
		switch raw {
		case "false", "0", "no", "off":
			cfg.Enabled = false
		}
	}
	return cfg
}

// ClampInterval bounds a heartbeat interval to [30s, 300s].
func ClampInterval(interval time.Duration, logger *zap.Logger) time.Duration {
	if interval < MinHeartbeatInterval {
		if logger != nil {
			logger.Warn("heartbeat interval below minimum; clamping",
				zap.Duration("requested", interval),
				zap.Duration("minimum", MinHeartbeatInterval))
		}
		return MinHeartbeatInterval
	}
	if interval > MaxHeartbeatInterval {
		if logger != nil {
			logger.Warn("heartbeat interval above maximum; clamping",
				zap.Duration("requested", interval),
				zap.Duration("maximum", MaxHeartbeatInterval))
		}
		return MaxHeartbeatInterval
	}
	return interval
}

// HealthStateFunc reports the connector's self-assessed (state,
// error_message).
type HealthStateFunc func() (state string, errorMessage string)

// CheckpointFunc reports the connector's ingest cursor, when it has one.
type CheckpointFunc func() (cursor string, updatedAt *time.Time)

// Submitter delivers one heartbeat envelope to the Switchboard (MCP tool
// connector.heartbeat or the NATS heartbeat subject).
type Submitter interface {
	SubmitHeartbeat(ctx context.Context, envelope *contract.HeartbeatEnvelope) error
}

// Heartbeat is the background liveness reporter. The instance id is a
// fresh UUID per process, stable for the process lifetime.
type Heartbeat struct {
	cfg           HeartbeatConfig
	submitter     Submitter
	gatherer      prometheus.Gatherer
	getHealth     HealthStateFunc
	getCheckpoint CheckpointFunc
	logger        *zap.Logger

	instanceID uuid.UUID
	startedAt  time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHeartbeat creates a Heartbeat. getCheckpoint may be nil.
func NewHeartbeat(cfg HeartbeatConfig, submitter Submitter, gatherer prometheus.Gatherer,
	getHealth HealthStateFunc, getCheckpoint CheckpointFunc, logger *zap.Logger) *Heartbeat {
	hb := &Heartbeat{
		cfg:           cfg,
		submitter:     submitter,
		gatherer:      gatherer,
		getHealth:     getHealth,
		getCheckpoint: getCheckpoint,
		logger:        logger,
		instanceID:    uuid.New(),
		startedAt:     time.Now(),
	}
	logger.Info("heartbeat initialized",
		zap.String("connector_type", cfg.ConnectorType),
		zap.String("endpoint_identity", cfg.EndpointIdentity),
		zap.String("instance_id", hb.instanceID.String()),
		zap.Duration("interval", cfg.Interval),
		zap.Bool("enabled", cfg.Enabled),
	)
	return hb
}

// InstanceID returns the stable per-process instance id.
func (h *Heartbeat) InstanceID() uuid.UUID { return h.instanceID }

// Start launches the heartbeat loop. Disabled heartbeats do nothing.
func (h *Heartbeat) Start(ctx context.Context) {
	if !h.cfg.Enabled {
		h.logger.Info("heartbeat disabled via " + EnvHeartbeatEnabled)
		return
	}
	if h.done != nil {
		h.logger.Warn("heartbeat already running")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	go h.loop(loopCtx)
}

// Stop cancels the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	if h.done == nil {
		return
	}
	h.cancel()
	<-h.done
	h.done = nil
	h.logger.Info("heartbeat stopped",
		zap.String("connector_type", h.cfg.ConnectorType),
		zap.String("endpoint_identity", h.cfg.EndpointIdentity),
	)
}

// loop wakes every interval, builds an envelope, and submits it.
// Submission failures are logged, never raised — heartbeats must not
// block ingestion.
func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("heartbeat loop cancelled")
			return
		case <-ticker.C:
			if err := h.sendOnce(ctx); err != nil {
				h.logger.Error("failed to submit heartbeat",
					zap.String("connector_type", h.cfg.ConnectorType),
					zap.String("endpoint_identity", h.cfg.EndpointIdentity),
					zap.Error(err),
				)
			}
		}
	}
}

// sendOnce builds and submits one heartbeat envelope.
func (h *Heartbeat) sendOnce(ctx context.Context) error {
	envelope := h.BuildEnvelope()
	return h.submitter.SubmitHeartbeat(ctx, envelope)
}

// BuildEnvelope snapshots state, counters, and checkpoint into a
// connector.heartbeat.v1 envelope.
func (h *Heartbeat) BuildEnvelope() *contract.HeartbeatEnvelope {
	state, errorMessage := h.getHealth()

	sentAt, _ := contract.ParseTimestamp("sent_at", time.Now().UTC().Format(time.RFC3339))

	envelope := &contract.HeartbeatEnvelope{
		SchemaVersion: contract.SchemaVersionHeartbeat,
		Connector: contract.HeartbeatConnector{
			ConnectorType:    h.cfg.ConnectorType,
			EndpointIdentity: h.cfg.EndpointIdentity,
			InstanceID:       h.instanceID.String(),
			Version:          h.cfg.Version,
		},
		Status: contract.HeartbeatStatus{
			State:        state,
			ErrorMessage: errorMessage,
			UptimeS:      int64(time.Since(h.startedAt).Seconds()),
		},
		Counters: h.collectCounters(),
		SentAt:   sentAt,
	}

	if h.getCheckpoint != nil {
		cursor, updatedAt := h.getCheckpoint()
		if cursor != "" || updatedAt != nil {
			checkpoint := &contract.HeartbeatCheckpoint{Cursor: cursor}
			if updatedAt != nil {
				ts, err := contract.ParseTimestamp("checkpoint.updated_at",
					updatedAt.UTC().Format(time.RFC3339))
				if err == nil {
					checkpoint.UpdatedAt = &ts
				}
			}
			envelope.Checkpoint = checkpoint
		}
	}
	return envelope
}

// collectCounters reads the cumulative prometheus series for this
// connector's labels and folds them into the heartbeat counter schema.
func (h *Heartbeat) collectCounters() contract.HeartbeatCounters {
	counters := contract.HeartbeatCounters{}
	if h.gatherer == nil {
		return counters
	}

	families, err := h.gatherer.Gather()
	if err != nil {
		h.logger.Warn("failed to gather metrics for heartbeat", zap.Error(err))
		return counters
	}

	for _, family := range families {
		switch family.GetName() {
		case metricIngestSubmissions:
			for _, metric := range family.GetMetric() {
				if !h.labelsMatch(metric) {
					continue
				}
				value := int64(metric.GetCounter().GetValue())
				switch labelValue(metric, "status") {
				case StatusSuccess:
					counters.MessagesIngested += value
				case StatusError:
					counters.MessagesFailed += value
				case StatusDuplicate:
					counters.DedupeAccepted += value
				}
			}
		case metricSourceAPICalls:
			for _, metric := range family.GetMetric() {
				if h.labelsMatch(metric) {
					counters.SourceAPICalls += int64(metric.GetCounter().GetValue())
				}
			}
		case metricCheckpointSaves:
			for _, metric := range family.GetMetric() {
				if h.labelsMatch(metric) && labelValue(metric, "status") == StatusSuccess {
					counters.CheckpointSaves += int64(metric.GetCounter().GetValue())
				}
			}
		}
	}
	return counters
}

// labelsMatch filters series down to this connector's identity.
func (h *Heartbeat) labelsMatch(metric *dto.Metric) bool {
	return labelValue(metric, "connector_type") == h.cfg.ConnectorType &&
		labelValue(metric, "endpoint_identity") == h.cfg.EndpointIdentity
}

func labelValue(metric *dto.Metric, name string) string {
	for _, label := range metric.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}
