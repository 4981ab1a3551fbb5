package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/tzeusy/butlers/internal/contract"
	"github.com/tzeusy/butlers/internal/platform/natsclient"
)

// NATSSubmitter publishes connector traffic onto the BUTLER_INGEST
// JetStream stream for the Switchboard to consume.
type NATSSubmitter struct {
	nc *natsclient.Client
}

// NewNATSSubmitter creates a NATSSubmitter.
func NewNATSSubmitter(nc *natsclient.Client) *NATSSubmitter {
	return &NATSSubmitter{nc: nc}
}

// SubmitHeartbeat publishes one heartbeat envelope, keyed by connector
// type.
func (s *NATSSubmitter) SubmitHeartbeat(ctx context.Context, envelope *contract.HeartbeatEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	subject := "BUTLER_INGEST.heartbeat." + envelope.Connector.ConnectorType
	if _, err := s.nc.JS.Publish(subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	return nil
}

// SubmitIngest publishes one validated ingest envelope, keyed by channel.
func (s *NATSSubmitter) SubmitIngest(ctx context.Context, envelope *contract.IngestEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode ingest envelope: %w", err)
	}
	subject := "BUTLER_INGEST.ingest." + envelope.Source.Channel
	if _, err := s.nc.JS.Publish(subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish ingest envelope: %w", err)
	}
	return nil
}
