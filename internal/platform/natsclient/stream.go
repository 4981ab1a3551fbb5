package natsclient

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamButlerIngest is the durable stream that captures connector
	// traffic bound for the Switchboard.
	StreamButlerIngest = "BUTLER_INGEST"
	// SubjectIngest carries ingest.v1 envelopes from connector processes.
	SubjectIngest = "BUTLER_INGEST.ingest.>"
	// SubjectHeartbeat carries connector.heartbeat.v1 envelopes.
	SubjectHeartbeat = "BUTLER_INGEST.heartbeat.>"
)

var streamSubjects = []string{SubjectIngest, SubjectHeartbeat}

// ProvisionStreams idempotently ensures the BUTLER_INGEST JetStream stream
// exists with the correct subject filter. It creates the stream on first run
// and is a no-op if the stream already exists with matching config.
func (c *Client) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamButlerIngest)
	if err == nil {
		c.Log.Info("NATS stream already exists", zap.String("stream", StreamButlerIngest))
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamButlerIngest,
		Subjects:  streamSubjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned",
		zap.String("stream", StreamButlerIngest),
		zap.Strings("subjects", streamSubjects),
	)
	return nil
}
