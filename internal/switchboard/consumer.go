package switchboard

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tzeusy/butlers/internal/platform/natsclient"
)

const (
	ingestDurable    = "switchboard-ingest-consumer"
	heartbeatDurable = "switchboard-heartbeat-consumer"
	fetchBatch       = 10
	fetchTimeout     = 5 * time.Second
)

// Consumer pulls connector traffic off the BUTLER_INGEST stream and feeds
// the pipeline and the connector status store.
type Consumer struct {
	nc       *natsclient.Client
	pipeline *Pipeline
	status   *ConnectorStatusStore
	logger   *zap.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(nc *natsclient.Client, pipeline *Pipeline, status *ConnectorStatusStore, logger *zap.Logger) *Consumer {
	return &Consumer{nc: nc, pipeline: pipeline, status: status, logger: logger}
}

// Start subscribes both durable pull consumers and processes messages
// until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	ingestSub, err := c.nc.JS.PullSubscribe(
		natsclient.SubjectIngest,
		ingestDurable,
		nats.AckExplicit(),
		nats.ManualAck(),
	)
	if err != nil {
		return err
	}
	heartbeatSub, err := c.nc.JS.PullSubscribe(
		natsclient.SubjectHeartbeat,
		heartbeatDurable,
		nats.AckExplicit(),
		nats.ManualAck(),
	)
	if err != nil {
		return err
	}

	c.logger.Info("switchboard ingest consumer started",
		zap.String("ingest_subject", natsclient.SubjectIngest),
		zap.String("heartbeat_subject", natsclient.SubjectHeartbeat),
	)

	go c.consume(ctx, ingestSub, c.processIngest, "ingest")
	go c.consume(ctx, heartbeatSub, c.processHeartbeat, "heartbeat")
	return nil
}

func (c *Consumer) consume(ctx context.Context, sub *nats.Subscription, handle func(context.Context, *nats.Msg), kind string) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("switchboard consumer stopping", zap.String("kind", kind))
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchTimeout))
		if err != nil {
			// Timeout is expected when there are no messages.
			if err == nats.ErrTimeout {
				continue
			}
			c.logger.Error("fetch error", zap.String("kind", kind), zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			handle(ctx, msg)
		}
	}
}

// processIngest runs one envelope through the pipeline. Contract failures
// terminate the message (poison pill); routing failures are already
// captured per target, so the message ACKs either way.
func (c *Consumer) processIngest(ctx context.Context, msg *nats.Msg) {
	result, err := c.pipeline.Ingest(ctx, msg.Data)
	if err != nil {
		c.logger.Warn("malformed ingest envelope (terminating)", zap.Error(err))
		_ = msg.Term()
		return
	}

	c.logger.Info("ingest processed",
		zap.String("status", result.Status),
		zap.String("decision", result.Decision.Decision),
	)
	_ = msg.Ack()
}

// processHeartbeat records one connector heartbeat. Storage failures NAK
// for redelivery; contract failures terminate.
func (c *Consumer) processHeartbeat(ctx context.Context, msg *nats.Msg) {
	if _, err := c.status.Accept(ctx, msg.Data); err != nil {
		if isContractError(err) {
			c.logger.Warn("malformed heartbeat envelope (terminating)", zap.Error(err))
			_ = msg.Term()
			return
		}
		c.logger.Error("heartbeat storage failed", zap.Error(err))
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}
