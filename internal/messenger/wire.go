package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tzeusy/butlers/internal/contract"
	"github.com/tzeusy/butlers/internal/daemon"
	"github.com/tzeusy/butlers/internal/delivery"
)

// Wire attaches the delivery engine and dead-letter tools to the
// messenger daemon.
func Wire(d *daemon.Daemon, logger *zap.Logger) *delivery.Engine {
	store := delivery.NewStore(d.Pool())
	engine := delivery.NewEngine(store, map[string]delivery.ChannelSender{
		contract.NotifyChannelTelegram: NewTelegramSender(d.Secrets(), logger),
		contract.NotifyChannelEmail:    NewEmailSender(logger),
	}, logger)

	d.RegisterTool("delivery_submit", func(ctx context.Context, params json.RawMessage) (any, error) {
		return toolDeliverySubmit(ctx, engine, params, logger)
	})
	d.RegisterTool("messenger_dead_letter_list", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Channel          string `json:"channel,omitempty"`
			OriginButler     string `json:"origin_butler,omitempty"`
			ErrorClass       string `json:"error_class,omitempty"`
			Since            string `json:"since,omitempty"`
			Limit            int    `json:"limit,omitempty"`
			IncludeDiscarded bool   `json:"include_discarded,omitempty"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
		}
		filter := delivery.ListFilter{
			Channel:          p.Channel,
			OriginButler:     p.OriginButler,
			ErrorClass:       p.ErrorClass,
			Limit:            p.Limit,
			IncludeDiscarded: p.IncludeDiscarded,
		}
		if p.Since != "" {
			since, err := time.Parse(time.RFC3339, p.Since)
			if err != nil {
				return nil, fmt.Errorf("invalid since timestamp: %w", err)
			}
			filter.Since = &since
		}
		return store.ListDeadLetters(ctx, filter)
	})
	d.RegisterTool("messenger_dead_letter_inspect", func(ctx context.Context, params json.RawMessage) (any, error) {
		id, err := deadLetterID(params)
		if err != nil {
			return nil, err
		}
		return store.InspectDeadLetter(ctx, id)
	})
	d.RegisterTool("messenger_dead_letter_replay", func(ctx context.Context, params json.RawMessage) (any, error) {
		id, err := deadLetterID(params)
		if err != nil {
			return nil, err
		}
		result, err := store.ReplayDeadLetter(ctx, id)
		if err != nil {
			return nil, err
		}
		// The replayed request re-enters the standard pipeline.
		go deliverAsync(engine, result.ReplayedDeliveryID, logger)
		return result, nil
	})
	d.RegisterTool("messenger_dead_letter_discard", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			DeadLetterID string `json:"dead_letter_id"`
			Reason       string `json:"reason"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(p.DeadLetterID)
		if err != nil {
			return nil, fmt.Errorf("invalid dead_letter_id: %w", err)
		}
		if err := store.DiscardDeadLetter(ctx, id, p.Reason); err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok", "dead_letter_id": p.DeadLetterID}, nil
	})

	return engine
}

// toolDeliverySubmit validates a notify.v1 request, admits it under the
// caller's idempotency key, and kicks off delivery asynchronously.
func toolDeliverySubmit(ctx context.Context, engine *delivery.Engine, params json.RawMessage, logger *zap.Logger) (any, error) {
	var p struct {
		IdempotencyKey string          `json:"idempotency_key"`
		NotifyRequest  json.RawMessage `json:"notify_request"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	notify, err := contract.ParseNotify(p.NotifyRequest)
	if err != nil {
		return nil, err
	}

	submitParams := delivery.SubmitParams{
		IdempotencyKey: p.IdempotencyKey,
		OriginButler:   notify.OriginButler,
		Channel:        notify.Delivery.Channel,
		Intent:         notify.Delivery.Intent,
		TargetIdentity: notify.Delivery.Recipient,
		Message:        notify.Delivery.Message,
		Subject:        notify.Delivery.Subject,
		Envelope:       p.NotifyRequest,
	}
	if notify.RequestContext != nil {
		requestID := notify.RequestContext.RequestID.UUID
		submitParams.RequestID = &requestID
		// Replies without an explicit recipient go back to the sender.
		if submitParams.TargetIdentity == "" {
			submitParams.TargetIdentity = notify.RequestContext.SourceSenderIdentity
		}
	}

	result, err := engine.Submit(ctx, submitParams)
	if err != nil {
		return nil, err
	}
	if !result.Duplicate {
		go deliverAsync(engine, result.DeliveryID, logger)
	}
	return result, nil
}

// deadLetterID extracts and parses the dead_letter_id field from a tool
// params payload.
func deadLetterID(params json.RawMessage) (uuid.UUID, error) {
	var p struct {
		DeadLetterID string `json:"dead_letter_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return uuid.UUID{}, err
	}
	id, err := uuid.Parse(p.DeadLetterID)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid dead_letter_id: %w", err)
	}
	return id, nil
}

func deliverAsync(engine *delivery.Engine, deliveryID uuid.UUID, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := engine.Deliver(ctx, deliveryID); err != nil {
		logger.Error("delivery run failed",
			zap.String("delivery_id", deliveryID.String()), zap.Error(err))
	}
}
