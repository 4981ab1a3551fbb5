package switchboard

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tzeusy/butlers/internal/contract"
	"github.com/tzeusy/butlers/internal/daemon"
	"github.com/tzeusy/butlers/internal/registry"
	"github.com/tzeusy/butlers/internal/spawner"
	"github.com/tzeusy/butlers/internal/triage"
)

// classifyPromptPrefix frames the LLM fallback classification.
const classifyPromptPrefix = "Classify which butlers should handle this message. " +
	"Reply with butler names only, comma-separated. Message:\n\n"

// Wire attaches the switchboard surfaces to a butler daemon: the triage
// pipeline, the butler registry and router, and the ingest/heartbeat
// tools. Returns the pipeline and status store for the NATS consumer.
func Wire(d *daemon.Daemon, logger *zap.Logger) (*Pipeline, *ConnectorStatusStore) {
	pool := d.Pool()

	telemetry := triage.NewTelemetry(d.MetricsRegistry())
	affinity := triage.NewAffinityLookup(pool, telemetry, logger)
	ruleCache := NewRuleCache(func(ctx context.Context) ([]triage.Rule, error) {
		return triage.LoadRules(ctx, pool)
	}, 30*time.Second, logger)

	registryStore := registry.NewStore(pool, logger)
	routingLog := registry.NewRoutingLog(pool)
	router := registry.NewRouter(registryStore, registry.NewHTTPToolCaller(), routingLog, logger)

	classify := func(ctx context.Context, message string) (string, error) {
		result, err := d.Spawner().Trigger(ctx, spawner.TriggerRequest{
			Prompt:        classifyPromptPrefix + message,
			TriggerSource: "triage:classify",
		})
		if err != nil {
			return "", err
		}
		if !result.Success {
			return "", errors.New(result.Error)
		}
		return result.Result, nil
	}

	pipeline := NewPipeline(ruleCache, affinity, router, classify, logger)
	status := NewConnectorStatusStore(pool, logger)

	d.RegisterTool("ingest.submit", func(ctx context.Context, params json.RawMessage) (any, error) {
		return pipeline.Ingest(ctx, params)
	})
	d.RegisterTool("connector.heartbeat", func(ctx context.Context, params json.RawMessage) (any, error) {
		return status.Accept(ctx, params)
	})
	d.RegisterTool("register_butler", func(ctx context.Context, params json.RawMessage) (any, error) {
		var b registry.Butler
		if err := json.Unmarshal(params, &b); err != nil {
			return nil, err
		}
		if err := registryStore.Register(ctx, b); err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok"}, nil
	})
	d.RegisterTool("post_mail", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Target   string         `json:"target"`
			Sender   string         `json:"sender"`
			Channel  string         `json:"sender_channel"`
			Body     string         `json:"body"`
			Subject  string         `json:"subject,omitempty"`
			Priority string         `json:"priority,omitempty"`
			Metadata map[string]any `json:"metadata,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return router.PostMail(ctx, p.Target, registry.Mail{
			Sender:   p.Sender,
			Channel:  p.Channel,
			Body:     p.Body,
			Subject:  p.Subject,
			Priority: p.Priority,
			Metadata: p.Metadata,
		})
	})
	d.RegisterTool("tick_all_butlers", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return registry.TickAllButlers(ctx, registryStore, d.Name(),
			func(ctx context.Context, name string) error {
				_, err := router.Route(ctx, name, "tick", map[string]any{},
					registry.RouteSource{Butler: d.Name()})
				return err
			})
	})

	return pipeline, status
}

// isContractError reports whether err is a contract validation failure
// (non-retryable by definition).
func isContractError(err error) bool {
	var cerr *contract.Error
	return errors.As(err, &cerr)
}
