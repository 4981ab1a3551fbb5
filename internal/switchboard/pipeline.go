// Package switchboard is the central butler: it ingests connector events,
// runs the triage pipeline, and routes accepted requests to target
// butlers' route inboxes.
package switchboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tzeusy/butlers/internal/contract"
	"github.com/tzeusy/butlers/internal/registry"
	"github.com/tzeusy/butlers/internal/triage"
)

// routeDispatcher is the slice of registry.Router the pipeline needs.
type routeDispatcher interface {
	Route(ctx context.Context, target, tool string, args map[string]any, source registry.RouteSource) (map[string]any, error)
}

// ruleSource loads the active triage rules (normally the DB-backed cache).
type ruleSource interface {
	Rules(ctx context.Context) []triage.Rule
}

// affinityLookup resolves email thread affinity.
type affinityLookup interface {
	Lookup(ctx context.Context, threadID, sourceChannel string, settings *triage.AffinitySettings) triage.AffinityResult
}

// Pipeline is the ingest triage + routing pipeline.
type Pipeline struct {
	rules    ruleSource
	affinity affinityLookup
	router   routeDispatcher
	classify registry.ClassifyFunc
	logger   *zap.Logger
	now      func() time.Time
}

// NewPipeline creates a Pipeline. classify is the LLM fallback used for
// pass_through decisions.
func NewPipeline(rules ruleSource, affinity affinityLookup, router routeDispatcher,
	classify registry.ClassifyFunc, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		rules:    rules,
		affinity: affinity,
		router:   router,
		classify: classify,
		logger:   logger,
		now:      time.Now,
	}
}

// IngestResult reports what happened to one ingest envelope.
type IngestResult struct {
	Status   string                  `json:"status"`
	Decision triage.Decision         `json:"decision"`
	Routed   []registry.TargetResult `json:"routed,omitempty"`
}

// Ingest validates one ingest.v1 payload, triages it, and routes it.
// Contract failures surface to the caller; triage failures fail open to
// pass_through; routing failures are recorded per target, never raised.
func (p *Pipeline) Ingest(ctx context.Context, payload []byte) (*IngestResult, error) {
	env, err := contract.ParseIngest(payload)
	if err != nil {
		return nil, err
	}

	projection := triage.FromIngest(env)

	// Thread affinity applies before rules, email only. The lookup fails
	// open: any miss variant falls through to the rule walk.
	var affinityTarget string
	if projection.SourceChannel == contract.ChannelEmail && projection.ThreadID != "" {
		result := p.affinity.Lookup(ctx, projection.ThreadID, projection.SourceChannel, nil)
		if result.Outcome.ProducesRoute() {
			affinityTarget = result.TargetButler
		}
	}

	decision := triage.Evaluate(projection, p.rules.Rules(ctx), affinityTarget, p.logger)

	p.logger.Info("triage decision",
		zap.String("decision", decision.Decision),
		zap.String("target_butler", decision.TargetButler),
		zap.String("matched_rule_type", decision.MatchedRuleType),
		zap.String("reason", decision.Reason),
	)

	switch decision.Decision {
	case triage.DecisionSkip, triage.DecisionMetadataOnly, triage.DecisionLowPriorityQueue:
		return &IngestResult{Status: decision.Decision, Decision: decision}, nil

	case triage.DecisionRouteTo:
		if decision.TargetButler == "" {
			// Malformed route_to action; treat as pass_through.
			break
		}
		routed := p.routeTo(ctx, env, []string{decision.TargetButler})
		return &IngestResult{Status: "routed", Decision: decision, Routed: routed}, nil
	}

	// pass_through: LLM classification decides the targets.
	targets := registry.ClassifyMessageMulti(ctx, env.Payload.NormalizedText, p.classify, p.logger)
	routed := p.routeTo(ctx, env, targets)
	return &IngestResult{Status: "routed", Decision: decision, Routed: routed}, nil
}

// routeTo builds one route.v1 envelope per target and dispatches it to the
// target's route.execute tool. Partial failures are recorded per target.
func (p *Pipeline) routeTo(ctx context.Context, env *contract.IngestEnvelope, targets []string) []registry.TargetResult {
	return registry.DispatchToTargets(ctx, targets, env.Payload.NormalizedText,
		func(ctx context.Context, target, _ string) (map[string]any, error) {
			routeEnv, err := p.buildRouteEnvelope(env, target)
			if err != nil {
				return nil, err
			}
			args, err := envelopeToMap(routeEnv)
			if err != nil {
				return nil, err
			}
			return p.router.Route(ctx, target, "route.execute", args, registry.RouteSource{
				Butler:   "switchboard",
				Channel:  env.Source.Channel,
				ThreadID: env.Event.ExternalThreadID,
			})
		})
}

// buildRouteEnvelope derives the route.v1 envelope for one target: fresh
// v7 request id, received_at now, source lineage from the ingest envelope.
func (p *Pipeline) buildRouteEnvelope(env *contract.IngestEnvelope, target string) (*contract.RouteEnvelope, error) {
	requestID, err := contract.NewUUID7()
	if err != nil {
		return nil, fmt.Errorf("generate request id: %w", err)
	}
	receivedAt, err := contract.ParseTimestamp("request_context.received_at",
		p.now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}

	return &contract.RouteEnvelope{
		SchemaVersion: contract.SchemaVersionRoute,
		RequestContext: contract.RequestContext{
			RequestID:              requestID,
			ReceivedAt:             receivedAt,
			SourceChannel:          env.Source.Channel,
			SourceEndpointIdentity: env.Source.EndpointIdentity,
			SourceSenderIdentity:   env.Sender.Identity,
			SourceThreadIdentity:   env.Event.ExternalThreadID,
			TraceContext:           env.Control.TraceContext,
		},
		Input: contract.RouteInput{Prompt: env.Payload.NormalizedText},
		Target: &contract.RouteTarget{
			Butler: target,
			Tool:   "route.execute",
		},
	}, nil
}

// envelopeToMap renders a route envelope as the JSON-RPC params map.
func envelopeToMap(env *contract.RouteEnvelope) (map[string]any, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RuleCache caches triage rules for a short TTL so the hot ingest path
// does not hit the rules table per event. Load failures serve the stale
// cache (or no rules at all) — triage fails open, never blocks ingestion.
type RuleCache struct {
	load    func(ctx context.Context) ([]triage.Rule, error)
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time
	cached  []triage.Rule
	expires time.Time
}

// NewRuleCache creates a RuleCache around a loader (normally
// triage.LoadRules over the switchboard pool).
func NewRuleCache(load func(ctx context.Context) ([]triage.Rule, error), ttl time.Duration, logger *zap.Logger) *RuleCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RuleCache{load: load, ttl: ttl, logger: logger, now: time.Now}
}

// Rules returns the cached rule list, refreshing it when stale.
func (c *RuleCache) Rules(ctx context.Context) []triage.Rule {
	if c.now().Before(c.expires) {
		return c.cached
	}
	fresh, err := c.load(ctx)
	if err != nil {
		c.logger.Warn("failed to refresh triage rules; serving stale cache", zap.Error(err))
		return c.cached
	}
	c.cached = fresh
	c.expires = c.now().Add(c.ttl)
	return c.cached
}
