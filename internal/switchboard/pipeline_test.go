package switchboard

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tzeusy/butlers/internal/contract"
	"github.com/tzeusy/butlers/internal/registry"
	"github.com/tzeusy/butlers/internal/triage"
)

// ── fakes ─────────────────────────────────────────────────────────────────

type staticRules struct {
	rules []triage.Rule
}

func (s *staticRules) Rules(context.Context) []triage.Rule { return s.rules }

type staticAffinity struct {
	result triage.AffinityResult
	called bool
}

func (s *staticAffinity) Lookup(_ context.Context, _, _ string, _ *triage.AffinitySettings) triage.AffinityResult {
	s.called = true
	return s.result
}

type capturingRouter struct {
	calls []routedCall
	err   error
}

type routedCall struct {
	Target string
	Tool   string
	Args   map[string]any
}

func (r *capturingRouter) Route(_ context.Context, target, tool string, args map[string]any, _ registry.RouteSource) (map[string]any, error) {
	r.calls = append(r.calls, routedCall{Target: target, Tool: tool, Args: args})
	if r.err != nil {
		return nil, r.err
	}
	return map[string]any{"status": "accepted", "row_id": "row-1"}, nil
}

func neverClassify(t *testing.T) registry.ClassifyFunc {
	return func(context.Context, string) (string, error) {
		t.Fatal("LLM classification must not run")
		return "", nil
	}
}

func ingestPayload(t *testing.T, mutate func(m map[string]any)) []byte {
	t.Helper()
	m := map[string]any{
		"schema_version": "ingest.v1",
		"source": map[string]any{
			"channel":           "email",
			"provider":          "imap",
			"endpoint_identity": "inbox@example.com",
		},
		"event": map[string]any{
			"external_event_id": "msg-1",
			"observed_at":       "2026-02-18T10:00:00Z",
		},
		"sender":  map[string]any{"identity": "alerts@chase.com"},
		"payload": map[string]any{"raw": map[string]any{}, "normalized_text": "Your statement is ready"},
	}
	if mutate != nil {
		mutate(m)
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func newPipeline(t *testing.T, rules []triage.Rule, affinity *staticAffinity, router *capturingRouter, classify registry.ClassifyFunc) *Pipeline {
	t.Helper()
	p := NewPipeline(&staticRules{rules: rules}, affinity, router, classify, zaptest.NewLogger(t))
	p.now = func() time.Time { return time.Date(2026, 2, 18, 10, 0, 5, 0, time.UTC) }
	return p
}

func missAffinity() *staticAffinity {
	return &staticAffinity{result: triage.AffinityResult{Outcome: triage.AffinityMissNoHistory}}
}

// ── scenarios ─────────────────────────────────────────────────────────────

// Spec scenario: a sender_domain rule routes a chase.com alert to finance.
func TestIngest_DomainRuleRoutesToFinance(t *testing.T) {
	router := &capturingRouter{}
	rules := []triage.Rule{{
		ID:        "rule-1",
		RuleType:  triage.RuleSenderDomain,
		Condition: map[string]any{"domain": "chase.com", "match": "suffix"},
		Action:    "route_to:finance",
		Priority:  10,
	}}
	p := newPipeline(t, rules, missAffinity(), router, neverClassify(t))

	result, err := p.Ingest(t.Context(), ingestPayload(t, nil))
	require.NoError(t, err)

	assert.Equal(t, "routed", result.Status)
	assert.Equal(t, "route_to", result.Decision.Decision)
	assert.Equal(t, "finance", result.Decision.TargetButler)
	assert.Equal(t, "rule-1", result.Decision.MatchedRuleID)
	assert.Equal(t, "sender_domain", result.Decision.MatchedRuleType)

	require.Len(t, router.calls, 1)
	call := router.calls[0]
	assert.Equal(t, "finance", call.Target)
	assert.Equal(t, "route.execute", call.Tool)

	// The routed envelope is a valid route.v1 with ingest lineage.
	raw, err := json.Marshal(call.Args)
	require.NoError(t, err)
	routeEnv, err := contract.ParseRoute(raw)
	require.NoError(t, err)
	assert.Equal(t, "email", routeEnv.RequestContext.SourceChannel)
	assert.Equal(t, "alerts@chase.com", routeEnv.RequestContext.SourceSenderIdentity)
	assert.Equal(t, "inbox@example.com", routeEnv.RequestContext.SourceEndpointIdentity)
	assert.Equal(t, "Your statement is ready", routeEnv.Input.Prompt)
}

// Spec scenario: an email reply to an active thread bypasses the rules.
func TestIngest_ThreadAffinityBypassesRules(t *testing.T) {
	router := &capturingRouter{}
	affinity := &staticAffinity{result: triage.AffinityResult{
		Outcome:      triage.AffinityHit,
		TargetButler: "health",
	}}
	// A rule that would otherwise skip this message.
	rules := []triage.Rule{{
		ID:        "rule-skip",
		RuleType:  triage.RuleSenderDomain,
		Condition: map[string]any{"domain": "chase.com", "match": "suffix"},
		Action:    "skip",
	}}
	p := newPipeline(t, rules, affinity, router, neverClassify(t))

	result, err := p.Ingest(t.Context(), ingestPayload(t, func(m map[string]any) {
		m["event"].(map[string]any)["external_thread_id"] = "t1"
	}))
	require.NoError(t, err)

	assert.True(t, affinity.called)
	assert.Equal(t, "route_to", result.Decision.Decision)
	assert.Equal(t, "health", result.Decision.TargetButler)
	assert.Equal(t, "thread_affinity", result.Decision.MatchedRuleType)
	require.Len(t, router.calls, 1)
	assert.Equal(t, "health", router.calls[0].Target)
}

func TestIngest_AffinityNotConsultedWithoutThread(t *testing.T) {
	affinity := &staticAffinity{result: triage.AffinityResult{Outcome: triage.AffinityHit, TargetButler: "health"}}
	router := &capturingRouter{}
	rules := []triage.Rule{{
		ID:        "r",
		RuleType:  triage.RuleSenderAddress,
		Condition: map[string]any{"address": "alerts@chase.com"},
		Action:    "skip",
	}}
	p := newPipeline(t, rules, affinity, router, neverClassify(t))

	result, err := p.Ingest(t.Context(), ingestPayload(t, nil))
	require.NoError(t, err)
	assert.False(t, affinity.called, "no thread id → no affinity lookup")
	assert.Equal(t, "skip", result.Status)
}

func TestIngest_SkipProducesNoRoute(t *testing.T) {
	router := &capturingRouter{}
	rules := []triage.Rule{{
		ID:        "r",
		RuleType:  triage.RuleSenderAddress,
		Condition: map[string]any{"address": "alerts@chase.com"},
		Action:    "skip",
	}}
	p := newPipeline(t, rules, missAffinity(), router, neverClassify(t))

	result, err := p.Ingest(t.Context(), ingestPayload(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "skip", result.Status)
	assert.Empty(t, router.calls)
}

func TestIngest_PassThroughClassifiesAndFansOut(t *testing.T) {
	router := &capturingRouter{}
	classify := func(context.Context, string) (string, error) {
		return "finance, health", nil
	}
	p := newPipeline(t, nil, missAffinity(), router, classify)

	result, err := p.Ingest(t.Context(), ingestPayload(t, nil))
	require.NoError(t, err)

	assert.Equal(t, "routed", result.Status)
	assert.Equal(t, "pass_through", result.Decision.Decision)
	require.Len(t, router.calls, 2)
	assert.Equal(t, "finance", router.calls[0].Target)
	assert.Equal(t, "health", router.calls[1].Target)
}

func TestIngest_ClassifierFailureFallsBackToGeneral(t *testing.T) {
	router := &capturingRouter{}
	classify := func(context.Context, string) (string, error) {
		return "", errors.New("llm down")
	}
	p := newPipeline(t, nil, missAffinity(), router, classify)

	result, err := p.Ingest(t.Context(), ingestPayload(t, nil))
	require.NoError(t, err)
	require.Len(t, router.calls, 1)
	assert.Equal(t, "general", router.calls[0].Target)
	require.Len(t, result.Routed, 1)
}

func TestIngest_RoutingFailureRecordedNotRaised(t *testing.T) {
	router := &capturingRouter{err: errors.New("butler_unreachable: finance")}
	rules := []triage.Rule{{
		ID:        "r",
		RuleType:  triage.RuleSenderDomain,
		Condition: map[string]any{"domain": "chase.com", "match": "suffix"},
		Action:    "route_to:finance",
	}}
	p := newPipeline(t, rules, missAffinity(), router, neverClassify(t))

	result, err := p.Ingest(t.Context(), ingestPayload(t, nil))
	require.NoError(t, err, "routing failures are per-target records, not pipeline errors")
	require.Len(t, result.Routed, 1)
	assert.Contains(t, result.Routed[0].Error, "butler_unreachable")
}

func TestIngest_ContractFailureSurfaces(t *testing.T) {
	p := newPipeline(t, nil, missAffinity(), &capturingRouter{}, neverClassify(t))

	_, err := p.Ingest(t.Context(), []byte(`{"schema_version":"ingest.v2"}`))
	require.Error(t, err)

	var cerr *contract.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, contract.CodeUnsupportedSchemaVersion, cerr.Code)
}

// ── rule cache ────────────────────────────────────────────────────────────

func TestRuleCache(t *testing.T) {
	loads := 0
	cache := NewRuleCache(func(context.Context) ([]triage.Rule, error) {
		loads++
		return []triage.Rule{{ID: "r"}}, nil
	}, time.Minute, zaptest.NewLogger(t))

	now := time.Date(2026, 2, 18, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	assert.Len(t, cache.Rules(t.Context()), 1)
	assert.Len(t, cache.Rules(t.Context()), 1)
	assert.Equal(t, 1, loads, "second read inside TTL hits the cache")

	now = now.Add(2 * time.Minute)
	cache.Rules(t.Context())
	assert.Equal(t, 2, loads, "read after TTL refreshes")
}

func TestRuleCache_LoadFailureServesStale(t *testing.T) {
	loads := 0
	cache := NewRuleCache(func(context.Context) ([]triage.Rule, error) {
		loads++
		if loads > 1 {
			return nil, errors.New("db down")
		}
		return []triage.Rule{{ID: "r"}}, nil
	}, time.Minute, zaptest.NewLogger(t))

	now := time.Date(2026, 2, 18, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	require.Len(t, cache.Rules(t.Context()), 1)
	now = now.Add(2 * time.Minute)
	assert.Len(t, cache.Rules(t.Context()), 1, "stale cache served on load failure")
}
