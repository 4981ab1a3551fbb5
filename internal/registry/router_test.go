package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// ── hand-rolled mocks matching the router's interfaces ────────────────────

type mockCatalog struct {
	butlers map[string]*Butler
	listErr error
}

func (m *mockCatalog) Get(_ context.Context, name string) (*Butler, error) {
	return m.butlers[name], nil
}

func (m *mockCatalog) List(_ context.Context) ([]Butler, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []Butler
	for _, b := range m.butlers {
		out = append(out, *b)
	}
	return out, nil
}

type mockCaller struct {
	result map[string]any
	err    error
	calls  []string
}

func (m *mockCaller) CallTool(_ context.Context, endpointURL, tool string, _ map[string]any) (map[string]any, error) {
	m.calls = append(m.calls, endpointURL+"#"+tool)
	return m.result, m.err
}

func activeButler(name string, modules ...string) *Butler {
	now := time.Now().UTC()
	return &Butler{
		Name:               name,
		EndpointURL:        "http://localhost:8101",
		Modules:            modules,
		LastSeenAt:         &now,
		EligibilityState:   StateActive,
		LivenessTTLSeconds: 300,
	}
}

// ── eligibility ───────────────────────────────────────────────────────────

func TestButlerEligible(t *testing.T) {
	now := time.Now().UTC()
	fresh := now.Add(-time.Minute)
	stale := now.Add(-10 * time.Minute)

	tests := []struct {
		name   string
		butler Butler
		want   bool
	}{
		{
			name:   "active and fresh",
			butler: Butler{EligibilityState: StateActive, LastSeenAt: &fresh, LivenessTTLSeconds: 300},
			want:   true,
		},
		{
			name:   "active but stale heartbeat",
			butler: Butler{EligibilityState: StateActive, LastSeenAt: &stale, LivenessTTLSeconds: 300},
			want:   false,
		},
		{
			name:   "quarantined",
			butler: Butler{EligibilityState: StateQuarantined, LastSeenAt: &fresh, LivenessTTLSeconds: 300},
			want:   false,
		},
		{
			name:   "draining accepts no new routes",
			butler: Butler{EligibilityState: StateDraining, LastSeenAt: &fresh, LivenessTTLSeconds: 300},
			want:   false,
		},
		{
			name:   "never seen",
			butler: Butler{EligibilityState: StateActive, LivenessTTLSeconds: 300},
			want:   false,
		},
		{
			name:   "zero TTL falls back to default",
			butler: Butler{EligibilityState: StateActive, LastSeenAt: &fresh},
			want:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.butler.Eligible(now))
		})
	}
}

// ── route ─────────────────────────────────────────────────────────────────

func TestRoute_Success(t *testing.T) {
	caller := &mockCaller{result: map[string]any{"status": "accepted", "row_id": "r-1"}}
	router := NewRouter(
		&mockCatalog{butlers: map[string]*Butler{"finance": activeButler("finance")}},
		caller, nil, zaptest.NewLogger(t))

	result, err := router.Route(t.Context(), "finance", "route.execute",
		map[string]any{"k": "v"}, RouteSource{Butler: "switchboard"})

	require.NoError(t, err)
	assert.Equal(t, "accepted", result["status"])
	assert.Equal(t, []string{"http://localhost:8101#route.execute"}, caller.calls)
}

func TestRoute_UnknownButler(t *testing.T) {
	router := NewRouter(&mockCatalog{butlers: map[string]*Butler{}},
		&mockCaller{}, nil, zaptest.NewLogger(t))

	_, err := router.Route(t.Context(), "ghost", "tick", nil, RouteSource{})
	assert.ErrorIs(t, err, ErrButlerNotFound)
}

func TestRoute_IneligibleButler(t *testing.T) {
	b := activeButler("health")
	b.EligibilityState = StateQuarantined
	caller := &mockCaller{}
	router := NewRouter(&mockCatalog{butlers: map[string]*Butler{"health": b}},
		caller, nil, zaptest.NewLogger(t))

	_, err := router.Route(t.Context(), "health", "tick", nil, RouteSource{})
	assert.ErrorIs(t, err, ErrButlerIneligible)
	assert.Empty(t, caller.calls, "ineligible butler must not be called")
}

func TestRoute_UnreachableButler(t *testing.T) {
	caller := &mockCaller{err: errors.New("connection refused")}
	router := NewRouter(&mockCatalog{butlers: map[string]*Butler{"home": activeButler("home")}},
		caller, nil, zaptest.NewLogger(t))

	_, err := router.Route(t.Context(), "home", "tick", nil, RouteSource{})
	assert.ErrorIs(t, err, ErrButlerUnreachable)
}

// ── post_mail ─────────────────────────────────────────────────────────────

func TestPostMail_RequiresMailboxModule(t *testing.T) {
	router := NewRouter(
		&mockCatalog{butlers: map[string]*Butler{"finance": activeButler("finance")}},
		&mockCaller{}, nil, zaptest.NewLogger(t))

	_, err := router.PostMail(t.Context(), "finance", Mail{Sender: "health", Channel: "mcp", Body: "hi"})
	assert.ErrorIs(t, err, ErrMailboxNotEnabled)
}

func TestPostMail_RoutesToMailboxPost(t *testing.T) {
	caller := &mockCaller{result: map[string]any{"status": "ok"}}
	router := NewRouter(
		&mockCatalog{butlers: map[string]*Butler{"general": activeButler("general", "mailbox")}},
		caller, nil, zaptest.NewLogger(t))

	result, err := router.PostMail(t.Context(), "general",
		Mail{Sender: "health", Channel: "mcp", Body: "checkup due", Subject: "reminder"})

	require.NoError(t, err)
	assert.Equal(t, "ok", result["status"])
	assert.Equal(t, []string{"http://localhost:8101#mailbox_post"}, caller.calls)
}

// ── classification fan-out ────────────────────────────────────────────────

func TestClassifyMessageMulti(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("comma separated", func(t *testing.T) {
		targets := ClassifyMessageMulti(t.Context(), "m",
			func(context.Context, string) (string, error) { return "finance, health", nil }, logger)
		assert.Equal(t, []string{"finance", "health"}, targets)
	})

	t.Run("newline separated with dupes", func(t *testing.T) {
		targets := ClassifyMessageMulti(t.Context(), "m",
			func(context.Context, string) (string, error) { return "Finance\nfinance\nmemory\n", nil }, logger)
		assert.Equal(t, []string{"finance", "memory"}, targets)
	})

	t.Run("dispatch error falls back to general", func(t *testing.T) {
		targets := ClassifyMessageMulti(t.Context(), "m",
			func(context.Context, string) (string, error) { return "", errors.New("llm down") }, logger)
		assert.Equal(t, []string{"general"}, targets)
	})

	t.Run("empty output falls back to general", func(t *testing.T) {
		targets := ClassifyMessageMulti(t.Context(), "m",
			func(context.Context, string) (string, error) { return "  \n ", nil }, logger)
		assert.Equal(t, []string{"general"}, targets)
	})
}

func TestDispatchToTargets_PartialFailure(t *testing.T) {
	results := DispatchToTargets(t.Context(), []string{"finance", "health", "home"}, "msg",
		func(_ context.Context, target, _ string) (map[string]any, error) {
			if target == "health" {
				return nil, errors.New("unreachable")
			}
			return map[string]any{"result": "ok from " + target}, nil
		})

	require.Len(t, results, 3)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, "unreachable", results[1].Error)
	assert.Empty(t, results[2].Error)
}

func TestAggregateResponses(t *testing.T) {
	combined := AggregateResponses([]TargetResult{
		{Target: "finance", Result: map[string]any{"result": "balance is fine"}},
		{Target: "health", Error: "unreachable"},
		{Target: "home", Result: map[string]any{"result": "lights off"}},
	})

	assert.Contains(t, combined, "[finance] balance is fine")
	assert.Contains(t, combined, "[home] lights off")
	assert.Contains(t, combined, "(no response from: health)")
}

// ── heartbeat tick ────────────────────────────────────────────────────────

func TestTickAllButlers_SkipsSelf(t *testing.T) {
	store := &mockCatalog{butlers: map[string]*Butler{
		"heartbeat": activeButler("heartbeat"),
		"finance":   activeButler("finance"),
		"health":    activeButler("health"),
	}}

	var ticked []string
	result, err := TickAllButlers(t.Context(), store, "heartbeat",
		func(_ context.Context, name string) error {
			ticked = append(ticked, name)
			if name == "health" {
				return errors.New("tick failed")
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Successful)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "health", result.Failed[0].Name)
	assert.NotContains(t, ticked, "heartbeat")
}
