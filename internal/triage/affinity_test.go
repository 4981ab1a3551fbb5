package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestCheckOverride(t *testing.T) {
	logger := zaptest.NewLogger(t)
	settings := AffinitySettings{
		Enabled: true,
		TTLDays: 30,
		ThreadOverrides: map[string]string{
			"t-disabled":  "disabled",
			"t-forced":    "force:finance",
			"t-malformed": "force:",
			"t-unknown":   "pin",
		},
	}

	tests := []struct {
		name        string
		threadID    string
		wantNil     bool
		wantOutcome AffinityOutcome
		wantTarget  string
	}{
		{"no override", "t-plain", true, "", ""},
		{"disabled thread", "t-disabled", false, AffinityMissDisabledThread, ""},
		{"forced thread", "t-forced", false, AffinityForceOverride, "finance"},
		{"malformed force ignored", "t-malformed", true, "", ""},
		{"unknown value ignored", "t-unknown", true, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := checkOverride(tt.threadID, settings, logger)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.wantOutcome, got.Outcome)
			assert.Equal(t, tt.wantTarget, got.TargetButler)
		})
	}
}

func TestAffinityOutcome_ProducesRoute(t *testing.T) {
	assert.True(t, AffinityHit.ProducesRoute())
	assert.True(t, AffinityForceOverride.ProducesRoute())
	assert.False(t, AffinityMissNoHistory.ProducesRoute())
	assert.False(t, AffinityMissConflict.ProducesRoute())
	assert.False(t, AffinityMissError.ProducesRoute())
}

func TestAffinityOutcome_MissReason(t *testing.T) {
	tests := []struct {
		outcome AffinityOutcome
		want    string
	}{
		{AffinityMissNoThreadID, "no_thread_id"},
		{AffinityMissNoHistory, "no_history"},
		{AffinityMissConflict, "conflict"},
		{AffinityMissStale, "stale"},
		{AffinityMissDisabledGlobal, "disabled"},
		{AffinityMissDisabledThread, "disabled"},
		{AffinityMissError, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.outcome.MissReason())
	}
}

func TestDefaultAffinitySettings(t *testing.T) {
	s := DefaultAffinitySettings()
	assert.True(t, s.Enabled)
	assert.Equal(t, 30, s.TTLDays)
	assert.Empty(t, s.ThreadOverrides)
}

func TestLookup_NonEmailChannelMisses(t *testing.T) {
	l := NewAffinityLookup(nil, nil, zaptest.NewLogger(t))
	settings := DefaultAffinitySettings()
	got := l.Lookup(t.Context(), "t-1", "telegram", &settings)
	assert.Equal(t, AffinityMissNoThreadID, got.Outcome)
}

func TestLookup_GloballyDisabled(t *testing.T) {
	l := NewAffinityLookup(nil, NewTelemetry(nil), zaptest.NewLogger(t))
	settings := AffinitySettings{Enabled: false, TTLDays: 30, ThreadOverrides: map[string]string{}}
	got := l.Lookup(t.Context(), "t-1", "email", &settings)
	assert.Equal(t, AffinityMissDisabledGlobal, got.Outcome)
}

func TestLookup_OverridesShortCircuitHistory(t *testing.T) {
	// db is nil: reaching the history query would panic, proving the
	// override path never touches it.
	l := NewAffinityLookup(nil, NewTelemetry(nil), zaptest.NewLogger(t))
	settings := AffinitySettings{
		Enabled:         true,
		TTLDays:         30,
		ThreadOverrides: map[string]string{"t-1": "force:health"},
	}
	got := l.Lookup(t.Context(), "t-1", "email", &settings)
	assert.Equal(t, AffinityForceOverride, got.Outcome)
	assert.Equal(t, "health", got.TargetButler)
}

func TestLookup_EmptyThreadIDMisses(t *testing.T) {
	l := NewAffinityLookup(nil, NewTelemetry(nil), zaptest.NewLogger(t))
	settings := DefaultAffinitySettings()
	got := l.Lookup(t.Context(), "   ", "email", &settings)
	assert.Equal(t, AffinityMissNoThreadID, got.Outcome)
}
