package triage

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Affinity outcomes.
type AffinityOutcome string

const (
	AffinityHit                AffinityOutcome = "hit"
	AffinityMissNoThreadID     AffinityOutcome = "miss_no_thread_id"
	AffinityMissNoHistory      AffinityOutcome = "miss_no_history"
	AffinityMissConflict       AffinityOutcome = "miss_conflict"
	AffinityMissStale          AffinityOutcome = "miss_stale"
	AffinityMissDisabledGlobal AffinityOutcome = "miss_disabled_global"
	AffinityMissDisabledThread AffinityOutcome = "miss_disabled_thread"
	AffinityForceOverride      AffinityOutcome = "force_override"
	AffinityMissError          AffinityOutcome = "miss_error"
)

const (
	forcePrefix      = "force:"
	disabledOverride = "disabled"
	defaultTTLDays   = 30
)

// ProducesRoute reports whether the outcome resolves a routing target.
func (o AffinityOutcome) ProducesRoute() bool {
	return o == AffinityHit || o == AffinityForceOverride
}

// MissReason is the low-cardinality reason tag recorded for miss metrics.
func (o AffinityOutcome) MissReason() string {
	switch o {
	case AffinityMissNoThreadID:
		return "no_thread_id"
	case AffinityMissNoHistory:
		return "no_history"
	case AffinityMissConflict:
		return "conflict"
	case AffinityMissStale:
		return "stale"
	case AffinityMissDisabledGlobal, AffinityMissDisabledThread:
		return "disabled"
	case AffinityMissError:
		return "error"
	}
	return "no_history"
}

// AffinityResult is the outcome of a thread-affinity lookup.
type AffinityResult struct {
	Outcome      AffinityOutcome
	TargetButler string
}

// AffinitySettings mirrors the thread_affinity_settings row.
type AffinitySettings struct {
	Enabled         bool
	TTLDays         int
	ThreadOverrides map[string]string
}

// DefaultAffinitySettings are the safe defaults used when the settings row
// cannot be loaded: affinity enabled, TTL 30 days, no overrides.
func DefaultAffinitySettings() AffinitySettings {
	return AffinitySettings{Enabled: true, TTLDays: defaultTTLDays, ThreadOverrides: map[string]string{}}
}

// affinityDB is the slice of pgxpool.Pool the lookup needs.
type affinityDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AffinityLookup resolves email threads to butlers from routing history.
type AffinityLookup struct {
	db        affinityDB
	telemetry *Telemetry
	logger    *zap.Logger
}

// NewAffinityLookup creates an AffinityLookup.
func NewAffinityLookup(db affinityDB, telemetry *Telemetry, logger *zap.Logger) *AffinityLookup {
	return &AffinityLookup{db: db, telemetry: telemetry, logger: logger}
}

// LoadSettings loads thread-affinity settings. On any error it returns safe
// defaults — affinity lookups fail open, never fatal.
func (l *AffinityLookup) LoadSettings(ctx context.Context) AffinitySettings {
	row := l.db.QueryRow(ctx, `
		SELECT thread_affinity_enabled, thread_affinity_ttl_days, thread_overrides
		FROM thread_affinity_settings
		WHERE id = 1
	`)

	var (
		enabled   bool
		ttlDays   int
		overrides map[string]string
	)
	if err := row.Scan(&enabled, &ttlDays, &overrides); err != nil {
		l.logger.Warn("failed to load thread_affinity_settings; using defaults (fail-open)",
			zap.Error(err))
		return DefaultAffinitySettings()
	}
	if overrides == nil {
		overrides = map[string]string{}
	}
	return AffinitySettings{Enabled: enabled, TTLDays: ttlDays, ThreadOverrides: overrides}
}

// checkOverride applies a thread-specific override, if any.
// "disabled" → miss; "force:<butler>" → force_override. Malformed values
// are ignored.
func checkOverride(threadID string, settings AffinitySettings, logger *zap.Logger) *AffinityResult {
	value, ok := settings.ThreadOverrides[threadID]
	if !ok {
		return nil
	}

	if value == disabledOverride {
		return &AffinityResult{Outcome: AffinityMissDisabledThread}
	}
	if strings.HasPrefix(value, forcePrefix) {
		target := value[len(forcePrefix):]
		if target != "" {
			return &AffinityResult{Outcome: AffinityForceOverride, TargetButler: target}
		}
		logger.Warn("malformed thread override; ignoring", zap.String("value", value))
		return nil
	}
	logger.Warn("unknown thread override value; ignoring", zap.String("value", value))
	return nil
}

// Lookup resolves thread affinity for an incoming email, in order:
//  1. Non-email channel or globally disabled → miss.
//  2. Thread-specific override (disabled or force).
//  3. Missing thread_id → miss.
//  4. Routing history within the TTL window.
//  5. Decide: 1 butler → hit; ≥2 distinct → conflict; 0 rows → stale probe
//     then no_history.
//
// Every failure path fails open as a miss; the caller falls through to the
// triage rules.
func (l *AffinityLookup) Lookup(ctx context.Context, threadID, sourceChannel string, settings *AffinitySettings) AffinityResult {
	if sourceChannel != "email" {
		return AffinityResult{Outcome: AffinityMissNoThreadID}
	}

	var s AffinitySettings
	if settings != nil {
		s = *settings
	} else {
		s = l.LoadSettings(ctx)
	}

	if !s.Enabled {
		l.telemetry.RecordMiss("disabled")
		return AffinityResult{Outcome: AffinityMissDisabledGlobal}
	}

	cleanThreadID := strings.TrimSpace(threadID)
	if cleanThreadID != "" {
		if override := checkOverride(cleanThreadID, s, l.logger); override != nil {
			if override.Outcome == AffinityForceOverride {
				l.telemetry.RecordHit(override.TargetButler)
			} else {
				l.telemetry.RecordMiss(override.Outcome.MissReason())
			}
			return *override
		}
	}

	if cleanThreadID == "" {
		l.telemetry.RecordMiss("no_thread_id")
		return AffinityResult{Outcome: AffinityMissNoThreadID}
	}

	rows, err := l.db.Query(ctx, `
		SELECT target_butler, MAX(created_at) AS last_routed_at
		FROM routing_log
		WHERE source_channel = 'email'
		  AND thread_id = $1
		  AND created_at >= NOW() - make_interval(days => $2)
		GROUP BY target_butler
		ORDER BY last_routed_at DESC
		LIMIT 2
	`, cleanThreadID, s.TTLDays)
	if err != nil {
		l.logger.Warn("thread affinity lookup failed; failing open (miss)", zap.Error(err))
		l.telemetry.RecordMiss("error")
		return AffinityResult{Outcome: AffinityMissError}
	}
	defer rows.Close()

	var butlers []string
	for rows.Next() {
		var butler string
		var lastRoutedAt any
		if err := rows.Scan(&butler, &lastRoutedAt); err != nil {
			l.logger.Warn("thread affinity row scan failed; failing open (miss)", zap.Error(err))
			l.telemetry.RecordMiss("error")
			return AffinityResult{Outcome: AffinityMissError}
		}
		butlers = append(butlers, butler)
	}
	if err := rows.Err(); err != nil {
		l.logger.Warn("thread affinity lookup failed; failing open (miss)", zap.Error(err))
		l.telemetry.RecordMiss("error")
		return AffinityResult{Outcome: AffinityMissError}
	}

	switch {
	case len(butlers) == 0:
		if l.hasStaleHistory(ctx, cleanThreadID, s.TTLDays) {
			l.telemetry.RecordStale()
			return AffinityResult{Outcome: AffinityMissStale}
		}
		l.telemetry.RecordMiss("no_history")
		return AffinityResult{Outcome: AffinityMissNoHistory}
	case len(butlers) >= 2:
		l.telemetry.RecordMiss("conflict")
		return AffinityResult{Outcome: AffinityMissConflict}
	}

	l.telemetry.RecordHit(butlers[0])
	return AffinityResult{Outcome: AffinityHit, TargetButler: butlers[0]}
}

// hasStaleHistory reports whether routing history exists for this thread
// outside the TTL window. Errors read as "no stale history".
func (l *AffinityLookup) hasStaleHistory(ctx context.Context, threadID string, ttlDays int) bool {
	var one int
	err := l.db.QueryRow(ctx, `
		SELECT 1
		FROM routing_log
		WHERE source_channel = 'email'
		  AND thread_id = $1
		  AND created_at < NOW() - make_interval(days => $2)
		LIMIT 1
	`, threadID, ttlDays).Scan(&one)
	if err != nil {
		if err != pgx.ErrNoRows {
			l.logger.Debug("stale history check failed; treating as no-history", zap.Error(err))
		}
		return false
	}
	return true
}
