// Package registry maintains the authoritative catalog of reachable
// butlers and provides the routing primitives the Switchboard uses to
// reach them: single-target route, mailbox post, LLM-classified fan-out,
// and the fleet-wide heartbeat tick.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Eligibility states.
const (
	StateActive      = "active"
	StateQuarantined = "quarantined"
	StateDraining    = "draining"
)

// DefaultLivenessTTL bounds how stale a butler's last_seen_at may be while
// it still counts as eligible.
const DefaultLivenessTTL = 300 * time.Second

// DB is the slice of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Butler is one butler_registry row.
type Butler struct {
	Name               string
	EndpointURL        string
	Description        string
	Modules            []string
	LastSeenAt         *time.Time
	EligibilityState   string
	LivenessTTLSeconds int
	QuarantinedAt      *time.Time
	QuarantineReason   *string
	RouteContractMin   string
	RouteContractMax   string
	Capabilities       map[string]any
	RegisteredAt       time.Time
}

// Eligible reports whether the butler may accept new routes at the given
// instant: active, with a fresh heartbeat inside its liveness TTL.
func (b *Butler) Eligible(now time.Time) bool {
	if b.EligibilityState != StateActive {
		return false
	}
	if b.LastSeenAt == nil {
		return false
	}
	ttl := time.Duration(b.LivenessTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = DefaultLivenessTTL
	}
	return now.Sub(*b.LastSeenAt) <= ttl
}

// HasModule reports whether the butler declares a module by name.
func (b *Butler) HasModule(name string) bool {
	for _, m := range b.Modules {
		if m == name {
			return true
		}
	}
	return false
}

// Store persists the butler catalog.
type Store struct {
	db     DB
	logger *zap.Logger
}

// NewStore creates a Store.
func NewStore(db DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Register upserts a butler's registry row and refreshes last_seen_at.
func (s *Store) Register(ctx context.Context, b Butler) error {
	modules, err := json.Marshal(b.Modules)
	if err != nil {
		return fmt.Errorf("encode modules: %w", err)
	}
	capabilities, err := json.Marshal(b.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	ttl := b.LivenessTTLSeconds
	if ttl <= 0 {
		ttl = int(DefaultLivenessTTL.Seconds())
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO butler_registry (
			name, endpoint_url, description, modules, capabilities,
			eligibility_state, liveness_ttl_seconds,
			route_contract_min, route_contract_max, last_seen_at
		)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9, now())
		ON CONFLICT (name) DO UPDATE SET
			endpoint_url         = EXCLUDED.endpoint_url,
			description          = EXCLUDED.description,
			modules              = EXCLUDED.modules,
			capabilities         = EXCLUDED.capabilities,
			liveness_ttl_seconds = EXCLUDED.liveness_ttl_seconds,
			route_contract_min   = EXCLUDED.route_contract_min,
			route_contract_max   = EXCLUDED.route_contract_max,
			last_seen_at         = now()
	`, b.Name, b.EndpointURL, b.Description, modules, capabilities,
		StateActive, ttl, b.RouteContractMin, b.RouteContractMax)
	if err != nil {
		return fmt.Errorf("register butler %s: %w", b.Name, err)
	}

	s.logger.Info("butler registered",
		zap.String("name", b.Name),
		zap.String("endpoint", b.EndpointURL),
	)
	return nil
}

// Get returns one butler by name, or nil when absent.
func (s *Store) Get(ctx context.Context, name string) (*Butler, error) {
	row := s.db.QueryRow(ctx, `
		SELECT name, endpoint_url, description, modules, capabilities,
		       last_seen_at, eligibility_state, liveness_ttl_seconds,
		       quarantined_at, quarantine_reason,
		       route_contract_min, route_contract_max, registered_at
		FROM butler_registry
		WHERE name = $1
	`, name)
	b, err := scanButler(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// List returns the full catalog ordered by name.
func (s *Store) List(ctx context.Context) ([]Butler, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, endpoint_url, description, modules, capabilities,
		       last_seen_at, eligibility_state, liveness_ttl_seconds,
		       quarantined_at, quarantine_reason,
		       route_contract_min, route_contract_max, registered_at
		FROM butler_registry
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list butlers: %w", err)
	}
	defer rows.Close()

	var out []Butler
	for rows.Next() {
		b, err := scanButler(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Touch refreshes a butler's last_seen_at.
func (s *Store) Touch(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE butler_registry SET last_seen_at = now() WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("touch butler %s: %w", name, err)
	}
	return nil
}

// Quarantine blocks routing to a butler until cleared. Operator-initiated.
func (s *Store) Quarantine(ctx context.Context, name, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE butler_registry
		SET eligibility_state = $2, quarantined_at = now(), quarantine_reason = $3
		WHERE name = $1
	`, name, StateQuarantined, reason)
	if err != nil {
		return fmt.Errorf("quarantine butler %s: %w", name, err)
	}
	s.logger.Warn("butler quarantined", zap.String("name", name), zap.String("reason", reason))
	return nil
}

// ClearQuarantine returns a quarantined butler to active.
func (s *Store) ClearQuarantine(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE butler_registry
		SET eligibility_state = $2, quarantined_at = NULL, quarantine_reason = NULL
		WHERE name = $1
	`, name, StateActive)
	if err != nil {
		return fmt.Errorf("clear quarantine for %s: %w", name, err)
	}
	return nil
}

// SetDraining marks a butler as draining: in-flight work continues but no
// new routes are admitted.
func (s *Store) SetDraining(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE butler_registry SET eligibility_state = $2 WHERE name = $1`,
		name, StateDraining)
	if err != nil {
		return fmt.Errorf("set draining for %s: %w", name, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanButler(row rowScanner) (*Butler, error) {
	var (
		b            Butler
		modules      []byte
		capabilities []byte
	)
	err := row.Scan(&b.Name, &b.EndpointURL, &b.Description, &modules, &capabilities,
		&b.LastSeenAt, &b.EligibilityState, &b.LivenessTTLSeconds,
		&b.QuarantinedAt, &b.QuarantineReason,
		&b.RouteContractMin, &b.RouteContractMax, &b.RegisteredAt)
	if err != nil {
		return nil, err
	}
	if len(modules) > 0 {
		if err := json.Unmarshal(modules, &b.Modules); err != nil {
			return nil, fmt.Errorf("decode modules for %s: %w", b.Name, err)
		}
	}
	if len(capabilities) > 0 {
		if err := json.Unmarshal(capabilities, &b.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities for %s: %w", b.Name, err)
		}
	}
	return &b, nil
}
