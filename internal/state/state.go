// Package state is the per-butler JSONB key-value store with versioned
// writes. Every write increments version monotonically; CompareAndSet
// provides optimistic concurrency on top of it.
package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CASConflict reports a failed compare-and-set: the expected version did
// not match the stored one. Actual is nil when the key does not exist.
// The stored value is never mutated on conflict.
type CASConflict struct {
	Key      string
	Expected int
	Actual   *int
}

func (e *CASConflict) Error() string {
	if e.Actual == nil {
		return fmt.Sprintf("cas_conflict: key %q expected version %d, key missing", e.Key, e.Expected)
	}
	return fmt.Sprintf("cas_conflict: key %q expected version %d, actual %d", e.Key, e.Expected, *e.Actual)
}

// Entry is one state row.
type Entry struct {
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
}

// Store is the Postgres-backed state KV.
type Store struct {
	db DB
}

// NewStore creates a Store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Get returns the stored value for key, decoded from JSONB, or
// (nil, false) when absent.
func (s *Store) Get(ctx context.Context, key string) (any, bool, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT value FROM state WHERE key = $1`, key).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("state get: %w", err)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("decode state value for %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts a value and returns the new version: 1 on insert, previous+1
// on update.
func (s *Store) Set(ctx context.Context, key string, value any) (int, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode state value for %q: %w", key, err)
	}

	var version int
	err = s.db.QueryRow(ctx, `
		INSERT INTO state (key, value, version)
		VALUES ($1, $2::jsonb, 1)
		ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			version    = state.version + 1,
			updated_at = now()
		RETURNING version
	`, key, raw).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("state set: %w", err)
	}
	return version, nil
}

// Delete removes a key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("state delete: %w", err)
	}
	return nil
}

// List returns keys (optionally under a prefix), with values when
// keysOnly is false.
func (s *Store) List(ctx context.Context, prefix string, keysOnly bool) ([]Entry, error) {
	query := `SELECT key, value FROM state`
	var args []any
	if prefix != "" {
		query += ` WHERE key LIKE $1 || '%'`
		args = append(args, prefix)
	}
	query += ` ORDER BY key`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry Entry
			raw   []byte
		)
		if err := rows.Scan(&entry.Key, &raw); err != nil {
			return nil, err
		}
		if !keysOnly {
			if err := json.Unmarshal(raw, &entry.Value); err != nil {
				return nil, fmt.Errorf("decode state value for %q: %w", entry.Key, err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// CompareAndSet writes value only when the stored version equals
// expectedVersion, returning the new version (expected+1). On mismatch it
// returns a *CASConflict carrying both expected and actual (nil actual
// when the key is missing); the stored value is untouched.
func (s *Store) CompareAndSet(ctx context.Context, key string, expectedVersion int, value any) (int, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode state value for %q: %w", key, err)
	}

	var version int
	err = s.db.QueryRow(ctx, `
		UPDATE state
		SET value = $3::jsonb, version = version + 1, updated_at = now()
		WHERE key = $1 AND version = $2
		RETURNING version
	`, key, expectedVersion, raw).Scan(&version)
	if err == nil {
		return version, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("state cas: %w", err)
	}

	// CAS missed: surface the actual version, or nil when absent.
	var actual int
	err = s.db.QueryRow(ctx,
		`SELECT version FROM state WHERE key = $1`, key).Scan(&actual)
	if err == pgx.ErrNoRows {
		return 0, &CASConflict{Key: key, Expected: expectedVersion}
	}
	if err != nil {
		return 0, fmt.Errorf("state cas version probe: %w", err)
	}
	return 0, &CASConflict{Key: key, Expected: expectedVersion, Actual: &actual}
}
