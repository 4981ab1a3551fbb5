// Package secrets is the DB-first credential store backed by the
// butler_secrets table, replacing scattered os.Getenv calls across modules
// and connectors.
//
// Resolution order (Resolve): the database first, then the environment
// variable of the same name. Raw secret values never appear in logs,
// listings, or String() output.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Operational credential errors.
var (
	ErrCredentialMissing = fmt.Errorf("credential_missing")
	ErrCredentialInvalid = fmt.Errorf("credential_invalid")
)

// Secret sources.
const (
	SourceDatabase    = "database"
	SourceEnvironment = "environment"
)

// DB is the slice of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Metadata describes a stored secret — never its value.
type Metadata struct {
	Key         string
	Category    string
	Description *string
	IsSensitive bool
	IsSet       bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time
	Source      string
}

// String renders metadata without any secret material.
func (m Metadata) String() string {
	return fmt.Sprintf("Metadata(key=%q, category=%q, is_set=%t, source=%q)",
		m.Key, m.Category, m.IsSet, m.Source)
}

// StoreOptions are the optional attributes of a stored secret.
type StoreOptions struct {
	Category    string
	Description string
	IsSensitive bool
	ExpiresAt   *time.Time
}

// CredentialStore is the async secret KV over butler_secrets.
type CredentialStore struct {
	db     DB
	logger *zap.Logger
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(db DB, logger *zap.Logger) *CredentialStore {
	return &CredentialStore{db: db, logger: logger}
}

// Store upserts a secret. Calling it again with a new value replaces the
// previous one. Only key and category are logged.
func (s *CredentialStore) Store(ctx context.Context, key, value string, opts StoreOptions) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("key must be a non-empty string")
	}
	if value == "" {
		return fmt.Errorf("value must be a non-empty string")
	}
	if opts.Category == "" {
		opts.Category = "general"
	}
	var description *string
	if opts.Description != "" {
		description = &opts.Description
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO butler_secrets
			(secret_key, secret_value, category, description, is_sensitive, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (secret_key) DO UPDATE SET
			secret_value = EXCLUDED.secret_value,
			category     = EXCLUDED.category,
			description  = EXCLUDED.description,
			is_sensitive = EXCLUDED.is_sensitive,
			expires_at   = EXCLUDED.expires_at,
			updated_at   = now()
	`, key, value, opts.Category, description, opts.IsSensitive, opts.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store secret: %w", err)
	}

	s.logger.Info("secret stored",
		zap.String("key", key),
		zap.String("category", opts.Category),
		zap.Bool("is_sensitive", opts.IsSensitive),
	)
	return nil
}

// Load reads a secret value from the database only. Missing keys return
// ("", false, nil); use Resolve for env fallback.
func (s *CredentialStore) Load(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx,
		`SELECT secret_value FROM butler_secrets WHERE secret_key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load secret: %w", err)
	}
	return value, true, nil
}

// Resolve reads a secret DB-first, then falls back to the environment
// variable of the same name when envFallback is true.
func (s *CredentialStore) Resolve(ctx context.Context, key string, envFallback bool) (string, bool, error) {
	value, found, err := s.Load(ctx, key)
	if err != nil {
		return "", false, err
	}
	if found {
		s.logger.Debug("resolved secret from database", zap.String("key", key))
		return value, true, nil
	}

	if envFallback {
		if envValue := os.Getenv(key); envValue != "" {
			s.logger.Debug("resolved secret from environment", zap.String("key", key))
			return envValue, true, nil
		}
	}
	return "", false, nil
}

// Has reports whether the key exists in the database. Environment
// variables are not consulted.
func (s *CredentialStore) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx,
		`SELECT 1 FROM butler_secrets WHERE secret_key = $1`, key).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a secret. Returns whether a row was deleted.
func (s *CredentialStore) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM butler_secrets WHERE secret_key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("delete secret: %w", err)
	}
	deleted := tag.RowsAffected() > 0
	if deleted {
		s.logger.Info("secret deleted", zap.String("key", key))
	}
	return deleted, nil
}

// ListSecrets returns metadata for stored secrets, ordered by
// (category, key). Raw values are never included.
func (s *CredentialStore) ListSecrets(ctx context.Context, category string) ([]Metadata, error) {
	query := `
		SELECT secret_key, category, description, is_sensitive,
		       created_at, updated_at, expires_at
		FROM butler_secrets`
	var args []any
	if category != "" {
		query += ` WHERE category = $1`
		args = append(args, category)
	}
	query += ` ORDER BY category, secret_key`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		m := Metadata{IsSet: true, Source: SourceDatabase}
		if err := rows.Scan(&m.Key, &m.Category, &m.Description, &m.IsSensitive,
			&m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
