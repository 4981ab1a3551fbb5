// Package migrate applies the embedded SQL migration chains. Each chain
// targets one schema (core chains run once per butler schema); applied
// versions are tracked in a per-schema schema_migrations table.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed sql
var sqlFS embed.FS

// Migration is one versioned SQL step.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Chains lists the known migration chains.
func Chains() []string {
	entries, err := fs.ReadDir(sqlFS, "sql")
	if err != nil {
		return nil
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out
}

// Load reads one chain's migrations in version order. File names are
// NNN_description.sql.
func Load(chain string) ([]Migration, error) {
	entries, err := fs.ReadDir(sqlFS, "sql/"+chain)
	if err != nil {
		return nil, fmt.Errorf("unknown migration chain %q (available: %v)", chain, Chains())
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		base := strings.TrimSuffix(name, ".sql")
		versionStr, desc, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration file %q is not NNN_description.sql", name)
		}
		version, err := strconv.Atoi(versionStr)
		if err != nil {
			return nil, fmt.Errorf("migration file %q has a non-numeric version", name)
		}
		body, err := fs.ReadFile(sqlFS, "sql/"+chain+"/"+name)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Version: version, Name: desc, SQL: string(body)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Apply runs one chain against a schema: creates the schema if missing,
// then applies pending versions, each in its own transaction.
func Apply(ctx context.Context, pool *pgxpool.Pool, chain, schema string, logger *zap.Logger) error {
	migrations, err := Load(chain)
	if err != nil {
		return err
	}

	if _, err := pool.Exec(ctx,
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schema))); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.schema_migrations (
			chain      TEXT NOT NULL,
			version    INTEGER NOT NULL,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (chain, version)
		)`, quoteIdent(schema))); err != nil {
		return fmt.Errorf("create schema_migrations in %s: %w", schema, err)
	}

	applied := map[int]bool{}
	rows, err := pool.Query(ctx, fmt.Sprintf(
		`SELECT version FROM %s.schema_migrations WHERE chain = $1`, quoteIdent(schema)), chain)
	if err != nil {
		return fmt.Errorf("read applied versions: %w", err)
	}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return err
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("SET LOCAL search_path TO %s", quoteIdent(schema))); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("set search_path: %w", err)
		}
		if _, err := tx.Exec(ctx, migration.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("apply %s %03d_%s to %s: %w",
				chain, migration.Version, migration.Name, schema, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s.schema_migrations (chain, version, name) VALUES ($1, $2, $3)`,
			quoteIdent(schema)), chain, migration.Version, migration.Name); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record migration: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration: %w", err)
		}

		logger.Info("applied migration",
			zap.String("chain", chain),
			zap.String("schema", schema),
			zap.Int("version", migration.Version),
			zap.String("name", migration.Name),
		)
	}
	return nil
}

// quoteIdent double-quotes a SQL identifier.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
