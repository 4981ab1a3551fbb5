package migrate

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ApplyACL applies the runtime-role grant policy for one butler schema.
// Role butler_<schema>_rw gets full DML on its own schema, read-only on
// shared, and nothing anywhere else; PUBLIC is revoked throughout.
//
// Every statement is best-effort: a missing role or insufficient
// privilege is logged and skipped, never fatal, so partially provisioned
// environments still come up.
func ApplyACL(ctx context.Context, pool *pgxpool.Pool, dbName, schema string, allSchemas []string, logger *zap.Logger) {
	role := quoteIdent("butler_" + schema + "_rw")
	own := quoteIdent(schema)

	statements := []string{
		// Own schema: full DML plus object creation.
		fmt.Sprintf("GRANT USAGE, CREATE ON SCHEMA %s TO %s", own, role),
		fmt.Sprintf("GRANT SELECT, INSERT, UPDATE, DELETE, TRIGGER, REFERENCES ON ALL TABLES IN SCHEMA %s TO %s", own, role),
		fmt.Sprintf("GRANT USAGE, SELECT, UPDATE ON ALL SEQUENCES IN SCHEMA %s TO %s", own, role),
		fmt.Sprintf("GRANT EXECUTE ON ALL FUNCTIONS IN SCHEMA %s TO %s", own, role),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT SELECT, INSERT, UPDATE, DELETE, TRIGGER, REFERENCES ON TABLES TO %s", own, role),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT USAGE, SELECT, UPDATE ON SEQUENCES TO %s", own, role),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA %s GRANT EXECUTE ON FUNCTIONS TO %s", own, role),

		// Shared schema: read-only, explicitly no CREATE.
		fmt.Sprintf("GRANT USAGE ON SCHEMA shared TO %s", role),
		fmt.Sprintf("GRANT SELECT ON ALL TABLES IN SCHEMA shared TO %s", role),
		fmt.Sprintf("GRANT USAGE, SELECT ON ALL SEQUENCES IN SCHEMA shared TO %s", role),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA shared GRANT SELECT ON TABLES TO %s", role),
		fmt.Sprintf("REVOKE CREATE ON SCHEMA shared FROM %s", role),

		// PUBLIC: no ambient access.
		fmt.Sprintf("REVOKE ALL ON DATABASE %s FROM PUBLIC", quoteIdent(dbName)),
		"REVOKE CREATE ON SCHEMA public FROM PUBLIC",
	}

	// Every other butler schema: revoked.
	for _, other := range allSchemas {
		if other == schema || other == "shared" {
			continue
		}
		statements = append(statements,
			fmt.Sprintf("REVOKE ALL ON SCHEMA %s FROM %s", quoteIdent(other), role),
			fmt.Sprintf("REVOKE ALL ON ALL TABLES IN SCHEMA %s FROM %s", quoteIdent(other), role),
			fmt.Sprintf("REVOKE ALL ON SCHEMA %s FROM PUBLIC", quoteIdent(other)),
		)
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			logger.Debug("ACL statement skipped", zap.String("stmt", stmt), zap.Error(err))
		}
	}
}
