package main

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tzeusy/butlers/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	var (
		chain  string
		dbURL  string
		schema string
		acl    bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply one migration chain to a schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if schema == "" {
				schema = chain
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			pool, err := pgxpool.New(cmd.Context(), dbURL)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()

			if err := migrate.Apply(cmd.Context(), pool, chain, schema, logger); err != nil {
				return err
			}

			if acl {
				dbName := databaseFromURL(dbURL)
				migrate.ApplyACL(cmd.Context(), pool, dbName, schema, migrate.Chains(), logger)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Chain %q applied to schema %q\n", chain, schema)
			return nil
		},
	}

	cmd.Flags().StringVar(&chain, "chain", "", "migration chain name (core, switchboard, messenger, shared)")
	cmd.Flags().StringVar(&dbURL, "url", "", "Postgres DSN")
	cmd.Flags().StringVar(&schema, "schema", "", "target schema (defaults to the chain name)")
	cmd.Flags().BoolVar(&acl, "acl", false, "apply runtime-role grants after migrating")
	cmd.MarkFlagRequired("chain")
	cmd.MarkFlagRequired("url")
	return cmd
}

// databaseFromURL extracts the database name from a DSN path.
func databaseFromURL(url string) string {
	trimmed := url
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return "postgres"
}
