package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tzeusy/butlers/internal/config"
	"github.com/tzeusy/butlers/internal/daemon"
	"github.com/tzeusy/butlers/internal/messenger"
	"github.com/tzeusy/butlers/internal/platform/natsclient"
	"github.com/tzeusy/butlers/internal/platform/telemetry"
	"github.com/tzeusy/butlers/internal/platform/vault"
	"github.com/tzeusy/butlers/internal/registry"
	"github.com/tzeusy/butlers/internal/switchboard"
)

func newRunCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single butler daemon in-process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runButlers(ctx, []*config.Config{cfg})
		},
	}

	cmd.Flags().StringVar(&configDir, "config", "", "butler directory (holds butler.toml)")
	cmd.MarkFlagRequired("config")
	return cmd
}

func newUpCmd() *cobra.Command {
	var (
		rosterDir string
		only      string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start daemons for all (or selected) butlers in the roster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configs, err := config.LoadRoster(rosterDir)
			if err != nil {
				return err
			}

			if only != "" {
				wanted := map[string]bool{}
				for _, name := range strings.Split(only, ",") {
					wanted[strings.TrimSpace(name)] = true
				}
				var filtered []*config.Config
				for _, cfg := range configs {
					if wanted[cfg.Butler.Name] {
						filtered = append(filtered, cfg)
					}
				}
				configs = filtered
			}
			if len(configs) == 0 {
				return fmt.Errorf("no butlers to start")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runButlers(ctx, configs)
		},
	}

	cmd.Flags().StringVar(&rosterDir, "dir", config.DefaultRosterDir, "roster directory")
	cmd.Flags().StringVar(&only, "only", "", "comma-separated butler names to start")
	return cmd
}

// runButlers starts one daemon per config and blocks until ctx cancels or
// any daemon fails to start.
func runButlers(ctx context.Context, configs []*config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// ── OpenTelemetry Tracer ───────────────────────────────────────────
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		tp, err := telemetry.InitTracer(ctx, "butlers", endpoint)
		if err != nil {
			logger.Error("OTel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", endpoint))
		}
	}

	pgURL, natsURL, err := bootstrapSecrets(logger)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, cfg := range configs {
		group.Go(func() error {
			return runOne(groupCtx, cfg, pgURL, natsURL, logger.With(zap.String("butler", cfg.Butler.Name)))
		})
	}
	return group.Wait()
}

// runOne wires and runs a single butler daemon.
func runOne(ctx context.Context, cfg *config.Config, pgURL, natsURL string, logger *zap.Logger) error {
	// ── Postgres ───────────────────────────────────────────────────────
	poolCfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return fmt.Errorf("bad PG_URL: %w", err)
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	poolCfg.ConnConfig.RuntimeParams["search_path"] = cfg.Butler.Name + ", shared"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("postgres connection failed: %w", err)
	}
	defer pool.Close()
	logger.Info("Postgres connected")

	d, err := daemon.New(cfg, pool, logger)
	if err != nil {
		return err
	}

	// ── Switchboard registration heartbeat ─────────────────────────────
	// Every butler (except the switchboard itself) re-registers on half
	// its liveness TTL so it stays eligible for routing.
	if cfg.Butler.Name != "switchboard" {
		if switchboardURL := os.Getenv("SWITCHBOARD_URL"); switchboardURL != "" {
			go registerLoop(ctx, switchboardURL, cfg, logger)
		} else {
			logger.Warn("SWITCHBOARD_URL not set; butler will not appear in the registry")
		}
	}

	// ── Messenger wiring ───────────────────────────────────────────────
	if cfg.Butler.Name == "messenger" {
		messenger.Wire(d, logger)
	}

	// ── Switchboard wiring ─────────────────────────────────────────────
	if cfg.Butler.Name == "switchboard" {
		pipeline, status := switchboard.Wire(d, logger)

		if natsURL != "" {
			nc, err := natsclient.NewClient(natsURL, logger)
			if err != nil {
				return err
			}
			defer nc.Close()
			if err := nc.ProvisionStreams(); err != nil {
				return fmt.Errorf("NATS stream provisioning failed: %w", err)
			}

			consumer := switchboard.NewConsumer(nc, pipeline, status, logger)
			if err := consumer.Start(ctx); err != nil {
				return fmt.Errorf("ingest consumer start failed: %w", err)
			}
		} else {
			logger.Warn("NATS_URL not configured; connector ingest limited to the HTTP tool surface")
		}
	}

	return d.Run(ctx)
}

// registerLoop upserts this butler's registry row on the switchboard,
// then refreshes last_seen_at every half liveness TTL. Failures are
// logged and retried on the next interval.
func registerLoop(ctx context.Context, switchboardURL string, cfg *config.Config, logger *zap.Logger) {
	caller := registry.NewHTTPToolCaller()
	interval := registry.DefaultLivenessTTL / 2

	args := map[string]any{
		"Name":               cfg.Butler.Name,
		"EndpointURL":        fmt.Sprintf("http://127.0.0.1:%d", cfg.Butler.Port),
		"Description":        cfg.Butler.Description,
		"Modules":            cfg.Butler.Modules,
		"RouteContractMin":   "route.v1",
		"RouteContractMax":   "route.v1",
		"LivenessTTLSeconds": int(registry.DefaultLivenessTTL.Seconds()),
	}

	register := func() {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := caller.CallTool(callCtx, switchboardURL, "register_butler", args); err != nil {
			logger.Warn("switchboard registration failed", zap.Error(err))
			return
		}
		logger.Debug("registered with switchboard")
	}

	register()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			register()
		}
	}
}

// bootstrapSecrets resolves PG_URL and NATS_URL, preferring Vault when
// VAULT_ADDR is set, with environment fallback.
func bootstrapSecrets(logger *zap.Logger) (pgURL, natsURL string, err error) {
	pgURL = os.Getenv("PG_URL")
	natsURL = os.Getenv("NATS_URL")

	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		if pgURL == "" {
			return "", "", fmt.Errorf("PG_URL is not set (and no VAULT_ADDR to load it from)")
		}
		return pgURL, natsURL, nil
	}

	vaultToken := os.Getenv("VAULT_TOKEN")
	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if secretPath == "" {
		secretPath = "secret/data/butlers"
	}

	manager, err := vault.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		return "", "", fmt.Errorf("vault connection failed: %w", err)
	}
	secrets, err := manager.GetKV2(secretPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to load secrets: %w", err)
	}

	if v, ok := secrets["PG_URL"].(string); ok && v != "" {
		pgURL = v
	}
	if v, ok := secrets["NATS_URL"].(string); ok && v != "" {
		natsURL = v
	}
	if pgURL == "" {
		return "", "", fmt.Errorf("PG_URL missing from Vault secret %s and environment", secretPath)
	}
	logger.Info("bootstrap secrets loaded", zap.String("source", "vault"))
	return pgURL, natsURL, nil
}
