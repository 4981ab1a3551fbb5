// Package daemon assembles one butler process: the Postgres pool, the
// module set, the runtime spawner, the scheduler loop, the durable route
// inbox with startup recovery, and the echo tool server on /sse.
//
// Dependencies:
//   - Postgres: the butler's own schema (sessions, scheduled_tasks, state,
//     route_inbox, mailbox, butler_secrets) plus read access to shared
//   - the LLM runtime binary named by butler.toml's runtime key
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/tzeusy/butlers/internal/config"
	"github.com/tzeusy/butlers/internal/inbox"
	"github.com/tzeusy/butlers/internal/modules"
	"github.com/tzeusy/butlers/internal/scheduler"
	"github.com/tzeusy/butlers/internal/secrets"
	"github.com/tzeusy/butlers/internal/spawner"
	"github.com/tzeusy/butlers/internal/state"
)

// Daemon is one running butler.
type Daemon struct {
	cfg    *config.Config
	pool   *pgxpool.Pool
	logger *zap.Logger

	modules   []modules.Module
	spawner   *spawner.Spawner
	scheduler *scheduler.Scheduler
	inbox     *inbox.Store
	sweeper   *inbox.Sweeper
	mailbox   *MailboxStore
	secrets   *secrets.CredentialStore
	state     *state.Store
	sessions  *spawner.SessionStore

	tools    map[string]ToolFunc
	registry *prometheus.Registry
	echo     *echo.Echo
}

// New wires a Daemon from its config and an open pool. The module list in
// butler.toml is resolved (with dependencies, in order) before anything
// else starts.
func New(cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (*Daemon, error) {
	moduleRegistry := modules.DefaultRegistry()
	resolved, err := moduleRegistry.Resolve(cfg.Butler.Modules)
	if err != nil {
		return nil, fmt.Errorf("resolve modules for %s: %w", cfg.Butler.Name, err)
	}

	adapter, err := spawner.NewAdapter(cfg.Butler.Runtime, logger)
	if err != nil {
		return nil, err
	}

	systemPrompt, err := adapter.ParseSystemPromptFile(cfg.Dir)
	if err != nil {
		logger.Warn("failed to read system prompt", zap.Error(err))
	}

	sessions := spawner.NewSessionStore(pool)
	sp := spawner.New(spawner.Config{
		MaxConcurrentSessions: cfg.Butler.MaxConcurrentSessions,
		SystemPrompt:          systemPrompt,
		Model:                 cfg.Butler.Model,
		CWD:                   cfg.Dir,
		Timeout:               cfg.RuntimeTimeout(),
	}, adapter, sessions, logger)

	inboxStore := inbox.NewStore(pool, logger)

	d := &Daemon{
		cfg:       cfg,
		pool:      pool,
		logger:    logger,
		modules:   resolved,
		spawner:   sp,
		scheduler: scheduler.New(scheduler.NewStore(pool), logger),
		inbox:     inboxStore,
		sweeper:   inbox.NewSweeper(inboxStore, logger),
		mailbox:   NewMailboxStore(pool),
		secrets:   secrets.NewCredentialStore(pool, logger),
		state:     state.NewStore(pool),
		sessions:  sessions,
		registry:  prometheus.NewRegistry(),
		tools:     map[string]ToolFunc{},
	}
	d.registerCoreTools()
	return d, nil
}

// Name returns the butler's name.
func (d *Daemon) Name() string { return d.cfg.Butler.Name }

// Pool exposes the daemon's pool to sibling packages (switchboard wiring).
func (d *Daemon) Pool() *pgxpool.Pool { return d.pool }

// Spawner exposes the runtime spawner.
func (d *Daemon) Spawner() *spawner.Spawner { return d.spawner }

// Scheduler exposes the scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.scheduler }

// Secrets exposes the credential store.
func (d *Daemon) Secrets() *secrets.CredentialStore { return d.secrets }

// MetricsRegistry exposes the daemon's prometheus registry.
func (d *Daemon) MetricsRegistry() *prometheus.Registry { return d.registry }

// HasModule reports whether the butler resolved a module by name.
func (d *Daemon) HasModule(name string) bool {
	for _, m := range d.modules {
		if m.Name == name {
			return true
		}
	}
	return false
}

// Run starts the daemon and blocks until ctx is cancelled: sync TOML
// schedules, run one recovery sweep, start the scheduler loop and the tool
// server, then drain on shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.scheduler.SyncSchedules(ctx, d.cfg.Butler.Schedule); err != nil {
		return fmt.Errorf("sync schedules: %w", err)
	}

	// Replay whatever a previous process left behind before accepting new
	// routes.
	if n, err := d.sweeper.Run(ctx, d.dispatchInboxRow, inbox.DefaultGraceSeconds, 100); err != nil {
		d.logger.Error("startup recovery sweep failed", zap.Error(err))
	} else if n > 0 {
		d.logger.Info("startup recovery sweep dispatched rows", zap.Int("count", n))
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go d.schedulerLoop(loopCtx)

	d.echo = d.buildServer()
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", d.cfg.Butler.Port)
		d.logger.Info("butler listening",
			zap.String("butler", d.cfg.Butler.Name),
			zap.String("addr", addr),
		)
		if err := d.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("tool server failed: %w", err)
	case <-ctx.Done():
	}

	d.logger.Info("butler shutting down", zap.String("butler", d.cfg.Butler.Name))
	cancelLoops()

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.spawner.Drain(drainCtx, 20*time.Second); err != nil {
		d.logger.Error("spawner drain failed", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := d.echo.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("echo shutdown error", zap.Error(err))
	}
	d.logger.Info("butler shut down cleanly", zap.String("butler", d.cfg.Butler.Name))
	return nil
}

// schedulerLoop ticks the scheduler on its configured cadence.
func (d *Daemon) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				// A failed tick never stops the loop; the next tick
				// picks the same tasks up again.
				d.logger.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick advances the scheduler once, dispatching due prompts through the
// spawner.
func (d *Daemon) Tick(ctx context.Context) (int, error) {
	return d.scheduler.Tick(ctx, func(ctx context.Context, prompt, triggerSource string) (any, error) {
		return d.spawner.Trigger(ctx, spawner.TriggerRequest{
			Prompt:        prompt,
			TriggerSource: triggerSource,
		})
	})
}

// buildServer constructs the echo tool server: POST /sse (JSON-RPC tool
// calls), GET /healthz, GET /metrics.
func (d *Daemon) buildServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(otelecho.Middleware("butler-" + d.cfg.Butler.Name))
	e.Use(middleware.Recover())

	e.POST("/sse", d.handleToolCall)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "butler": d.cfg.Butler.Name})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))
	return e
}
