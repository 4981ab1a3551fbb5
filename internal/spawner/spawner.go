package spawner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrDraining is returned by Trigger once the spawner stopped accepting.
var ErrDraining = errors.New("spawner draining")

// drainedError marks sessions cancelled by a drain timeout.
const drainedError = "drained"

// Config holds the per-butler runtime settings a Spawner applies to every
// invocation.
type Config struct {
	MaxConcurrentSessions int64
	SystemPrompt          string
	MCPServers            map[string]MCPServerConfig
	Env                   map[string]string
	MaxTurns              int
	Model                 string
	CWD                   string
	Timeout               time.Duration
}

// TriggerRequest is one unit of work for the spawner.
type TriggerRequest struct {
	Prompt          string
	TriggerSource   string
	ParentSessionID *uuid.UUID
	RequestID       *uuid.UUID
	Context         map[string]any
}

// Result is the outcome of one triggered session. SessionID is nil when
// the spawner has no session store.
type Result struct {
	SessionID  *uuid.UUID     `json:"session_id,omitempty"`
	Result     string         `json:"result,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Spawner owns a counting semaphore of size MaxConcurrentSessions and runs
// one LLM session per Trigger call. Trigger blocks while the semaphore is
// saturated — the DB-backed inbox upstream is the admission point, not an
// in-memory queue.
type Spawner struct {
	cfg      Config
	adapter  RuntimeAdapter
	sessions *SessionStore
	logger   *zap.Logger
	tracer   trace.Tracer

	sem      *semaphore.Weighted
	draining atomic.Bool

	// baseCtx is cancelled when a drain timeout fires; in-flight
	// invocations observe it cooperatively.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates a Spawner. sessions may be nil, in which case no session rows
// are written and results carry a nil session id.
func New(cfg Config, adapter RuntimeAdapter, sessions *SessionStore, logger *zap.Logger) *Spawner {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = 1
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Spawner{
		cfg:        cfg,
		adapter:    adapter,
		sessions:   sessions,
		logger:     logger,
		tracer:     otel.Tracer("butlers"),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentSessions),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// Trigger acquires a slot, creates a session row, invokes the runtime
// adapter, and writes the terminal status. It blocks until a slot opens or
// ctx is cancelled.
func (s *Spawner) Trigger(ctx context.Context, req TriggerRequest) (*Result, error) {
	if s.draining.Load() {
		return nil, ErrDraining
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire session slot: %w", err)
	}
	defer s.sem.Release(1)

	// Re-check after a potentially long wait for a slot.
	if s.draining.Load() {
		return nil, ErrDraining
	}

	// Spans are derived from the caller's context so concurrent sessions
	// never share span state.
	ctx, span := s.tracer.Start(ctx, "butler.llm_session",
		trace.WithAttributes(
			attribute.String("trigger_source", req.TriggerSource),
			attribute.String("runtime", s.adapter.Name()),
		))
	defer span.End()

	var sessionID *uuid.UUID
	if s.sessions != nil {
		traceID := span.SpanContext().TraceID().String()
		id, err := s.sessions.Create(ctx, req.Prompt, req.TriggerSource,
			req.ParentSessionID, req.RequestID, s.cfg.Model, traceID)
		if err != nil {
			return nil, err
		}
		sessionID = &id
	}

	started := time.Now()
	invokeCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()
	defer cancel()

	invokeResult, invokeErr := s.adapter.Invoke(invokeCtx, InvokeParams{
		Prompt:       req.Prompt,
		SystemPrompt: s.cfg.SystemPrompt,
		MCPServers:   s.cfg.MCPServers,
		Env:          s.cfg.Env,
		MaxTurns:     s.cfg.MaxTurns,
		Model:        s.cfg.Model,
		CWD:          s.cfg.CWD,
		Timeout:      s.cfg.Timeout,
	})
	duration := time.Since(started)

	result := &Result{SessionID: sessionID, DurationMS: duration.Milliseconds()}

	switch {
	case s.baseCtx.Err() != nil:
		result.Error = drainedError
	case invokeErr != nil:
		result.Error = invokeErr.Error()
	default:
		result.Success = true
		result.Result = invokeResult.ResultText
		result.ToolCalls = invokeResult.ToolCalls
	}

	s.recordToolSpans(ctx, result.ToolCalls)

	if s.sessions != nil && sessionID != nil {
		outcome := SessionOutcome{
			Result:     result.Result,
			ToolCalls:  result.ToolCalls,
			DurationMS: result.DurationMS,
			Success:    result.Success,
			Error:      result.Error,
		}
		if invokeResult != nil && invokeResult.Usage != nil {
			outcome.InputTokens = &invokeResult.Usage.InputTokens
			outcome.OutputTokens = &invokeResult.Usage.OutputTokens
		}
		// Completion must survive caller cancellation, or drained
		// sessions would stay active forever.
		completeCtx, completeCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer completeCancel()
		if err := s.sessions.Complete(completeCtx, *sessionID, outcome); err != nil {
			s.logger.Error("failed to complete session row",
				zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}

	if result.Error != "" {
		s.logger.Warn("session failed",
			zap.String("trigger_source", req.TriggerSource),
			zap.String("error", result.Error),
		)
	} else {
		s.logger.Info("session completed",
			zap.String("trigger_source", req.TriggerSource),
			zap.Duration("duration", duration),
		)
	}
	return result, nil
}

// recordToolSpans emits one nested butler.tool.<name> span per recorded
// tool call.
func (s *Spawner) recordToolSpans(ctx context.Context, calls []ToolCall) {
	for _, call := range calls {
		_, toolSpan := s.tracer.Start(ctx, "butler.tool."+call.Name)
		toolSpan.SetAttributes(attribute.String("tool", call.Name))
		toolSpan.End()
	}
}

// StopAccepting flips the drain flag; subsequent Trigger calls fail with
// ErrDraining. In-flight sessions continue.
func (s *Spawner) StopAccepting() {
	s.draining.Store(true)
}

// Drain stops accepting new work and waits for in-flight sessions to
// finish. After the timeout, outstanding invocations are cancelled
// cooperatively and their sessions complete with error "drained".
func (s *Spawner) Drain(ctx context.Context, timeout time.Duration) error {
	s.StopAccepting()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.sem.Acquire(waitCtx, s.cfg.MaxConcurrentSessions); err != nil {
		s.logger.Warn("drain timeout; cancelling outstanding sessions",
			zap.Duration("timeout", timeout))
		s.cancelBase()
		// The cancelled workers release their slots promptly; wait again
		// without a deadline so shutdown observes full quiescence.
		if err := s.sem.Acquire(context.WithoutCancel(ctx), s.cfg.MaxConcurrentSessions); err != nil {
			return fmt.Errorf("drain after cancel: %w", err)
		}
	}
	s.sem.Release(s.cfg.MaxConcurrentSessions)
	s.logger.Info("spawner drained")
	return nil
}
