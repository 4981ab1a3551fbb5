package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/tzeusy/butlers/internal/contract"
	"github.com/tzeusy/butlers/internal/mcptool"
	"github.com/tzeusy/butlers/internal/spawner"
)

// ToolFunc handles one tool invocation. Operational failures return an
// error; the handler surfaces it as {error} without retrying.
type ToolFunc func(ctx context.Context, params json.RawMessage) (any, error)

// RegisterTool adds a tool to the daemon's dispatch table. The
// switchboard and messenger butlers use this for their extra surfaces.
func (d *Daemon) RegisterTool(name string, fn ToolFunc) {
	d.tools[name] = fn
}

// handleToolCall is the /sse endpoint: one JSON-RPC request per POST.
func (d *Daemon) handleToolCall(c echo.Context) error {
	var req mcptool.Request
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusOK, mcptool.NewError(0, mcptool.CodeParseError, err.Error()))
	}

	fn, ok := d.tools[req.Method]
	if !ok {
		return c.JSON(http.StatusOK, mcptool.NewError(req.ID, mcptool.CodeMethodNotFound,
			fmt.Sprintf("unknown tool %q", req.Method)))
	}

	result, err := fn(c.Request().Context(), req.Params)
	if err != nil {
		// Operational errors ride inside a successful frame as {error},
		// matching the tool contract; transport-level failures would be
		// retried by callers, these must not be.
		result = map[string]any{"status": "error", "error": err.Error()}
	}

	resp, mErr := mcptool.NewResult(req.ID, result)
	if mErr != nil {
		return c.JSON(http.StatusOK, mcptool.NewError(req.ID, mcptool.CodeInternalError, mErr.Error()))
	}
	return c.JSON(http.StatusOK, resp)
}

// registerCoreTools wires the tool surface every butler exposes.
func (d *Daemon) registerCoreTools() {
	d.RegisterTool("route.execute", d.toolRouteExecute)
	d.RegisterTool("tick", d.toolTick)
	d.RegisterTool("sessions_active", d.toolSessionsActive)

	if d.HasModule("schedule") {
		d.RegisterTool("schedule_create", d.toolScheduleCreate)
		d.RegisterTool("schedule_update", d.toolScheduleUpdate)
		d.RegisterTool("schedule_delete", d.toolScheduleDelete)
		d.RegisterTool("schedule_trigger", d.toolScheduleTrigger)
		d.RegisterTool("schedule_toggle", d.toolScheduleToggle)
	}
	if d.HasModule("mailbox") {
		d.RegisterTool("mailbox_post", d.toolMailboxPost)
	}
}

// toolRouteExecute admits a route.v1 envelope into the durable inbox and
// dispatches it asynchronously. The caller gets {status: accepted, row_id}
// as soon as the row is persisted — at-least-once from here on.
func (d *Daemon) toolRouteExecute(ctx context.Context, params json.RawMessage) (any, error) {
	env, err := contract.ParseRoute(params)
	if err != nil {
		// Contract failures never reach the inbox.
		return nil, err
	}

	rowID, err := d.inbox.Insert(ctx, env)
	if err != nil {
		return nil, err
	}

	go func() {
		bg := context.Background()
		if err := d.dispatchInboxRow(bg, rowID, params); err != nil {
			d.logger.Error("route dispatch failed",
				zap.String("row_id", rowID.String()), zap.Error(err))
		}
	}()

	return map[string]any{"status": "accepted", "row_id": rowID.String()}, nil
}

// dispatchInboxRow drives one inbox row through its lifecycle: claim it,
// run the prompt, mark the terminal state. Also the recovery sweep's
// dispatch function.
func (d *Daemon) dispatchInboxRow(ctx context.Context, rowID uuid.UUID, envelope []byte) error {
	env, err := contract.ParseRoute(envelope)
	if err != nil {
		// A persisted envelope that no longer parses is terminal. Claim the
		// row first: MarkErrored only moves rows that are in processing.
		if _, claimErr := d.inbox.MarkProcessing(ctx, rowID); claimErr != nil {
			d.logger.Error("failed to claim row", zap.Error(claimErr))
		}
		if _, markErr := d.inbox.MarkErrored(ctx, rowID, "invalid stored envelope: "+err.Error()); markErr != nil {
			d.logger.Error("failed to mark row errored", zap.Error(markErr))
		}
		return err
	}

	claimed, err := d.inbox.MarkProcessing(ctx, rowID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker owns the row; nothing to do.
		return nil
	}

	requestID := env.RequestContext.RequestID.UUID
	result, err := d.spawner.Trigger(ctx, spawner.TriggerRequest{
		Prompt:        env.Input.Prompt,
		TriggerSource: "route:" + env.RequestContext.SourceChannel,
		RequestID:     &requestID,
	})
	if err != nil {
		if _, markErr := d.inbox.MarkErrored(ctx, rowID, err.Error()); markErr != nil {
			d.logger.Error("failed to mark row errored", zap.Error(markErr))
		}
		return err
	}

	if !result.Success {
		if _, markErr := d.inbox.MarkErrored(ctx, rowID, result.Error); markErr != nil {
			d.logger.Error("failed to mark row errored", zap.Error(markErr))
		}
		return nil
	}

	var sessionID *uuid.UUID
	if result.SessionID != nil {
		sessionID = result.SessionID
	}
	if _, err := d.inbox.MarkProcessed(ctx, rowID, sessionID); err != nil {
		d.logger.Error("failed to mark row processed", zap.Error(err))
	}
	return nil
}

func (d *Daemon) toolTick(ctx context.Context, _ json.RawMessage) (any, error) {
	dispatched, err := d.Tick(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok", "tasks_run": dispatched}, nil
}

func (d *Daemon) toolSessionsActive(ctx context.Context, _ json.RawMessage) (any, error) {
	active, err := d.sessions.Active(ctx)
	if err != nil {
		return nil, err
	}
	sessions := make([]map[string]any, 0, len(active))
	for _, s := range active {
		sessions = append(sessions, map[string]any{
			"id":             s.ID.String(),
			"trigger_source": s.TriggerSource,
			"started_at":     s.StartedAt,
		})
	}
	return map[string]any{"sessions": sessions, "count": len(sessions)}, nil
}

// ── schedule tools ────────────────────────────────────────────────────────

type scheduleCreateParams struct {
	Name   string `json:"name"`
	Cron   string `json:"cron"`
	Prompt string `json:"prompt"`
}

func (d *Daemon) toolScheduleCreate(ctx context.Context, params json.RawMessage) (any, error) {
	var p scheduleCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	id, err := d.scheduler.Create(ctx, p.Name, p.Cron, p.Prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok", "task_id": id.String()}, nil
}

type scheduleUpdateParams struct {
	TaskID string         `json:"task_id"`
	Fields map[string]any `json:"fields"`
}

func (d *Daemon) toolScheduleUpdate(ctx context.Context, params json.RawMessage) (any, error) {
	var p scheduleUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(p.TaskID)
	if err != nil {
		return nil, fmt.Errorf("invalid task_id: %w", err)
	}
	if err := d.scheduler.Update(ctx, id, p.Fields); err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok"}, nil
}

type scheduleIDParams struct {
	TaskID string `json:"task_id"`
}

func (d *Daemon) toolScheduleDelete(ctx context.Context, params json.RawMessage) (any, error) {
	var p scheduleIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(p.TaskID)
	if err != nil {
		return nil, fmt.Errorf("invalid task_id: %w", err)
	}
	if err := d.scheduler.Delete(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok"}, nil
}

func (d *Daemon) toolScheduleTrigger(ctx context.Context, params json.RawMessage) (any, error) {
	var p scheduleIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(p.TaskID)
	if err != nil {
		return nil, fmt.Errorf("invalid task_id: %w", err)
	}
	result, err := d.scheduler.Trigger(ctx, id, func(ctx context.Context, prompt, triggerSource string) (any, error) {
		return d.spawner.Trigger(ctx, spawner.TriggerRequest{Prompt: prompt, TriggerSource: triggerSource})
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok", "result": result}, nil
}

type scheduleToggleParams struct {
	TaskID  string `json:"task_id"`
	Enabled bool   `json:"enabled"`
}

func (d *Daemon) toolScheduleToggle(ctx context.Context, params json.RawMessage) (any, error) {
	var p scheduleToggleParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(p.TaskID)
	if err != nil {
		return nil, fmt.Errorf("invalid task_id: %w", err)
	}
	if err := d.scheduler.Toggle(ctx, id, p.Enabled); err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok"}, nil
}

func (d *Daemon) toolMailboxPost(ctx context.Context, params json.RawMessage) (any, error) {
	var post MailboxPost
	if err := json.Unmarshal(params, &post); err != nil {
		return nil, err
	}
	id, err := d.mailbox.Append(ctx, post)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok", "mail_id": id.String()}, nil
}
