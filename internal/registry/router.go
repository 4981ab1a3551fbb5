package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Operational routing errors. These surface as {error} in tool responses;
// they are never retried by the router itself.
var (
	ErrButlerNotFound    = errors.New("butler_not_found")
	ErrButlerIneligible  = errors.New("butler_ineligible")
	ErrButlerUnreachable = errors.New("butler_unreachable")
	ErrMailboxNotEnabled = errors.New("mailbox_not_enabled")
)

// ToolCaller invokes a named tool on a butler's endpoint.
type ToolCaller interface {
	CallTool(ctx context.Context, endpointURL, tool string, args map[string]any) (map[string]any, error)
}

// catalog is the slice of Store the router needs.
type catalog interface {
	Get(ctx context.Context, name string) (*Butler, error)
	List(ctx context.Context) ([]Butler, error)
}

// RouteSource describes who initiated a route, for the routing log.
type RouteSource struct {
	Butler   string
	Channel  string
	ThreadID string
}

// Router performs eligibility-checked tool dispatch between butlers and
// records every attempt in routing_log.
type Router struct {
	store  catalog
	caller ToolCaller
	log    *RoutingLog
	logger *zap.Logger
	now    func() time.Time
}

// NewRouter creates a Router.
func NewRouter(store catalog, caller ToolCaller, log *RoutingLog, logger *zap.Logger) *Router {
	return &Router{store: store, caller: caller, log: log, logger: logger, now: time.Now}
}

// Route looks up the target butler, verifies eligibility, invokes the tool,
// and records a routing_log row with success/duration/error. The returned
// map is the tool's response.
func (r *Router) Route(ctx context.Context, target, tool string, args map[string]any, source RouteSource) (map[string]any, error) {
	butler, err := r.store.Get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("lookup butler %s: %w", target, err)
	}
	if butler == nil {
		r.record(ctx, source, target, tool, false, 0, ErrButlerNotFound.Error())
		return nil, fmt.Errorf("%w: %s", ErrButlerNotFound, target)
	}
	if !butler.Eligible(r.now()) {
		r.record(ctx, source, target, tool, false, 0, ErrButlerIneligible.Error())
		return nil, fmt.Errorf("%w: %s is %s", ErrButlerIneligible, target, butler.EligibilityState)
	}

	start := r.now()
	result, err := r.caller.CallTool(ctx, butler.EndpointURL, tool, args)
	duration := r.now().Sub(start)

	if err != nil {
		r.record(ctx, source, target, tool, false, duration, err.Error())
		return nil, fmt.Errorf("%w: %s: %v", ErrButlerUnreachable, target, err)
	}

	r.record(ctx, source, target, tool, true, duration, "")
	return result, nil
}

// PostMail posts inter-butler mail via the target's mailbox_post tool. The
// target must declare the mailbox module.
func (r *Router) PostMail(ctx context.Context, target string, mail Mail) (map[string]any, error) {
	butler, err := r.store.Get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("lookup butler %s: %w", target, err)
	}
	if butler == nil {
		return nil, fmt.Errorf("%w: %s", ErrButlerNotFound, target)
	}
	if !butler.HasModule("mailbox") {
		return nil, fmt.Errorf("%w: %s", ErrMailboxNotEnabled, target)
	}

	args := map[string]any{
		"sender":         mail.Sender,
		"sender_channel": mail.Channel,
		"body":           mail.Body,
	}
	if mail.Subject != "" {
		args["subject"] = mail.Subject
	}
	if mail.Priority != "" {
		args["priority"] = mail.Priority
	}
	if len(mail.Metadata) > 0 {
		args["metadata"] = mail.Metadata
	}

	return r.Route(ctx, target, "mailbox_post", args, RouteSource{Butler: mail.Sender, Channel: mail.Channel})
}

// Mail is an inter-butler mailbox message.
type Mail struct {
	Sender   string
	Channel  string
	Body     string
	Subject  string
	Priority string
	Metadata map[string]any
}

func (r *Router) record(ctx context.Context, source RouteSource, target, tool string, success bool, duration time.Duration, errText string) {
	if r.log == nil {
		return
	}
	entry := RoutingEntry{
		SourceButler:  source.Butler,
		TargetButler:  target,
		ToolName:      tool,
		Success:       success,
		DurationMS:    duration.Milliseconds(),
		Error:         errText,
		SourceChannel: source.Channel,
		ThreadID:      source.ThreadID,
	}
	if err := r.log.Append(ctx, entry); err != nil {
		// The routing log is best-effort audit; a write failure must not
		// fail the route itself.
		r.logger.Error("failed to append routing log", zap.Error(err))
	}
}
