package contract

import "strings"

// SchemaVersionRoute is the exact version string for route envelopes.
const SchemaVersionRoute = "route.v1"

// Fanout modes for subrequest dispatch.
const (
	FanoutParallel    = "parallel"
	FanoutOrdered     = "ordered"
	FanoutConditional = "conditional"
)

// immutableLineageFields are the five core lineage fields that cannot
// change once set on a request context.
var immutableLineageFields = []string{
	"request_id",
	"received_at",
	"source_channel",
	"source_endpoint_identity",
	"source_sender_identity",
}

// RequestContext is the immutable routed request lineage. The five core
// fields travel unchanged with every envelope derived from a request.
type RequestContext struct {
	RequestID              UUID7          `json:"request_id"`
	ReceivedAt             Timestamp      `json:"received_at"`
	SourceChannel          string         `json:"source_channel"`
	SourceEndpointIdentity string         `json:"source_endpoint_identity"`
	SourceSenderIdentity   string         `json:"source_sender_identity"`
	SourceThreadIdentity   string         `json:"source_thread_identity,omitempty"`
	SubrequestID           string         `json:"subrequest_id,omitempty"`
	SegmentID              string         `json:"segment_id,omitempty"`
	TraceContext           map[string]any `json:"trace_context,omitempty"`
}

func (rc *RequestContext) validate() error {
	if rc.RequestID.UUID.Version() != 7 {
		return newError(CodeUUID7Required, "request_context.request_id",
			"must be a valid UUID7")
	}
	if rc.ReceivedAt.IsZero() {
		return missingField("request_context.received_at")
	}
	if strings.TrimSpace(rc.SourceChannel) == "" {
		return missingField("request_context.source_channel")
	}
	if _, ok := allowedProvidersByChannel[rc.SourceChannel]; !ok {
		return newError(CodeInvalidSourceProvider, "request_context.source_channel",
			"unknown source_channel %q", rc.SourceChannel)
	}
	if strings.TrimSpace(rc.SourceEndpointIdentity) == "" {
		return missingField("request_context.source_endpoint_identity")
	}
	if strings.TrimSpace(rc.SourceSenderIdentity) == "" {
		return missingField("request_context.source_sender_identity")
	}
	return nil
}

// ValidateWithLineage validates a candidate context against its parent
// lineage. The five immutable fields must match exactly; the first mismatch
// fails with immutable_request_context naming the offending field.
func ValidateWithLineage(candidate, parent *RequestContext) (*RequestContext, error) {
	if err := candidate.validate(); err != nil {
		return nil, err
	}
	if parent == nil {
		return candidate, nil
	}
	for _, field := range immutableLineageFields {
		var same bool
		switch field {
		case "request_id":
			same = candidate.RequestID.UUID == parent.RequestID.UUID
		case "received_at":
			same = candidate.ReceivedAt.Equal(parent.ReceivedAt)
		case "source_channel":
			same = candidate.SourceChannel == parent.SourceChannel
		case "source_endpoint_identity":
			same = candidate.SourceEndpointIdentity == parent.SourceEndpointIdentity
		case "source_sender_identity":
			same = candidate.SourceSenderIdentity == parent.SourceSenderIdentity
		}
		if !same {
			return nil, newError(CodeImmutableRequestContext, "request_context."+field,
				"is immutable for routed lineage")
		}
	}
	return candidate, nil
}

// RouteInput carries the prompt and optional free-form context.
type RouteInput struct {
	Prompt  string `json:"prompt"`
	Context any    `json:"context,omitempty"`
}

// RouteSubrequest is fanout metadata for decomposed requests.
type RouteSubrequest struct {
	SubrequestID string `json:"subrequest_id"`
	SegmentID    string `json:"segment_id"`
	FanoutMode   string `json:"fanout_mode"`
}

// RouteTarget names the butler and tool a routed envelope is bound for.
type RouteTarget struct {
	Butler string `json:"butler"`
	Tool   string `json:"tool"`
}

// RouteSourceMetadata is optional source metadata propagated during dispatch.
type RouteSourceMetadata struct {
	Channel  string `json:"channel"`
	Identity string `json:"identity"`
	ToolName string `json:"tool_name"`
	SourceID string `json:"source_id,omitempty"`
}

// RouteEnvelope is the canonical versioned route payload (`route.v1`).
// Frozen after validation.
type RouteEnvelope struct {
	SchemaVersion  string               `json:"schema_version"`
	RequestContext RequestContext       `json:"request_context"`
	Input          RouteInput           `json:"input"`
	Subrequest     *RouteSubrequest     `json:"subrequest,omitempty"`
	Target         *RouteTarget         `json:"target,omitempty"`
	SourceMetadata *RouteSourceMetadata `json:"source_metadata,omitempty"`
	TraceContext   map[string]any       `json:"trace_context,omitempty"`
}

// ParseRoute parses and validates a `route.v1` envelope.
func ParseRoute(payload []byte) (*RouteEnvelope, error) {
	var env RouteEnvelope
	if err := decodeStrict(payload, &env); err != nil {
		return nil, err
	}
	if err := checkSchemaVersion(env.SchemaVersion, SchemaVersionRoute); err != nil {
		return nil, err
	}
	if err := env.RequestContext.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(env.Input.Prompt) == "" {
		return nil, missingField("input.prompt")
	}
	if env.Subrequest != nil {
		if err := env.validateSubrequest(); err != nil {
			return nil, err
		}
	}
	return &env, nil
}

// validateSubrequest checks the fanout block and its consistency with the
// request context: a context-level subrequest_id/segment_id, when present,
// must match the sibling subrequest block.
func (env *RouteEnvelope) validateSubrequest() error {
	sub := env.Subrequest
	if strings.TrimSpace(sub.SubrequestID) == "" {
		return missingField("subrequest.subrequest_id")
	}
	if strings.TrimSpace(sub.SegmentID) == "" {
		return missingField("subrequest.segment_id")
	}
	switch sub.FanoutMode {
	case FanoutParallel, FanoutOrdered, FanoutConditional:
	default:
		return newError(CodeInvalidEnvelope, "subrequest.fanout_mode",
			"unknown fanout_mode %q", sub.FanoutMode)
	}
	ctx := &env.RequestContext
	if ctx.SubrequestID != "" && ctx.SubrequestID != sub.SubrequestID {
		return newError(CodeLineageMismatch, "request_context.subrequest_id",
			"must match subrequest.subrequest_id")
	}
	if ctx.SegmentID != "" && ctx.SegmentID != sub.SegmentID {
		return newError(CodeLineageMismatch, "request_context.segment_id",
			"must match subrequest.segment_id")
	}
	return nil
}
