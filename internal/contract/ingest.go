// Package contract parses and validates the versioned wire envelopes that
// bind connectors, the Switchboard, and butler daemons together:
//
//	ingest.v1             — canonical inbound event from a connector
//	route.v1              — routed request bound for a butler's inbox
//	notify.v1             — outbound delivery request
//	connector.heartbeat.v1 — connector liveness report
//
// Parsing is strict: unknown fields, non-exact schema versions, naive
// timestamps, and incompatible channel/provider pairs are all rejected with
// stable error codes. Envelopes are frozen after validation — nothing in
// this package mutates a parsed envelope.
package contract

import "strings"

// Source channels and providers.
const (
	ChannelTelegram = "telegram"
	ChannelSlack    = "slack"
	ChannelEmail    = "email"
	ChannelAPI      = "api"
	ChannelMCP      = "mcp"

	ProviderTelegram = "telegram"
	ProviderSlack    = "slack"
	ProviderIMAP     = "imap"
	ProviderInternal = "internal"
)

// Policy tiers for ingest control metadata.
const (
	PolicyTierDefault      = "default"
	PolicyTierInteractive  = "interactive"
	PolicyTierHighPriority = "high_priority"
)

// allowedProvidersByChannel constrains source.{channel,provider} pairs.
var allowedProvidersByChannel = map[string]string{
	ChannelTelegram: ProviderTelegram,
	ChannelSlack:    ProviderSlack,
	ChannelEmail:    ProviderIMAP,
	ChannelAPI:      ProviderInternal,
	ChannelMCP:      ProviderInternal,
}

// SchemaVersionIngest is the exact version string for ingest envelopes.
const SchemaVersionIngest = "ingest.v1"

// IngestSource identifies where an event entered the system.
type IngestSource struct {
	Channel          string `json:"channel"`
	Provider         string `json:"provider"`
	EndpointIdentity string `json:"endpoint_identity"`
}

func (s *IngestSource) validate() error {
	if strings.TrimSpace(s.Channel) == "" {
		return missingField("source.channel")
	}
	if strings.TrimSpace(s.EndpointIdentity) == "" {
		return missingField("source.endpoint_identity")
	}
	allowed, ok := allowedProvidersByChannel[s.Channel]
	if !ok {
		return newError(CodeInvalidSourceProvider, "source.channel",
			"unknown source.channel %q", s.Channel)
	}
	if s.Provider != allowed {
		return newError(CodeInvalidSourceProvider, "source.provider",
			"source.provider %q is not valid for source.channel %q", s.Provider, s.Channel)
	}
	return nil
}

// IngestEvent carries provider event metadata.
type IngestEvent struct {
	ExternalEventID  string    `json:"external_event_id"`
	ExternalThreadID string    `json:"external_thread_id,omitempty"`
	ObservedAt       Timestamp `json:"observed_at"`
}

func (e *IngestEvent) validate() error {
	if strings.TrimSpace(e.ExternalEventID) == "" {
		return missingField("event.external_event_id")
	}
	if e.ObservedAt.IsZero() {
		return missingField("event.observed_at")
	}
	return nil
}

// IngestSender identifies the external sender.
type IngestSender struct {
	Identity string `json:"identity"`
}

// IngestPayload carries the raw provider payload plus a normalized text form.
type IngestPayload struct {
	Raw            map[string]any `json:"raw"`
	NormalizedText string         `json:"normalized_text"`
}

// IngestControl is optional ingest control metadata. policy_tier is carried
// as lineage; no scheduler consumes it yet.
type IngestControl struct {
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TraceContext   map[string]any `json:"trace_context,omitempty"`
	PolicyTier     string         `json:"policy_tier,omitempty"`
}

// IngestEnvelope is the canonical versioned ingest payload (`ingest.v1`).
// Frozen after validation.
type IngestEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	Source        IngestSource  `json:"source"`
	Event         IngestEvent   `json:"event"`
	Sender        IngestSender  `json:"sender"`
	Payload       IngestPayload `json:"payload"`
	Control       IngestControl `json:"control,omitempty"`
}

// ParseIngest parses and validates an `ingest.v1` envelope.
func ParseIngest(payload []byte) (*IngestEnvelope, error) {
	var env IngestEnvelope
	if err := decodeStrict(payload, &env); err != nil {
		return nil, err
	}
	if err := checkSchemaVersion(env.SchemaVersion, SchemaVersionIngest); err != nil {
		return nil, err
	}
	if err := env.Source.validate(); err != nil {
		return nil, err
	}
	if err := env.Event.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(env.Sender.Identity) == "" {
		return nil, missingField("sender.identity")
	}
	if strings.TrimSpace(env.Payload.NormalizedText) == "" {
		return nil, missingField("payload.normalized_text")
	}
	if env.Control.PolicyTier == "" {
		env.Control.PolicyTier = PolicyTierDefault
	}
	switch env.Control.PolicyTier {
	case PolicyTierDefault, PolicyTierInteractive, PolicyTierHighPriority:
	default:
		return nil, newError(CodeInvalidEnvelope, "control.policy_tier",
			"unknown policy_tier %q", env.Control.PolicyTier)
	}
	return &env, nil
}
