package contract

import "strings"

// SchemaVersionNotify is the exact version string for notify requests.
const SchemaVersionNotify = "notify.v1"

// Notify intents.
const (
	IntentSend  = "send"
	IntentReply = "reply"
	IntentReact = "react"
)

// Notify channels.
const (
	NotifyChannelTelegram = "telegram"
	NotifyChannelEmail    = "email"
	NotifyChannelSMS      = "sms"
	NotifyChannelChat     = "chat"
)

// NotifyDelivery is the delivery payload of a notify request. Message may
// be empty only for react intents.
type NotifyDelivery struct {
	Intent    string `json:"intent"`
	Channel   string `json:"channel"`
	Message   string `json:"message"`
	Recipient string `json:"recipient,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// NotifyRequest is the canonical versioned notify request (`notify.v1`).
// Frozen after validation.
type NotifyRequest struct {
	SchemaVersion  string          `json:"schema_version"`
	OriginButler   string          `json:"origin_butler"`
	Delivery       NotifyDelivery  `json:"delivery"`
	RequestContext *RequestContext `json:"request_context,omitempty"`
}

// ParseNotify parses and validates a `notify.v1` request.
func ParseNotify(payload []byte) (*NotifyRequest, error) {
	var req NotifyRequest
	if err := decodeStrict(payload, &req); err != nil {
		return nil, err
	}
	if err := checkSchemaVersion(req.SchemaVersion, SchemaVersionNotify); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.OriginButler) == "" {
		return nil, missingField("origin_butler")
	}
	if err := req.validateDelivery(); err != nil {
		return nil, err
	}
	if req.RequestContext != nil {
		if err := req.RequestContext.validate(); err != nil {
			return nil, err
		}
	}
	return &req, nil
}

func (req *NotifyRequest) validateDelivery() error {
	d := &req.Delivery
	switch d.Intent {
	case IntentSend, IntentReply, IntentReact:
	default:
		return newError(CodeInvalidEnvelope, "delivery.intent",
			"unknown intent %q", d.Intent)
	}
	switch d.Channel {
	case NotifyChannelTelegram, NotifyChannelEmail, NotifyChannelSMS, NotifyChannelChat:
	default:
		return newError(CodeInvalidEnvelope, "delivery.channel",
			"unknown channel %q", d.Channel)
	}
	if d.Intent != IntentReact && strings.TrimSpace(d.Message) == "" {
		return missingField("delivery.message")
	}

	if d.Intent == IntentReply {
		if req.RequestContext == nil {
			return newError(CodeMissingReplyContext, "request_context",
				"request_context is required when delivery.intent is 'reply'")
		}
		if d.Channel == NotifyChannelTelegram && req.RequestContext.SourceThreadIdentity == "" {
			return newError(CodeReplyThreadRequired, "request_context.source_thread_identity",
				"telegram replies require source_thread_identity")
		}
	}

	if d.Intent == IntentReact {
		if strings.TrimSpace(d.Emoji) == "" {
			return newError(CodeReactEmojiRequired, "delivery.emoji",
				"emoji is required when delivery.intent is 'react'")
		}
		if d.Channel != NotifyChannelTelegram {
			return newError(CodeInvalidEnvelope, "delivery.channel",
				"react intent is not supported on channel %q; only telegram", d.Channel)
		}
		if req.RequestContext == nil {
			return newError(CodeMissingReplyContext, "request_context",
				"request_context is required when delivery.intent is 'react'")
		}
		if req.RequestContext.SourceThreadIdentity == "" {
			return newError(CodeReplyThreadRequired, "request_context.source_thread_identity",
				"react intent requires source_thread_identity")
		}
	}
	return nil
}
