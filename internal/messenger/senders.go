// Package messenger wires the delivery engine into the messenger butler:
// channel senders, the delivery_submit tool, and the dead-letter operator
// surface.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tzeusy/butlers/internal/delivery"
	"github.com/tzeusy/butlers/internal/secrets"
)

// TelegramSender delivers messages through the Telegram Bot API. The bot
// token resolves through the credential store at send time.
type TelegramSender struct {
	creds  *secrets.CredentialStore
	client *http.Client
	logger *zap.Logger

	// baseURL is overridable in tests.
	baseURL string
}

// NewTelegramSender creates a TelegramSender with a default 10s timeout.
func NewTelegramSender(creds *secrets.CredentialStore, logger *zap.Logger) *TelegramSender {
	return &TelegramSender{
		creds:   creds,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// Send posts one sendMessage call and returns Telegram's message id.
func (s *TelegramSender) Send(ctx context.Context, req delivery.Request) (string, error) {
	token, found, err := s.creds.Resolve(ctx, "TELEGRAM_BOT_TOKEN", true)
	if err != nil {
		return "", &delivery.Error{Class: delivery.ClassUnknown, Detail: err.Error()}
	}
	if !found {
		return "", &delivery.Error{
			Class:  delivery.ClassPermanentValidation,
			Detail: "TELEGRAM_BOT_TOKEN is not configured",
		}
	}
	if req.TargetIdentity == "" {
		return "", &delivery.Error{
			Class:  delivery.ClassPermanentValidation,
			Detail: "telegram delivery requires a target chat id",
		}
	}

	body, err := json.Marshal(map[string]any{
		"chat_id": req.TargetIdentity,
		"text":    req.MessageContent,
	})
	if err != nil {
		return "", &delivery.Error{Class: delivery.ClassPermanentValidation, Detail: err.Error()}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &delivery.Error{Class: delivery.ClassUnknown, Detail: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &delivery.Error{Class: delivery.ClassTimeout, Detail: err.Error()}
		}
		return "", &delivery.Error{Class: delivery.ClassTransientNetwork, Detail: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &delivery.Error{Class: delivery.ClassRateLimited, Detail: "telegram HTTP 429"}
	case resp.StatusCode >= 500:
		return "", &delivery.Error{Class: delivery.ClassProviderError,
			Detail: fmt.Sprintf("telegram HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return "", &delivery.Error{Class: delivery.ClassPermanentValidation,
			Detail: fmt.Sprintf("telegram HTTP %d", resp.StatusCode)}
	}

	var parsed struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || !parsed.OK {
		return "", &delivery.Error{Class: delivery.ClassProviderError, Detail: "unparseable telegram response"}
	}

	providerID := fmt.Sprintf("tg-%d", parsed.Result.MessageID)
	s.logger.Info("telegram message delivered",
		zap.String("chat_id", req.TargetIdentity),
		zap.String("provider_id", providerID),
	)
	return providerID, nil
}

// EmailSender dispatches email notifications. The transport is a stub
// that logs the send; swap the body for a real Resend (or SES) API call
// when going live.
type EmailSender struct {
	logger *zap.Logger
}

// NewEmailSender creates an EmailSender.
func NewEmailSender(logger *zap.Logger) *EmailSender {
	return &EmailSender{logger: logger}
}

// Send logs the email and returns a synthetic provider id.
func (s *EmailSender) Send(_ context.Context, req delivery.Request) (string, error) {
	if req.TargetIdentity == "" {
		return "", &delivery.Error{
			Class:  delivery.ClassPermanentValidation,
			Detail: "email delivery requires a recipient address",
		}
	}

	subject := ""
	if req.Subject != nil {
		subject = *req.Subject
	}
	s.logger.Info("email dispatched (stub)",
		zap.String("to", req.TargetIdentity),
		zap.String("subject", subject),
	)
	return "email-" + req.ID.String(), nil
}
