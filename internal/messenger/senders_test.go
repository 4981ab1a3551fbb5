package messenger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tzeusy/butlers/internal/delivery"
	"github.com/tzeusy/butlers/internal/secrets"
)

// emptyDB is a secrets.DB with no rows; token resolution falls through to
// the environment.
type emptyDB struct{}

type noRow struct{}

func (noRow) Scan(...any) error { return pgx.ErrNoRows }

func (emptyDB) QueryRow(context.Context, string, ...any) pgx.Row { return noRow{} }
func (emptyDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (emptyDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func telegramRequest(target string) delivery.Request {
	id, _ := uuid.NewV7()
	return delivery.Request{
		ID:             id,
		Channel:        "telegram",
		TargetIdentity: target,
		MessageContent: "hello",
	}
}

func newTelegramSenderForTest(t *testing.T, serverURL string) *TelegramSender {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok-123")
	creds := secrets.NewCredentialStore(emptyDB{}, zaptest.NewLogger(t))
	sender := NewTelegramSender(creds, zaptest.NewLogger(t))
	sender.baseURL = serverURL
	return sender
}

func TestTelegramSender_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottok-123/sendMessage", r.URL.Path)
		w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	}))
	defer server.Close()

	sender := newTelegramSenderForTest(t, server.URL)
	providerID, err := sender.Send(t.Context(), telegramRequest("chat-1"))
	require.NoError(t, err)
	assert.Equal(t, "tg-42", providerID)
}

func TestTelegramSender_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantClass delivery.ErrorClass
	}{
		{"rate limited", http.StatusTooManyRequests, delivery.ClassRateLimited},
		{"server error", http.StatusBadGateway, delivery.ClassProviderError},
		{"client error", http.StatusBadRequest, delivery.ClassPermanentValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			sender := newTelegramSenderForTest(t, server.URL)
			_, err := sender.Send(t.Context(), telegramRequest("chat-1"))
			require.Error(t, err)

			var derr *delivery.Error
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tt.wantClass, derr.Class)
		})
	}
}

func TestTelegramSender_MissingToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	creds := secrets.NewCredentialStore(emptyDB{}, zaptest.NewLogger(t))
	sender := NewTelegramSender(creds, zaptest.NewLogger(t))

	_, err := sender.Send(t.Context(), telegramRequest("chat-1"))
	require.Error(t, err)

	var derr *delivery.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, delivery.ClassPermanentValidation, derr.Class)
}

func TestTelegramSender_MissingTarget(t *testing.T) {
	sender := newTelegramSenderForTest(t, "http://unused")
	_, err := sender.Send(t.Context(), telegramRequest(""))
	require.Error(t, err)

	var derr *delivery.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, delivery.ClassPermanentValidation, derr.Class)
}

func TestEmailSender(t *testing.T) {
	sender := NewEmailSender(zaptest.NewLogger(t))

	t.Run("requires recipient", func(t *testing.T) {
		_, err := sender.Send(t.Context(), delivery.Request{})
		require.Error(t, err)
	})

	t.Run("returns provider id", func(t *testing.T) {
		req := telegramRequest("user@example.com")
		providerID, err := sender.Send(t.Context(), req)
		require.NoError(t, err)
		assert.Equal(t, "email-"+req.ID.String(), providerID)
	})
}
