package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeDB backs butler_secrets with a map.
type fakeDB struct {
	secrets map[string]string
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	key := args[0].(string)
	value, ok := f.secrets[key]
	if !ok {
		return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
	}
	if strings.Contains(sql, "SELECT secret_value") {
		return fakeRow{scan: func(dest ...any) error {
			*dest[0].(*string) = value
			return nil
		}}
	}
	return fakeRow{scan: func(dest ...any) error {
		*dest[0].(*int) = 1
		return nil
	}}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO butler_secrets"):
		f.secrets[args[0].(string)] = args[1].(string)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "DELETE"):
		key := args[0].(string)
		if _, ok := f.secrets[key]; ok {
			delete(f.secrets, key)
			return pgconn.NewCommandTag("DELETE 1"), nil
		}
		return pgconn.NewCommandTag("DELETE 0"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected exec")
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented in fake")
}

func newTestStore(t *testing.T) (*CredentialStore, *fakeDB) {
	t.Helper()
	db := &fakeDB{secrets: map[string]string{}}
	return NewCredentialStore(db, zaptest.NewLogger(t)), db
}

func TestStoreAndLoad(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Store(t.Context(), "telegram_bot_token", "1234:ABCD",
		StoreOptions{Category: "telegram", IsSensitive: true}))

	value, found, err := store.Load(t.Context(), "telegram_bot_token")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1234:ABCD", value)

	t.Run("upsert replaces value", func(t *testing.T) {
		require.NoError(t, store.Store(t.Context(), "telegram_bot_token", "5678:EFGH",
			StoreOptions{Category: "telegram", IsSensitive: true}))
		value, _, err := store.Load(t.Context(), "telegram_bot_token")
		require.NoError(t, err)
		assert.Equal(t, "5678:EFGH", value)
	})

	t.Run("empty key or value rejected", func(t *testing.T) {
		assert.Error(t, store.Store(t.Context(), "  ", "v", StoreOptions{}))
		assert.Error(t, store.Store(t.Context(), "k", "", StoreOptions{}))
	})
}

func TestResolve_DBFirstThenEnv(t *testing.T) {
	store, _ := newTestStore(t)

	t.Run("db wins over env", func(t *testing.T) {
		t.Setenv("API_KEY", "from-env")
		require.NoError(t, store.Store(t.Context(), "API_KEY", "from-db", StoreOptions{}))

		value, found, err := store.Resolve(t.Context(), "API_KEY", true)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "from-db", value)
	})

	t.Run("env fallback", func(t *testing.T) {
		t.Setenv("ONLY_IN_ENV", "env-value")
		value, found, err := store.Resolve(t.Context(), "ONLY_IN_ENV", true)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "env-value", value)
	})

	t.Run("env fallback disabled", func(t *testing.T) {
		t.Setenv("ONLY_IN_ENV", "env-value")
		_, found, err := store.Resolve(t.Context(), "ONLY_IN_ENV", false)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestHasAndDelete(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Store(t.Context(), "k", "v", StoreOptions{}))

	has, err := store.Has(t.Context(), "k")
	require.NoError(t, err)
	assert.True(t, has)

	deleted, err := store.Delete(t.Context(), "k")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(t.Context(), "k")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMetadataStringNeverLeaksValues(t *testing.T) {
	m := Metadata{Key: "telegram_bot_token", Category: "telegram", IsSet: true, Source: SourceDatabase}
	rendered := m.String()
	assert.Contains(t, rendered, "telegram_bot_token")
	assert.NotContains(t, rendered, "1234")
}

// ── google credentials ────────────────────────────────────────────────────

func TestGoogleCredentialsStringMasksSecrets(t *testing.T) {
	creds := GoogleCredentials{
		ClientID:     "123456789012-abcdefg.apps.googleusercontent.com",
		ClientSecret: "GOCSPX-supersecret",
		RefreshToken: "1//refresh-token-value",
		Scope:        "https://www.googleapis.com/auth/calendar",
	}
	rendered := creds.String()
	assert.NotContains(t, rendered, "GOCSPX-supersecret")
	assert.NotContains(t, rendered, "refresh-token-value")
	assert.Contains(t, rendered, "client_secret=***")
	assert.Contains(t, rendered, "refresh_token=***")
}

func TestResolveGoogleCredentials(t *testing.T) {
	t.Run("missing mentions bootstrap", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := ResolveGoogleCredentials(t.Context(), store)
		require.ErrorIs(t, err, ErrCredentialMissing)
		assert.Contains(t, err.Error(), "bootstrap")
	})

	t.Run("invalid json mentions bootstrap", func(t *testing.T) {
		store, db := newTestStore(t)
		db.secrets["google"] = "{not json"
		_, err := ResolveGoogleCredentials(t.Context(), store)
		require.ErrorIs(t, err, ErrCredentialInvalid)
		assert.Contains(t, err.Error(), "bootstrap")
	})

	t.Run("structurally incomplete", func(t *testing.T) {
		store, db := newTestStore(t)
		db.secrets["google"] = `{"client_id":"only-id"}`
		_, err := ResolveGoogleCredentials(t.Context(), store)
		require.ErrorIs(t, err, ErrCredentialInvalid)
	})

	t.Run("round trip", func(t *testing.T) {
		store, _ := newTestStore(t)
		in := GoogleCredentials{ClientID: "id", ClientSecret: "sec", RefreshToken: "ref", Scope: "s"}
		require.NoError(t, StoreGoogleCredentials(t.Context(), store, in))

		out, err := ResolveGoogleCredentials(t.Context(), store)
		require.NoError(t, err)
		assert.Equal(t, in, *out)
	})
}
