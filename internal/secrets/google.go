package secrets

import (
	"context"
	"encoding/json"
	"fmt"
)

// googleSecretKey is the butler_secrets key holding the shared Google
// OAuth credential blob.
const googleSecretKey = "google"

// GoogleCredentials is the shared Google OAuth credential set, stored as a
// single JSON blob under the "google" key.
type GoogleCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
}

// String masks every secret field.
func (c GoogleCredentials) String() string {
	return fmt.Sprintf("GoogleCredentials(client_id=%s, client_secret=***, refresh_token=***, scope=%q)",
		maskIdentifier(c.ClientID), c.Scope)
}

func maskIdentifier(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// ResolveGoogleCredentials loads and validates the shared Google OAuth
// blob. Missing or structurally invalid credentials fail with an error
// that points the operator at the bootstrap flow.
func ResolveGoogleCredentials(ctx context.Context, store *CredentialStore) (*GoogleCredentials, error) {
	raw, found, err := store.Resolve(ctx, googleSecretKey, true)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf(
			"%w: google OAuth credentials are not configured; run the google bootstrap to store them",
			ErrCredentialMissing)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf(
			"%w: google OAuth credential blob is not valid JSON; re-run the google bootstrap: %v",
			ErrCredentialInvalid, err)
	}
	if creds.ClientID == "" || creds.ClientSecret == "" || creds.RefreshToken == "" {
		return nil, fmt.Errorf(
			"%w: google OAuth credential blob is missing client_id, client_secret, or refresh_token; re-run the google bootstrap",
			ErrCredentialInvalid)
	}
	return &creds, nil
}

// StoreGoogleCredentials persists the shared blob under the "google" key.
func StoreGoogleCredentials(ctx context.Context, store *CredentialStore, creds GoogleCredentials) error {
	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode google credentials: %w", err)
	}
	return store.Store(ctx, googleSecretKey, string(payload), StoreOptions{
		Category:    "google",
		Description: "Shared Google OAuth credentials",
		IsSensitive: true,
	})
}
