package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// decodeStrict unmarshals JSON rejecting unknown fields. Contract errors
// raised by custom unmarshalers (timestamps, UUIDs) pass through unchanged;
// everything else maps to invalid_envelope.
func decodeStrict(payload []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			return cerr
		}
		return newError(CodeInvalidEnvelope, "", "malformed envelope: %v", err)
	}
	return nil
}

// checkSchemaVersion enforces an exact schema version string.
func checkSchemaVersion(got, want string) error {
	if strings.TrimSpace(got) != want {
		return newError(CodeUnsupportedSchemaVersion, "schema_version",
			"unsupported schema version %q; expected %q", got, want)
	}
	return nil
}
