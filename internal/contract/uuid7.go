package contract

import (
	"encoding/json"

	"github.com/google/uuid"
)

// UUID7 is a UUID that must be version 7 on the wire. Request identifiers
// are v7 so lexicographic order tracks creation order.
type UUID7 struct {
	uuid.UUID
}

// NewUUID7 generates a fresh v7 identifier.
func NewUUID7() (UUID7, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return UUID7{}, err
	}
	return UUID7{id}, nil
}

// ParseUUID7 parses a string and enforces version 7.
func ParseUUID7(field, s string) (UUID7, error) {
	id, err := uuid.Parse(s)
	if err != nil || id.Version() != 7 {
		return UUID7{}, newError(CodeUUID7Required, field, "must be a valid UUID7")
	}
	return UUID7{id}, nil
}

func (u UUID7) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *UUID7) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return newError(CodeUUID7Required, "", "must be a valid UUID7 string")
	}
	parsed, err := ParseUUID7("", s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
