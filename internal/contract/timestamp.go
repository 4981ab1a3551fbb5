package contract

import (
	"encoding/json"
	"regexp"
	"time"
)

// rfc3339WithOffsetRE accepts RFC3339 timestamps with an explicit UTC offset
// (Z or ±hh:mm) and up to microsecond precision. Integer epochs and
// timezone-naive strings are rejected.
var (
	rfc3339WithOffsetRE = regexp.MustCompile(
		`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d{1,6})?(?:Z|[+-]\d{2}:\d{2})$`)
	rfc3339NaiveRE = regexp.MustCompile(
		`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d{1,6})?$`)
)

// Timestamp is an RFC3339 timestamp that preserves its original wire string
// so envelopes round-trip byte-for-byte. The wire form must carry an
// explicit UTC offset.
type Timestamp struct {
	raw string
	t   time.Time
}

// ParseTimestamp validates and parses an RFC3339-with-offset string.
func ParseTimestamp(field, s string) (Timestamp, error) {
	if !rfc3339WithOffsetRE.MatchString(s) {
		if rfc3339NaiveRE.MatchString(s) {
			return Timestamp{}, newError(CodeTimezoneRequired, field,
				"must be RFC3339 with timezone offset")
		}
		return Timestamp{}, newError(CodeRFC3339StringRequired, field,
			"must be an RFC3339 timestamp string with timezone offset")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Timestamp{}, newError(CodeRFC3339StringRequired, field,
			"must be an RFC3339 timestamp string with timezone offset")
	}
	return Timestamp{raw: s, t: t}, nil
}

// Time returns the parsed time.
func (ts Timestamp) Time() time.Time { return ts.t }

// String returns the original wire string.
func (ts Timestamp) String() string { return ts.raw }

// IsZero reports whether the timestamp was never set.
func (ts Timestamp) IsZero() bool { return ts.raw == "" }

// Equal compares two timestamps by instant, not by wire string.
func (ts Timestamp) Equal(other Timestamp) bool { return ts.t.Equal(other.t) }

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.raw)
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return newError(CodeRFC3339StringRequired, "",
			"must be an RFC3339 timestamp string with timezone offset")
	}
	parsed, err := ParseTimestamp("", s)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}
