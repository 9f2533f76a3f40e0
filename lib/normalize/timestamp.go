package normalize

import (
	"errors"
	"time"
)

// Accepted upstream timestamp layouts, tried in order. All are UTC with a
// literal Z suffix and differ only in the number of fractional digits.
var upstreamTimestampLayouts = []string{
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.0Z",
	"2006-01-02T15:04:05.00Z",
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05.0000Z",
	"2006-01-02T15:04:05.00000Z",
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02T15:04:05.0000000Z",
}

const CanonicalTimestampLayout = "2006-01-02T15:04:05.000000Z"

var errInvalidTimestamp = errors.New("invalid timestamp")

// ParseUpstreamTimestamp parses s using the accepted layouts. The layouts are
// fixed width, so a value only matches the layout of its own length; this
// keeps time.Parse from accepting more fractional digits than listed.
func ParseUpstreamTimestamp(s string) (time.Time, error) {
	for _, layout := range upstreamTimestampLayouts {
		if len(s) != len(layout) {
			continue
		}
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errInvalidTimestamp
}

func FormatCanonicalTimestamp(t time.Time) string {
	return t.UTC().Format(CanonicalTimestampLayout)
}

// CanonicalizeTimestamp re-renders an upstream timestamp in canonical form.
func CanonicalizeTimestamp(s string) (string, bool) {
	t, err := ParseUpstreamTimestamp(s)
	if err != nil {
		return s, false
	}
	return FormatCanonicalTimestamp(t), true
}
