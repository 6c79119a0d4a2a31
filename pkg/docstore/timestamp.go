package docstore

import (
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp. Values without a zone are
// read as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseTimestampPtr is ParseTimestamp for nullable fields.
func ParseTimestampPtr(s *string) (time.Time, bool) {
	if s == nil {
		return time.Time{}, false
	}
	return ParseTimestamp(*s)
}

// FormatTimestamp renders t the way every planq document stores time.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// TimestampPtr returns a pointer to the formatted timestamp.
func TimestampPtr(t time.Time) *string {
	s := FormatTimestamp(t)
	return &s
}

// ValidTimestamp reports whether s holds a parseable timestamp.
func ValidTimestamp(s string) bool {
	_, ok := ParseTimestamp(s)
	return ok
}
