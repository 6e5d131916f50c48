package database

import (
	"fmt"
	"time"
)

// timeLayout is fixed width (always microseconds, always Z) so stored
// values sort lexicographically in time order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// legacyLayouts are accepted when reading rows written by other tools.
var legacyLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// FormatTime renders t in the store's UTC layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored timestamp. Values without a zone are UTC.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range legacyLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: unknown layout", s)
}

func formatNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return FormatTime(t)
}
