package utils

import (
	"fmt"
	"strings"
	"time"
)

// timestampLayouts lists the layouts accepted in partition files. The last two
// cover pandas-style timestamps written by older collectors.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp returns a time from an ISO-8601 string or an error.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q: unsupported layout", value)
}

// FormatTimestamp renders t the way partition files store it.
func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// SessionKey renders the partition key for a collection session started at t.
func SessionKey(t time.Time) string {
	return t.Format("20060102_150405")
}
