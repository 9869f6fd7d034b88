package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTimestampLayouts(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T10:00:00Z", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01T10:00:00.5Z", time.Date(2024, 3, 1, 10, 0, 0, 500_000_000, time.UTC)},
		{"2024-03-01 10:00:00", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01T10:00:00.250", time.Date(2024, 3, 1, 10, 0, 0, 250_000_000, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParseTimestamp(tc.in)
		require.NoError(t, err, tc.in)
		require.True(t, tc.want.Equal(got), "%s: got %v", tc.in, got)
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	_, err := ParseTimestamp("")
	require.Error(t, err)
	_, err = ParseTimestamp("yesterday")
	require.Error(t, err)
}

func TestFormatTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 123_456_789, time.UTC)
	parsed, err := ParseTimestamp(FormatTimestamp(ts))
	require.NoError(t, err)
	require.True(t, ts.Equal(parsed))
	require.Equal(t, "20240301_100000", SessionKey(ts))
}
