package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nilmstack/nilm-engine/internal/models"
)

func TestMergeDetectedIsAdditive(t *testing.T) {
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	existing := []models.Event{
		{Timestamp: ts, Magnitude: 100, DeviceLabel: "lamp", Confidence: 4},
		{Timestamp: ts.Add(time.Minute), Magnitude: -100, DeviceLabel: models.UnlabeledDevice},
	}

	// A pass that no longer reproduces the labeled event must not drop it.
	detected := []models.Event{
		{Timestamp: ts.Add(time.Minute), Magnitude: -100, DeviceLabel: models.UnlabeledDevice},
	}
	merged, added, changed := MergeDetected(existing, detected)
	require.False(t, changed)
	require.Empty(t, added)
	require.Equal(t, existing, merged)

	detected = append(detected, models.Event{Timestamp: ts.Add(30 * time.Second), Magnitude: 60})
	merged, added, changed = MergeDetected(existing, detected)
	require.True(t, changed)
	require.Len(t, added, 1)
	require.Len(t, merged, 3)
	require.Equal(t, "lamp", merged[0].DeviceLabel)
	require.Equal(t, 60.0, merged[1].Magnitude)
	require.Equal(t, -100.0, merged[2].Magnitude)
}

func TestMergeDetectedMatchesQuantizedMagnitude(t *testing.T) {
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	existing := []models.Event{{Timestamp: ts, Magnitude: 100.04, DeviceLabel: "lamp", Confidence: 5}}
	detected := []models.Event{{Timestamp: ts, Magnitude: 100, DeviceLabel: models.UnlabeledDevice}}

	merged, added, changed := MergeDetected(existing, detected)
	require.False(t, changed)
	require.Empty(t, added)
	require.Equal(t, 100.04, merged[0].Magnitude)
	require.Equal(t, "lamp", merged[0].DeviceLabel)
}

func TestMergeFuncKeepsLegacyLabeledRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	content := "timestamp,power_change,change_type,power_before,power_after,device_name,confidence\n" +
		"2024-03-01T08:00:30Z,100.04,on,100,200.04,lamp,5\n"
	path := filepath.Join(s.Dir(), "device_events_legacy.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var added []models.Event
	var stored int
	detect := func(existing []models.Event) []models.Event {
		return []models.Event{{
			Timestamp:   time.Date(2024, 3, 1, 8, 0, 30, 0, time.UTC),
			ChangeType:  models.ChangeOn,
			Magnitude:   100,
			PowerBefore: 100,
			PowerAfter:  200,
			DeviceLabel: models.UnlabeledDevice,
		}}
	}
	changed, err := s.Update(ctx, "legacy", MergeFunc(detect, &added, &stored))
	require.NoError(t, err)
	require.False(t, changed)
	require.Empty(t, added)
	require.Equal(t, 1, stored)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, string(after))
}
