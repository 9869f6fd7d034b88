package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nilmstack/nilm-engine/internal/models"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func event(offset time.Duration, magnitude float64) models.Event {
	before := 100.0
	return models.Event{
		Timestamp:   t0.Add(offset),
		ChangeType:  models.ChangeTypeFor(magnitude),
		Magnitude:   magnitude,
		PowerBefore: before,
		PowerAfter:  before + magnitude,
		DeviceLabel: models.UnlabeledDevice,
	}
}

func TestAppendPersistReloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	in := []models.Event{event(2*time.Minute, -50), event(time.Minute, 50.3)}
	in[1].DeviceLabel = "kettle"
	in[1].Confidence = 4
	require.NoError(t, s.Append(ctx, "20240301_080000", in))

	reopened, err := NewFileStore(s.Dir(), nil)
	require.NoError(t, err)
	got, err := reopened.AllEvents(ctx)
	require.NoError(t, err)

	require.Len(t, got, 2)
	want := []models.Event{in[1], in[0]}
	for i := range want {
		want[i].PartitionID = "20240301_080000"
	}
	require.Equal(t, want, got)
}

func TestAppendKeepsPartitionSorted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Append(ctx, "p1", []models.Event{event(5*time.Minute, 10)}))
	require.NoError(t, s.Append(ctx, "p1", []models.Event{event(time.Minute, 20)}))

	got, err := s.AllEvents(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 20.0, got[0].Magnitude)
	require.Equal(t, 10.0, got[1].Magnitude)
}

func TestPersistReplacesAtomically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Append(ctx, "p1", []models.Event{event(0, 75)}))
	require.NoError(t, s.Persist(ctx, "p1"))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, strings.HasSuffix(entry.Name(), ".tmp"), "temporary file left behind: %s", entry.Name())
	}

	require.Error(t, s.Persist(ctx, "never-loaded"))
}

func TestUpdateUnchangedDoesNotRewrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Append(ctx, "p1", []models.Event{event(0, 75)}))

	path := filepath.Join(s.Dir(), "device_events_p1.csv")
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	infoBefore, err := os.Stat(path)
	require.NoError(t, err)

	changed, err := s.Update(ctx, "p1", func(events []models.Event) ([]models.Event, bool, error) {
		return events, false, nil
	})
	require.NoError(t, err)
	require.False(t, changed)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	infoAfter, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, infoBefore.ModTime(), infoAfter.ModTime())
}

func TestConcurrentRewriteFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Append(ctx, "p1", []models.Event{event(0, 75)}))

	var inner error
	_, err := s.Update(ctx, "p1", func(events []models.Event) ([]models.Event, bool, error) {
		inner = s.Persist(ctx, "p1")
		return events, false, nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, inner, ErrStoreConcurrency)

	// Other partitions are independent.
	_, err = s.Update(ctx, "p1", func(events []models.Event) ([]models.Event, bool, error) {
		inner = s.Append(ctx, "p2", []models.Event{event(0, 30)})
		return events, false, nil
	})
	require.NoError(t, err)
	require.NoError(t, inner)

	// The guard is released afterwards.
	require.NoError(t, s.Persist(ctx, "p1"))
}

func TestMalformedPartitionIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Append(ctx, "good", []models.Event{event(0, 75)}))

	bad := filepath.Join(s.Dir(), "device_events_bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("timestamp,power_change\n2024-03-01T08:00:00Z,12\n"), 0o644))

	got, err := s.AllEvents(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "good", got[0].PartitionID)

	_, _, err = s.load("bad", false)
	var malformed *MalformedPartitionError
	require.True(t, errors.As(err, &malformed))
	require.Equal(t, "bad", malformed.Partition)
}

func TestMalformedRowIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	content := strings.Join([]string{
		"timestamp,power_change,change_type,power_before,power_after,device_name,confidence",
		"2024-03-01T08:00:00Z,50,on,100,150,unlabeled,0",
		"not-a-time,50,on,100,150,unlabeled,0",
		"2024-03-01T08:02:00Z,-50,off,150,100,kettle,4.0",
		"2024-03-01T08:03:00Z,20,sideways,150,170,unlabeled,0",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "device_events_legacy.csv"), []byte(content), 0o644))

	got, err := s.AllEvents(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "kettle", got[1].DeviceLabel)
	require.Equal(t, 4, got[1].Confidence)
}

func TestRewriteCarriesMalformedRowsOver(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	badRow := "2024-03-01T08:01:00Z,-50,off,150,100,kettle,4.5x"
	content := strings.Join([]string{
		"timestamp,power_change,change_type,power_before,power_after,device_name,confidence",
		"2024-03-01T08:00:00Z,50,on,100,150,unlabeled,0",
		badRow,
	}, "\n") + "\n"
	path := filepath.Join(s.Dir(), "device_events_p1.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	changed, err := s.Update(ctx, "p1", func(events []models.Event) ([]models.Event, bool, error) {
		require.Len(t, events, 1)
		events[0].DeviceLabel = "lamp"
		events[0].Confidence = 3
		return events, true, nil
	})
	require.NoError(t, err)
	require.True(t, changed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[1], "lamp")
	require.Equal(t, badRow, lines[2])

	// A second rewrite, after the file is re-read, keeps it too.
	require.NoError(t, s.Append(ctx, "p1", []models.Event{event(5*time.Minute, 20)}))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, badRow, lines[3])

	got, err := s.AllEvents(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestPersistLoadsUncachedPartition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	content := "timestamp,power_change,change_type,power_before,power_after,device_name,confidence\n" +
		"2024-03-01T08:00:00Z,50,on,100,150,,\n"
	path := filepath.Join(s.Dir(), "device_events_disk.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	require.NoError(t, s.Persist(ctx, "disk"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "timestamp,power_change,change_type,power_before,power_after,device_name,confidence\n"+
		"2024-03-01T08:00:00Z,50,on,100,150,unlabeled,0\n", string(data))
}

func TestUnlabeledStatsAndHistogram(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	labeled := event(3*time.Minute, 50)
	labeled.DeviceLabel = "toaster"
	labeled.Confidence = 5
	require.NoError(t, s.Append(ctx, "p1", []models.Event{event(0, 50), event(time.Minute, -50)}))
	require.NoError(t, s.Append(ctx, "p2", []models.Event{event(2*time.Minute, 50), labeled}))

	unlabeled, err := s.UnlabeledEvents(ctx)
	require.NoError(t, err)
	require.Len(t, unlabeled, 3)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, stats.TotalEvents)
	require.Equal(t, 3, stats.UnlabeledEvents)
	require.Equal(t, 1, stats.LabeledEvents)
	require.Equal(t, 2, stats.Partitions)
	require.NotNil(t, stats.LastUpdate)

	hist, err := s.Histogram(ctx)
	require.NoError(t, err)
	require.Equal(t, []models.MagnitudeBucket{
		{Magnitude: -50, ChangeType: models.ChangeOff, Count: 1},
		{Magnitude: 50, ChangeType: models.ChangeOn, Count: 2},
	}, hist)
}

func TestHistogramBucketsLegacyMagnitudes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	legacy := "timestamp,power_change,change_type,power_before,power_after,device_name,confidence\n" +
		"2024-03-01T08:00:00Z,100.04,on,100,200.04,unlabeled,0\n" +
		"2024-03-01T08:01:00Z,99.96,on,100,199.96,unlabeled,0\n"
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "device_events_legacy.csv"), []byte(legacy), 0o644))

	hist, err := s.Histogram(ctx)
	require.NoError(t, err)
	require.Equal(t, []models.MagnitudeBucket{
		{Magnitude: 100, ChangeType: models.ChangeOn, Count: 2},
	}, hist)
}

func TestInvalidPartitionID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	err := s.Append(ctx, "../escape", []models.Event{event(0, 10)})
	require.ErrorIs(t, err, ErrInvalidPartition)
}

func TestPowerPartitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	records := []models.PowerRecord{
		{Timestamp: t0, Power: 100},
		{Timestamp: t0.Add(10 * time.Second), Power: 150.5, PowerChange: 50.5},
	}
	require.NoError(t, s.WritePower(ctx, "20240301_080000", records))

	legacy := "timestamp,watts\n2024-03-01T07:59:50Z,90\n2024-03-01T07:59:55Z,oops\n"
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "power_data_legacy.csv"), []byte(legacy), 0o644))

	all, err := s.AllPower(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, 90.0, all[0].Power)
	require.Equal(t, records[1], all[2])

	series := PowerSeries(all)
	require.Equal(t, 150.5, series[2].Power)

	ids, err := s.PowerPartitions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"20240301_080000", "legacy"}, ids)

	events, err := s.Partitions(ctx)
	require.NoError(t, err)
	require.Empty(t, events)
}
