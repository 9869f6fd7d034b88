package services

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nilmstack/nilm-engine/internal/collector"
	"github.com/nilmstack/nilm-engine/internal/detector"
	"github.com/nilmstack/nilm-engine/internal/models"
	"github.com/nilmstack/nilm-engine/internal/modelstore"
	"github.com/nilmstack/nilm-engine/internal/publish"
	"github.com/nilmstack/nilm-engine/internal/store"
	"github.com/nilmstack/nilm-engine/internal/utils"
)

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	publish.Noop
	mu     sync.Mutex
	labels []publish.LabelUpdate
	events int
}

func (p *recordingPublisher) PublishLabel(_ context.Context, update publish.LabelUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.labels = append(p.labels, update)
	return nil
}

func (p *recordingPublisher) PublishEvents(_ context.Context, _ string, events []models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events += len(events)
	return nil
}

type fixedStatus collector.Status

func (f fixedStatus) Status() collector.Status { return collector.Status(f) }

func event(offset time.Duration, magnitude float64) models.Event {
	return models.Event{
		Timestamp:   base.Add(offset),
		ChangeType:  models.ChangeTypeFor(magnitude),
		Magnitude:   magnitude,
		PowerBefore: 100,
		PowerAfter:  100 + magnitude,
		DeviceLabel: models.UnlabeledDevice,
	}
}

func newTestApp(t *testing.T, deps Deps) (*App, *store.FileStore) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	deps.Store = st
	if deps.Detector == nil {
		deps.Detector = detector.New(20, 2)
	}
	app, err := NewApp(deps)
	require.NoError(t, err)
	return app, st
}

func seedEvents(t *testing.T, st *store.FileStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Append(ctx, "p1", []models.Event{event(0, 1200), event(time.Minute, -1200), event(2*time.Minute, 60)}))
	require.NoError(t, st.Append(ctx, "p2", []models.Event{event(time.Hour, 1200), event(time.Hour+time.Minute, -60)}))
}

func TestNewAppRequiresStoreAndDetector(t *testing.T) {
	_, err := NewApp(Deps{})
	require.Error(t, err)
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = NewApp(Deps{Store: st})
	require.Error(t, err)
}

func TestLabelAppliesAcrossPartitionsAndPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	app, st := newTestApp(t, Deps{Publisher: pub})
	seedEvents(t, st)
	ctx := context.Background()

	result, err := app.Label(ctx, models.LabelRequest{PowerChange: 1200, DeviceName: "kettle", Confidence: models.DefaultConfidence})
	require.NoError(t, err)
	require.Equal(t, 2, result.Updated)
	require.Equal(t, 3, result.Confidence)
	require.Len(t, pub.labels, 1)
	require.Equal(t, map[string]int{"p1": 1, "p2": 1}, pub.labels[0].ByPartition)

	unlabeled, err := app.Unlabeled(ctx)
	require.NoError(t, err)
	require.Len(t, unlabeled, 3)

	result, err = app.Label(ctx, models.LabelRequest{PowerChange: 999, DeviceName: "ghost", Confidence: 2})
	require.NoError(t, err)
	require.True(t, result.NoMatch())
	require.Len(t, pub.labels, 1)
	require.Equal(t, 2, app.Latency("label").Count)
}

func TestLabelRejectsInvalidRequests(t *testing.T) {
	app, st := newTestApp(t, Deps{})
	seedEvents(t, st)
	ctx := context.Background()

	cases := []models.LabelRequest{
		{PowerChange: 0, DeviceName: "kettle"},
		{PowerChange: 1200, DeviceName: ""},
		{PowerChange: 1200, DeviceName: "unlabeled"},
		{PowerChange: 1200, DeviceName: "kettle", Confidence: 9},
		{PowerChange: 1200, DeviceName: "kettle", Confidence: 0},
	}
	for _, req := range cases {
		_, err := app.Label(ctx, req)
		require.Error(t, err)
		require.Equal(t, utils.KindInvalid, utils.KindOf(err), "%+v", req)
	}
}

func TestStatusReportsCollectorAndStats(t *testing.T) {
	app, st := newTestApp(t, Deps{Collector: fixedStatus{Running: true, Samples: 42}})
	seedEvents(t, st)

	report, err := app.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, "running", report.CollectionStatus)
	require.Equal(t, 42, report.Collector.Samples)
	require.Equal(t, 5, report.Stats.TotalEvents)
	require.Equal(t, 5, report.Stats.UnlabeledEvents)
	require.Equal(t, 2, report.Stats.Partitions)

	idle, _ := newTestApp(t, Deps{})
	report, err = idle.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, "stopped", report.CollectionStatus)
	require.Nil(t, report.Collector)
}

func TestStatisticsAndListings(t *testing.T) {
	app, st := newTestApp(t, Deps{})
	seedEvents(t, st)
	ctx := context.Background()

	buckets, err := app.Statistics(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 4)
	require.Equal(t, -1200.0, buckets[0].Magnitude)
	require.Equal(t, 1200.0, buckets[3].Magnitude)
	require.Equal(t, 2, buckets[3].Count)

	events, err := app.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		require.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}
}

func TestDetectMergesStoredPower(t *testing.T) {
	pub := &recordingPublisher{}
	app, st := newTestApp(t, Deps{Publisher: pub})
	ctx := context.Background()

	powers := []float64{100, 100, 100, 150, 150, 150, 100, 100}
	records := make([]models.PowerRecord, len(powers))
	for i, p := range powers {
		records[i] = models.PowerRecord{Timestamp: base.Add(time.Duration(i) * time.Second), Power: p}
	}
	require.NoError(t, st.WritePower(ctx, "s1", records))

	added, err := app.Detect(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.Equal(t, 2, pub.events)

	power, err := app.Power(ctx)
	require.NoError(t, err)
	require.Len(t, power, 8)

	added, err = app.Detect(ctx)
	require.NoError(t, err)
	require.Zero(t, added)
}

func TestDetectKeepsLegacyLabeledEvents(t *testing.T) {
	app, st := newTestApp(t, Deps{})
	ctx := context.Background()

	powers := []float64{100, 100, 100, 200, 200, 200}
	records := make([]models.PowerRecord, len(powers))
	for i, p := range powers {
		records[i] = models.PowerRecord{Timestamp: base.Add(time.Duration(i) * time.Second), Power: p}
	}
	require.NoError(t, st.WritePower(ctx, "s1", records))

	legacy := "timestamp,power_change,change_type,power_before,power_after,device_name,confidence\n" +
		"2024-03-01T08:00:03Z,100.04,on,100,200.04,lamp,5\n"
	require.NoError(t, os.WriteFile(filepath.Join(st.Dir(), "device_events_s1.csv"), []byte(legacy), 0o644))

	added, err := app.Detect(ctx)
	require.NoError(t, err)
	require.Zero(t, added)

	events, err := app.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "lamp", events[0].DeviceLabel)
	require.Equal(t, 5, events[0].Confidence)
	require.Equal(t, 100.04, events[0].Magnitude)
}

func TestTrainPredictAndAppliances(t *testing.T) {
	app, st := newTestApp(t, Deps{NAppliances: 5})
	seedEvents(t, st)
	ctx := context.Background()

	_, err := app.Predictions(ctx)
	require.Equal(t, utils.KindNotReady, utils.KindOf(err))
	_, err = app.Appliances(ctx)
	require.Equal(t, utils.KindNotReady, utils.KindOf(err))

	model, err := app.Train(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 4, model.EffectiveClusters())
	require.NotEmpty(t, model.Warnings)

	_, err = app.Label(ctx, models.LabelRequest{PowerChange: 1200, DeviceName: "kettle", Confidence: 4})
	require.NoError(t, err)

	preds, err := app.Predictions(ctx)
	require.NoError(t, err)
	require.Len(t, preds, 3)
	for _, p := range preds {
		require.GreaterOrEqual(t, p.ApplianceID, 0)
		require.Less(t, p.ApplianceID, model.EffectiveClusters())
	}

	report, err := app.Appliances(ctx)
	require.NoError(t, err)
	require.Equal(t, model.RunID, report.Run.ID)
	require.Equal(t, 2, report.Evaluation.LabeledEvents)
	require.Equal(t, 1.0, report.Evaluation.Purity)
}

func TestTrainPersistsAndRestores(t *testing.T) {
	runs, err := modelstore.Open(filepath.Join(t.TempDir(), "models.db"))
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	app, st := newTestApp(t, Deps{Runs: runs})
	seedEvents(t, st)
	ctx := context.Background()

	model, err := app.Train(ctx, 2)
	require.NoError(t, err)

	history, err := app.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	restored, err := NewApp(Deps{Store: st, Runs: runs, Detector: detector.New(20, 2)})
	require.NoError(t, err)
	require.Nil(t, restored.Model())
	require.NoError(t, restored.Restore(ctx))
	require.NotNil(t, restored.Model())
	require.Equal(t, model.RunID, restored.Model().RunID)
	require.Equal(t, model.Appliances, restored.Model().Appliances)

	empty, err := modelstore.Open(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	t.Cleanup(func() { empty.Close() })
	fresh, err := NewApp(Deps{Store: st, Runs: empty, Detector: detector.New(20, 2)})
	require.NoError(t, err)
	require.NoError(t, fresh.Restore(ctx))
	require.Nil(t, fresh.Model())
}
