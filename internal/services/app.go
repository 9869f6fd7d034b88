package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nilmstack/nilm-engine/internal/collector"
	"github.com/nilmstack/nilm-engine/internal/detector"
	"github.com/nilmstack/nilm-engine/internal/metrics"
	"github.com/nilmstack/nilm-engine/internal/models"
	"github.com/nilmstack/nilm-engine/internal/modelstore"
	"github.com/nilmstack/nilm-engine/internal/nilm"
	"github.com/nilmstack/nilm-engine/internal/publish"
	"github.com/nilmstack/nilm-engine/internal/reconcile"
	"github.com/nilmstack/nilm-engine/internal/store"
	"github.com/nilmstack/nilm-engine/internal/utils"
)

// EventStore is the storage surface the application needs.
type EventStore interface {
	Partitions(ctx context.Context) ([]string, error)
	Update(ctx context.Context, partitionID string, fn store.UpdateFunc) (bool, error)
	AllEvents(ctx context.Context) ([]models.Event, error)
	UnlabeledEvents(ctx context.Context) ([]models.Event, error)
	Stats(ctx context.Context) (models.Stats, error)
	Histogram(ctx context.Context) ([]models.MagnitudeBucket, error)
	PowerPartitions(ctx context.Context) ([]string, error)
	PowerRecords(ctx context.Context, partitionID string) ([]models.PowerRecord, error)
	AllPower(ctx context.Context) ([]models.PowerRecord, error)
}

// RunStore persists and restores training runs.
type RunStore interface {
	nilm.Store
	LatestRun(ctx context.Context) (models.TrainingRun, error)
	ListRuns(ctx context.Context, limit int) ([]models.TrainingRun, error)
}

// StatusSource reports collection progress.
type StatusSource interface {
	Status() collector.Status
}

// Deps wires an App. Store and Detector are required.
type Deps struct {
	Store       EventStore
	Runs        RunStore
	Publisher   publish.Publisher
	Collector   StatusSource
	Detector    *detector.Detector
	NAppliances int
	Logger      *slog.Logger
}

// App is the application context shared by the HTTP and gRPC surfaces and
// the command line tools.
type App struct {
	store       EventStore
	runs        RunStore
	publisher   publish.Publisher
	collector   StatusSource
	detector    *detector.Detector
	reconciler  *reconcile.Reconciler
	trainer     *nilm.Trainer
	nAppliances int
	logger      *slog.Logger
	latencies   *utils.LatencyTracker

	mu    sync.RWMutex
	model *nilm.Model
}

// StatusReport is returned by Status.
type StatusReport struct {
	CollectionStatus string                          `json:"collection_status"`
	Collector        *collector.Status               `json:"collector,omitempty"`
	Stats            models.Stats                    `json:"stats"`
	ModelRunID       string                          `json:"model_run_id,omitempty"`
	Latency          map[string]utils.LatencySummary `json:"latency,omitempty"`
}

// ApplianceReport describes the current model and how it groups stored events.
type ApplianceReport struct {
	Run        models.TrainingRun      `json:"run"`
	Stats      []models.ApplianceStats `json:"appliances"`
	Evaluation nilm.Evaluation         `json:"evaluation"`
}

// NewApp validates deps and builds the application context.
func NewApp(deps Deps) (*App, error) {
	if deps.Store == nil {
		return nil, errors.New("services: event store is required")
	}
	if deps.Detector == nil {
		return nil, errors.New("services: detector is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = publish.Noop{}
	}
	nAppliances := deps.NAppliances
	if nAppliances < 1 {
		nAppliances = 5
	}
	return &App{
		store:       deps.Store,
		runs:        deps.Runs,
		publisher:   publisher,
		collector:   deps.Collector,
		detector:    deps.Detector,
		reconciler:  reconcile.New(deps.Store, logger),
		trainer:     nilm.NewTrainer(logger.With(slog.String("component", "trainer")), deps.Runs),
		nAppliances: nAppliances,
		logger:      logger,
		latencies:   utils.NewLatencyTracker(1024),
	}, nil
}

// Restore loads the most recent stored model, if any.
func (a *App) Restore(ctx context.Context) error {
	if a.runs == nil {
		return nil
	}
	run, err := a.runs.LatestRun(ctx)
	if errors.Is(err, modelstore.ErrNoRuns) {
		return nil
	}
	if err != nil {
		return utils.NewAppError("restore", "load latest training run", err)
	}
	a.setModel(nilm.FromRun(run))
	a.logger.Info("restored appliance model", slog.String("run_id", run.ID), slog.Int("clusters", run.EffectiveClusters))
	return nil
}

// Status reports collection state and event counts.
func (a *App) Status(ctx context.Context) (StatusReport, error) {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return StatusReport{}, utils.NewAppError("status", "read event statistics", err)
	}
	report := StatusReport{CollectionStatus: "stopped", Stats: stats}
	if a.collector != nil {
		st := a.collector.Status()
		report.Collector = &st
		if st.Running {
			report.CollectionStatus = "running"
		}
	}
	if m := a.Model(); m != nil {
		report.ModelRunID = m.RunID
	}
	report.Latency = a.latencies.Snapshot()
	return report, nil
}

// Unlabeled lists events still awaiting a label.
func (a *App) Unlabeled(ctx context.Context) ([]models.Event, error) {
	events, err := a.store.UnlabeledEvents(ctx)
	if err != nil {
		return nil, utils.NewAppError("unlabeled", "list unlabeled events", err)
	}
	return events, nil
}

// Label applies an operator label to every unlabeled event of a magnitude.
// Transports fill in models.DefaultConfidence when the request omits it.
func (a *App) Label(ctx context.Context, req models.LabelRequest) (reconcile.Result, error) {
	if req.PowerChange == 0 {
		metrics.ObserveLabel(metrics.LabelError, 0)
		return reconcile.Result{}, utils.NewKindError(utils.KindInvalid, "label", "power_change is required", reconcile.ErrInvalidLabel)
	}

	start := time.Now()
	result, err := a.reconciler.Label(ctx, req.PowerChange, req.DeviceName, req.Confidence)
	a.latencies.Observe("label", time.Since(start))
	if err != nil {
		metrics.ObserveLabel(metrics.LabelError, 0)
		switch {
		case errors.Is(err, reconcile.ErrInvalidLabel):
			return result, utils.NewKindError(utils.KindInvalid, "label", "invalid label request", err)
		case errors.Is(err, store.ErrStoreConcurrency):
			return result, utils.NewKindError(utils.KindConflict, "label", "partition busy", err)
		default:
			a.logger.Error("label request failed", slog.Any("error", err))
			return result, utils.NewAppError("label", "update events", err)
		}
	}

	if result.NoMatch() {
		metrics.ObserveLabel(metrics.LabelNoMatch, 0)
	} else {
		metrics.ObserveLabel(metrics.LabelUpdated, result.Updated)
		update := publish.LabelUpdate{
			MagnitudeKey: result.MagnitudeKey,
			DeviceName:   result.DeviceName,
			Confidence:   result.Confidence,
			Updated:      result.Updated,
			ByPartition:  result.ByPartition,
		}
		if err := a.publisher.PublishLabel(ctx, update); err != nil {
			a.logger.Warn("label publish failed", slog.Any("error", err))
		}
	}
	return result, nil
}

// Statistics counts unlabeled events per magnitude.
func (a *App) Statistics(ctx context.Context) ([]models.MagnitudeBucket, error) {
	buckets, err := a.store.Histogram(ctx)
	if err != nil {
		return nil, utils.NewAppError("statistics", "build histogram", err)
	}
	return buckets, nil
}

// Power lists every stored power record ordered by timestamp.
func (a *App) Power(ctx context.Context) ([]models.PowerRecord, error) {
	records, err := a.store.AllPower(ctx)
	if err != nil {
		return nil, utils.NewAppError("power", "list power data", err)
	}
	return records, nil
}

// Events lists every stored event ordered by timestamp.
func (a *App) Events(ctx context.Context) ([]models.Event, error) {
	events, err := a.store.AllEvents(ctx)
	if err != nil {
		return nil, utils.NewAppError("events", "list events", err)
	}
	return events, nil
}

// Detect re-runs detection over every stored power partition and adds the
// events each event partition does not hold yet. Stored events are kept
// unchanged. It returns the number of events added.
func (a *App) Detect(ctx context.Context) (int, error) {
	ids, err := a.store.PowerPartitions(ctx)
	if err != nil {
		return 0, utils.NewAppError("detect", "list power partitions", err)
	}

	total := 0
	for _, id := range ids {
		records, err := a.store.PowerRecords(ctx, id)
		if err != nil {
			var malformed *store.MalformedPartitionError
			if errors.As(err, &malformed) {
				a.logger.Warn("skipping malformed power partition", slog.String("partition", id), slog.Any("error", malformed.Err))
				metrics.ObservePartitionError("malformed")
				continue
			}
			return total, utils.NewAppError("detect", "read power partition "+id, err)
		}
		series := store.PowerSeries(records)
		detector.SortSeries(series)
		detect := func(existing []models.Event) []models.Event {
			return a.detector.DetectPartitionAround(id, series, existing)
		}

		var added []models.Event
		if _, err := a.store.Update(ctx, id, store.MergeFunc(detect, &added, nil)); err != nil {
			if errors.Is(err, store.ErrStoreConcurrency) {
				return total, utils.NewKindError(utils.KindConflict, "detect", "partition busy", err)
			}
			return total, utils.NewAppError("detect", "store events for "+id, err)
		}
		on := 0
		for _, ev := range added {
			if ev.ChangeType == models.ChangeOn {
				on++
			}
		}
		metrics.ObserveDetection(on, len(added)-on)
		if err := a.publisher.PublishEvents(ctx, id, added); err != nil {
			a.logger.Warn("event publish failed", slog.String("partition", id), slog.Any("error", err))
		}
		total += len(added)
	}
	a.logger.Info("detection complete", slog.Int("partitions", len(ids)), slog.Int("new_events", total))
	return total, nil
}

// Train fits a new model over all stored power data and events. n < 1 uses
// the configured appliance count.
func (a *App) Train(ctx context.Context, n int) (*nilm.Model, error) {
	if n < 1 {
		n = a.nAppliances
	}
	start := time.Now()
	model, err := a.train(ctx, n)
	a.latencies.Observe("train", time.Since(start))
	if err != nil {
		metrics.ObserveTraining(time.Since(start), metrics.OutcomeError, 0)
		return nil, err
	}
	metrics.ObserveTraining(time.Since(start), metrics.OutcomeSuccess, model.EffectiveClusters())
	a.setModel(model)
	return model, nil
}

func (a *App) train(ctx context.Context, n int) (*nilm.Model, error) {
	records, err := a.store.AllPower(ctx)
	if err != nil {
		return nil, utils.NewAppError("train", "load power data", err)
	}
	events, err := a.store.AllEvents(ctx)
	if err != nil {
		return nil, utils.NewAppError("train", "load events", err)
	}
	model, err := a.trainer.Train(ctx, store.PowerSeries(records), events, n)
	if err != nil {
		if errors.Is(err, nilm.ErrInvalidApplianceCount) {
			return nil, utils.NewKindError(utils.KindInvalid, "train", "invalid appliance count", err)
		}
		return nil, utils.NewAppError("train", "fit model", err)
	}
	return model, nil
}

// Predictions assigns every unlabeled event to an appliance of the current model.
func (a *App) Predictions(ctx context.Context) ([]models.Prediction, error) {
	model := a.Model()
	if model == nil {
		return nil, utils.NewKindError(utils.KindNotReady, "predict", "no trained model", nilm.ErrModelNotTrained)
	}
	events, err := a.store.UnlabeledEvents(ctx)
	if err != nil {
		return nil, utils.NewAppError("predict", "list unlabeled events", err)
	}
	return a.predict(ctx, model, events)
}

// Appliances summarises how the current model groups every stored event.
func (a *App) Appliances(ctx context.Context) (ApplianceReport, error) {
	model := a.Model()
	if model == nil {
		return ApplianceReport{}, utils.NewKindError(utils.KindNotReady, "appliances", "no trained model", nilm.ErrModelNotTrained)
	}
	events, err := a.store.AllEvents(ctx)
	if err != nil {
		return ApplianceReport{}, utils.NewAppError("appliances", "list events", err)
	}
	preds, err := a.predict(ctx, model, events)
	if err != nil {
		return ApplianceReport{}, err
	}
	return ApplianceReport{
		Run:        model.Run(),
		Stats:      nilm.Summarize(preds),
		Evaluation: nilm.Evaluate(preds),
	}, nil
}

// Runs lists stored training runs, newest first.
func (a *App) Runs(ctx context.Context, limit int) ([]models.TrainingRun, error) {
	if a.runs == nil {
		return nil, nil
	}
	runs, err := a.runs.ListRuns(ctx, limit)
	if err != nil {
		return nil, utils.NewAppError("runs", "list training runs", err)
	}
	return runs, nil
}

func (a *App) predict(ctx context.Context, model *nilm.Model, events []models.Event) ([]models.Prediction, error) {
	preds, err := model.Predict(ctx, nil, events)
	if err != nil {
		return nil, utils.NewAppError("predict", "assign events", err)
	}
	return preds, nil
}

// Model returns the current model or nil.
func (a *App) Model() *nilm.Model {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

func (a *App) setModel(m *nilm.Model) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model = m
}

// Latency summarizes recent durations of the "label" and "train" operations.
func (a *App) Latency(op string) utils.LatencySummary {
	return a.latencies.Summary(op)
}

