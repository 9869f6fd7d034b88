package nilm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nilmstack/nilm-engine/internal/models"
)

var (
	// ErrModelNotTrained is returned when predicting with a nil model.
	ErrModelNotTrained = errors.New("nilm: model not trained")
	// ErrInvalidApplianceCount is returned for a non-positive cluster count.
	ErrInvalidApplianceCount = errors.New("nilm: appliance count must be positive")
)

// DefaultPairTolerance is the relative centroid difference under which an ON
// and an OFF cluster are treated as the same physical appliance.
const DefaultPairTolerance = 0.15

// Store persists training runs.
type Store interface {
	SaveRun(ctx context.Context, run models.TrainingRun) error
}

// Model is a trained set of appliance signatures. Appliances[i].ID == i.
type Model struct {
	RunID      string
	Requested  int
	EventCount int
	Appliances []models.Appliance
	Warnings   []string
	TrainedAt  time.Time
}

// EffectiveClusters is the number of clusters actually produced.
func (m *Model) EffectiveClusters() int {
	if m == nil {
		return 0
	}
	return len(m.Appliances)
}

// Run converts the model into its persisted form.
func (m *Model) Run() models.TrainingRun {
	return models.TrainingRun{
		ID:                m.RunID,
		RequestedClusters: m.Requested,
		EffectiveClusters: m.EffectiveClusters(),
		EventCount:        m.EventCount,
		Appliances:        append([]models.Appliance(nil), m.Appliances...),
		Warnings:          append([]string(nil), m.Warnings...),
		CreatedAt:         m.TrainedAt,
	}
}

// FromRun restores a model from a persisted training run.
func FromRun(run models.TrainingRun) *Model {
	appliances := append([]models.Appliance(nil), run.Appliances...)
	sort.SliceStable(appliances, func(i, j int) bool { return appliances[i].ID < appliances[j].ID })
	return &Model{
		RunID:      run.ID,
		Requested:  run.RequestedClusters,
		EventCount: run.EventCount,
		Appliances: appliances,
		Warnings:   append([]string(nil), run.Warnings...),
		TrainedAt:  run.CreatedAt,
	}
}

// Trainer clusters detected events into appliance signatures.
type Trainer struct {
	store         Store
	logger        *slog.Logger
	pairTolerance float64
	now           func() time.Time
}

// NewTrainer constructs a Trainer; store may be nil for dry runs.
func NewTrainer(logger *slog.Logger, store Store) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{
		store:         store,
		logger:        logger,
		pairTolerance: DefaultPairTolerance,
		now:           time.Now,
	}
}

// population is one polarity's |magnitude| values.
type population struct {
	changeType models.ChangeType
	values     []float64
	distinct   int
}

// Train fits nAppliances magnitude clusters. Labels never influence the
// result. An empty event set yields an empty model without error.
func (t *Trainer) Train(ctx context.Context, series []models.PowerSample, events []models.Event, nAppliances int) (*Model, error) {
	if nAppliances <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidApplianceCount, nAppliances)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model := &Model{
		RunID:     uuid.NewString(),
		Requested: nAppliances,
		TrainedAt: t.now().UTC(),
	}

	on := population{changeType: models.ChangeOn}
	off := population{changeType: models.ChangeOff}
	for _, ev := range events {
		mag := models.QuantizeMagnitude(ev.Magnitude)
		switch {
		case mag > 0:
			on.values = append(on.values, mag)
		case mag < 0:
			off.values = append(off.values, -mag)
		}
	}
	on.distinct = len(distinctSorted(on.values))
	off.distinct = len(distinctSorted(off.values))
	model.EventCount = len(on.values) + len(off.values)

	t.logger.Info("training appliance model",
		slog.Int("samples", len(series)),
		slog.Int("events", model.EventCount),
		slog.Int("requested", nAppliances),
	)

	totalDistinct := on.distinct + off.distinct
	if totalDistinct == 0 {
		model.Warnings = append(model.Warnings, "no events with non-zero magnitude; model is empty")
		t.logger.Warn("insufficient data for training", slog.Int("events", len(events)))
		t.save(ctx, model)
		return model, nil
	}

	k := nAppliances
	if totalDistinct < k {
		k = totalDistinct
		msg := fmt.Sprintf("only %d distinct magnitudes for %d requested appliances; using %d clusters", totalDistinct, nAppliances, k)
		model.Warnings = append(model.Warnings, msg)
		t.logger.Warn("appliance count capped", slog.Int("requested", nAppliances), slog.Int("effective", k))
	}

	var appliances []models.Appliance
	switch {
	case on.distinct > 0 && off.distinct > 0 && k >= 2:
		kOn, kOff := splitClusters(k, on.distinct, off.distinct)
		appliances = append(appliances, clusterPopulation(on, kOn)...)
		appliances = append(appliances, clusterPopulation(off, kOff)...)
	case on.distinct > 0 && off.distinct > 0:
		merged := population{values: append(append([]float64(nil), on.values...), off.values...)}
		model.Warnings = append(model.Warnings, "single cluster requested for both polarities; ON and OFF events share one signature")
		appliances = clusterPopulation(merged, k)
	case on.distinct > 0:
		appliances = clusterPopulation(on, k)
	default:
		appliances = clusterPopulation(off, k)
	}
	for i := range appliances {
		appliances[i].ID = i
		appliances[i].PairedID = -1
	}
	pairAppliances(appliances, t.pairTolerance)
	model.Appliances = appliances

	t.logger.Info("appliance model trained",
		slog.String("run_id", model.RunID),
		slog.Int("clusters", len(appliances)),
	)
	t.save(ctx, model)
	return model, nil
}

func (t *Trainer) save(ctx context.Context, model *Model) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveRun(ctx, model.Run()); err != nil {
		t.logger.Warn("training run store failed", slog.String("run_id", model.RunID), slog.Any("error", err))
	}
}

// splitClusters divides k between two non-empty populations in proportion to
// their distinct-value counts, giving each at least one and at most its
// distinct count. Requires 2 <= k <= dOn+dOff.
func splitClusters(k, dOn, dOff int) (int, int) {
	kOn := int(math.Round(float64(k) * float64(dOn) / float64(dOn+dOff)))
	if kOn < 1 {
		kOn = 1
	}
	if kOn > dOn {
		kOn = dOn
	}
	if kOn > k-1 {
		kOn = k - 1
	}
	kOff := k - kOn
	if kOff > dOff {
		kOff = dOff
		kOn = k - kOff
	}
	return kOn, kOff
}

func clusterPopulation(pop population, k int) []models.Appliance {
	centroids, assign := cluster1D(pop.values, k)
	members := make([][]float64, len(centroids))
	for i, v := range pop.values {
		members[assign[i]] = append(members[assign[i]], v)
	}

	out := make([]models.Appliance, 0, len(centroids))
	for j := range centroids {
		if len(members[j]) == 0 {
			continue
		}
		mean, std := meanStd(members[j])
		if pop.changeType == models.ChangeOff {
			mean = -mean
		}
		out = append(out, models.Appliance{
			ChangeType:    pop.changeType,
			SignatureMean: mean,
			SignatureStd:  std,
			MemberCount:   len(members[j]),
		})
	}
	return out
}

type pairCandidate struct {
	on, off int
	diff    float64
}

// pairAppliances links ON and OFF clusters whose centroids differ by at most
// tolerance relative to the larger one, closest pairs first.
func pairAppliances(appliances []models.Appliance, tolerance float64) {
	var candidates []pairCandidate
	for i, a := range appliances {
		if a.ChangeType != models.ChangeOn {
			continue
		}
		for j, b := range appliances {
			if b.ChangeType != models.ChangeOff {
				continue
			}
			ca, cb := math.Abs(a.SignatureMean), math.Abs(b.SignatureMean)
			diff := math.Abs(ca-cb) / math.Max(ca, cb)
			if diff <= tolerance {
				candidates = append(candidates, pairCandidate{on: i, off: j, diff: diff})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].diff < candidates[j].diff })
	for _, c := range candidates {
		if appliances[c.on].PairedID >= 0 || appliances[c.off].PairedID >= 0 {
			continue
		}
		appliances[c.on].PairedID = appliances[c.off].ID
		appliances[c.off].PairedID = appliances[c.on].ID
	}
}

// Predict assigns every event to the nearest appliance of its own polarity.
// Events keep their input order. A model without clusters yields no
// predictions.
func (m *Model) Predict(ctx context.Context, _ []models.PowerSample, events []models.Event) ([]models.Prediction, error) {
	if m == nil {
		return nil, ErrModelNotTrained
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.Appliances) == 0 {
		return nil, nil
	}

	preds := make([]models.Prediction, 0, len(events))
	for _, ev := range events {
		id, dist := m.nearest(ev)
		preds = append(preds, models.Prediction{Event: ev, ApplianceID: id, Distance: dist})
	}
	return preds, nil
}

func (m *Model) nearest(ev models.Event) (int, float64) {
	mag := ev.AbsMagnitude()
	want := models.ChangeTypeFor(ev.Magnitude)

	best, bestDist := -1, math.Inf(1)
	for _, a := range m.Appliances {
		if a.ChangeType != "" && a.ChangeType != want {
			continue
		}
		if d := math.Abs(mag - math.Abs(a.SignatureMean)); d < bestDist {
			best, bestDist = a.ID, d
		}
	}
	if best >= 0 {
		return best, bestDist
	}
	for _, a := range m.Appliances {
		if d := math.Abs(mag - math.Abs(a.SignatureMean)); d < bestDist {
			best, bestDist = a.ID, d
		}
	}
	return best, bestDist
}
