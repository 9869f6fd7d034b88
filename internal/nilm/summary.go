package nilm

import (
	"sort"

	"github.com/nilmstack/nilm-engine/internal/models"
)

// Summarize aggregates predictions per predicted appliance, ordered by ID.
// Standard deviations are population deviations so single-member clusters
// report 0.
func Summarize(preds []models.Prediction) []models.ApplianceStats {
	groups := make(map[int][]models.Event)
	for _, p := range preds {
		groups[p.ApplianceID] = append(groups[p.ApplianceID], p.Event)
	}

	stats := make([]models.ApplianceStats, 0, len(groups))
	for id, events := range groups {
		mags := make([]float64, len(events))
		after := make([]float64, len(events))
		for i, ev := range events {
			mags[i] = ev.Magnitude
			after[i] = ev.PowerAfter
		}
		magMean, magStd := meanStd(mags)
		afterMean, afterStd := meanStd(after)
		label, agree, labeled := dominantLabel(events)

		s := models.ApplianceStats{
			ApplianceID:    id,
			Count:          len(events),
			MagnitudeMean:  magMean,
			MagnitudeStd:   magStd,
			PowerAfterMean: afterMean,
			PowerAfterStd:  afterStd,
			DominantLabel:  label,
			LabeledMembers: labeled,
		}
		if labeled > 0 {
			s.LabelPurity = float64(agree) / float64(labeled)
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ApplianceID < stats[j].ApplianceID })
	return stats
}

// Evaluation scores predicted clusters against operator labels.
type Evaluation struct {
	LabeledEvents int     `json:"labeled_events"`
	Agreeing      int     `json:"agreeing"`
	Purity        float64 `json:"purity"`
}

// Evaluate computes overall cluster purity: the share of labeled events whose
// label is the dominant label of their predicted appliance. Unlabeled events
// do not count.
func Evaluate(preds []models.Prediction) Evaluation {
	groups := make(map[int][]models.Event)
	for _, p := range preds {
		groups[p.ApplianceID] = append(groups[p.ApplianceID], p.Event)
	}
	var eval Evaluation
	for _, events := range groups {
		_, agree, labeled := dominantLabel(events)
		eval.LabeledEvents += labeled
		eval.Agreeing += agree
	}
	if eval.LabeledEvents > 0 {
		eval.Purity = float64(eval.Agreeing) / float64(eval.LabeledEvents)
	}
	return eval
}

// dominantLabel returns the most common operator label among events, ties
// broken alphabetically, with its count and the number of labeled events.
func dominantLabel(events []models.Event) (string, int, int) {
	counts := make(map[string]int)
	labeled := 0
	for _, ev := range events {
		if !ev.Labeled() {
			continue
		}
		counts[ev.DeviceLabel]++
		labeled++
	}
	best, bestCount := "", 0
	for label, n := range counts {
		if n > bestCount || (n == bestCount && label < best) {
			best, bestCount = label, n
		}
	}
	return best, bestCount, labeled
}
