package detector

import (
	"math"
	"sort"
	"time"

	"github.com/nilmstack/nilm-engine/internal/models"
)

// Detector finds ON/OFF step changes in a power series using a height and
// distance constrained peak search over the first difference.
type Detector struct {
	threshold       float64
	minPeakDistance int
}

// New creates a detector; invalid parameters make every detection return no events.
func New(threshold float64, minPeakDistance int) *Detector {
	return &Detector{threshold: threshold, minPeakDistance: minPeakDistance}
}

// Threshold returns the configured minimum absolute step, in watts.
func (d *Detector) Threshold() float64 { return d.threshold }

// MinPeakDistance returns the configured minimum separation, in samples.
func (d *Detector) MinPeakDistance() int { return d.minPeakDistance }

// DetectPartition runs Detect and stamps every event with partitionID.
func (d *Detector) DetectPartition(partitionID string, series []models.PowerSample) []models.Event {
	events := Detect(series, d.threshold, d.minPeakDistance)
	for i := range events {
		events[i].PartitionID = partitionID
	}
	return events
}

// DetectPartitionAround detects the events of series that are new relative
// to existing, the events already stored for the partition. Samples holding
// an existing event count as accepted peaks, so no new event lands within
// minPeakDistance samples of a stored one and stored events are never
// reported again.
func (d *Detector) DetectPartitionAround(partitionID string, series []models.PowerSample, existing []models.Event) []models.Event {
	anchors := make([]time.Time, len(existing))
	for i, ev := range existing {
		anchors[i] = ev.Timestamp
	}
	events := DetectAround(series, d.threshold, d.minPeakDistance, anchors)
	for i := range events {
		events[i].PartitionID = partitionID
	}
	return events
}

type candidate struct {
	index int
	diff  float64
}

// Detect returns the events of series ordered by timestamp. The event for a
// transition between samples i and i+1 is placed at sample i+1.
func Detect(series []models.PowerSample, threshold float64, minPeakDistance int) []models.Event {
	return DetectAround(series, threshold, minPeakDistance, nil)
}

// DetectAround is Detect with previously accepted events at the anchor
// timestamps. Each anchor blocks its neighbourhood before the greedy pass and
// produces no event itself. Anchors matching no sample are ignored.
func DetectAround(series []models.PowerSample, threshold float64, minPeakDistance int, anchors []time.Time) []models.Event {
	if len(series) < 2 || threshold <= 0 || minPeakDistance < 1 {
		return nil
	}

	candidates := make([]candidate, 0)
	for i := 0; i+1 < len(series); i++ {
		diff := series[i+1].Power - series[i].Power
		if diff != 0 && math.Abs(diff) >= threshold {
			candidates = append(candidates, candidate{index: i, diff: diff})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	accepted := selectPeaks(candidates, minPeakDistance, anchorIndexes(series, anchors))

	events := make([]models.Event, 0, len(accepted))
	for _, c := range accepted {
		before := models.QuantizeMagnitude(series[c.index].Power)
		after := models.QuantizeMagnitude(series[c.index+1].Power)
		magnitude := models.QuantizeMagnitude(after - before)
		if magnitude == 0 {
			continue
		}
		events = append(events, models.Event{
			Timestamp:   series[c.index+1].Timestamp,
			ChangeType:  models.ChangeTypeFor(magnitude),
			Magnitude:   magnitude,
			PowerBefore: before,
			PowerAfter:  after,
			DeviceLabel: models.UnlabeledDevice,
		})
	}
	return events
}

// anchorIndexes maps anchor timestamps to the candidate index of the
// transition ending at that sample.
func anchorIndexes(series []models.PowerSample, anchors []time.Time) []int {
	if len(anchors) == 0 {
		return nil
	}
	want := make(map[int64]struct{}, len(anchors))
	for _, ts := range anchors {
		want[ts.UnixNano()] = struct{}{}
	}
	var idx []int
	for i := 1; i < len(series); i++ {
		if _, ok := want[series[i].Timestamp.UnixNano()]; ok {
			idx = append(idx, i-1)
		}
	}
	return idx
}

// selectPeaks greedily keeps the largest steps, suppressing any other
// candidate closer than minDistance samples to an accepted one or to a fixed
// index. Equal steps favour the earlier index. The result is ordered by
// sample index and never contains fixed indexes.
func selectPeaks(candidates []candidate, minDistance int, fixed []int) []candidate {
	byHeight := append([]candidate(nil), candidates...)
	sort.SliceStable(byHeight, func(i, j int) bool {
		hi, hj := math.Abs(byHeight[i].diff), math.Abs(byHeight[j].diff)
		if hi != hj {
			return hi > hj
		}
		return byHeight[i].index < byHeight[j].index
	})

	last := candidates[len(candidates)-1].index
	blocked := make([]bool, last+1)
	block := func(center int) {
		lo := center - minDistance + 1
		if lo < 0 {
			lo = 0
		}
		hi := center + minDistance - 1
		if hi > last {
			hi = last
		}
		for j := lo; j <= hi; j++ {
			blocked[j] = true
		}
	}
	for _, f := range fixed {
		block(f)
	}

	accepted := make([]candidate, 0, len(byHeight))
	for _, c := range byHeight {
		if blocked[c.index] {
			continue
		}
		accepted = append(accepted, c)
		block(c.index)
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].index < accepted[j].index })
	return accepted
}

// PowerChanges returns the per-sample change column of a power partition.
// The first sample has no predecessor and reports zero.
func PowerChanges(series []models.PowerSample) []float64 {
	changes := make([]float64, len(series))
	for i := 1; i < len(series); i++ {
		changes[i] = series[i].Power - series[i-1].Power
	}
	return changes
}

// SortSeries orders samples by timestamp in place. Samples sharing a
// timestamp keep their arrival order.
func SortSeries(series []models.PowerSample) {
	sort.SliceStable(series, func(i, j int) bool {
		return series[i].Timestamp.Before(series[j].Timestamp)
	})
}
