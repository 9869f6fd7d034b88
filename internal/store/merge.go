package store

import (
	"sort"

	"github.com/nilmstack/nilm-engine/internal/models"
)

type eventKey struct {
	unixNano  int64
	magnitude float64
}

func keyOf(ev models.Event) eventKey {
	return eventKey{ev.Timestamp.UnixNano(), models.QuantizeMagnitude(ev.Magnitude)}
}

// MergeDetected adds the detected events a partition does not hold yet.
// Stored events are kept as they are, labels included; a detected event
// matches a stored one on timestamp and quantized magnitude. It returns the
// merged events ordered by timestamp, the added events, and whether anything
// was added.
func MergeDetected(existing, detected []models.Event) ([]models.Event, []models.Event, bool) {
	known := make(map[eventKey]struct{}, len(existing))
	for _, ev := range existing {
		known[keyOf(ev)] = struct{}{}
	}

	var added []models.Event
	for _, ev := range detected {
		k := keyOf(ev)
		if _, ok := known[k]; ok {
			continue
		}
		known[k] = struct{}{}
		added = append(added, ev)
	}
	if len(added) == 0 {
		return existing, nil, false
	}

	merged := make([]models.Event, 0, len(existing)+len(added))
	merged = append(merged, existing...)
	merged = append(merged, added...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged, added, true
}

// DetectFunc detects events given the events already stored in a partition.
type DetectFunc func(existing []models.Event) []models.Event

// MergeFunc returns an UpdateFunc that runs detect against the stored events
// and adds what it finds through MergeDetected. The added events are recorded
// in added and the number of events the partition held before in stored;
// either may be nil.
func MergeFunc(detect DetectFunc, added *[]models.Event, stored *int) UpdateFunc {
	return func(existing []models.Event) ([]models.Event, bool, error) {
		if stored != nil {
			*stored = len(existing)
		}
		merged, fresh, changed := MergeDetected(existing, detect(existing))
		if added != nil {
			*added = fresh
		}
		return merged, changed, nil
	}
}
