package models

import (
	"math"
	"time"
)

// UnlabeledDevice is the device name sentinel for events nobody has identified yet.
const UnlabeledDevice = "unlabeled"

// magnitudeScale quantizes magnitudes to 0.1 W.
const magnitudeScale = 10

// ChangeType classifies a step change in power.
type ChangeType string

const (
	ChangeOn  ChangeType = "on"
	ChangeOff ChangeType = "off"
)

// ChangeTypeFor returns ON for positive magnitudes and OFF otherwise.
func ChangeTypeFor(magnitude float64) ChangeType {
	if magnitude > 0 {
		return ChangeOn
	}
	return ChangeOff
}

// Event is a detected step change in the aggregate power signal.
type Event struct {
	Timestamp   time.Time  `json:"timestamp"`
	ChangeType  ChangeType `json:"change_type"`
	Magnitude   float64    `json:"power_change"`
	PowerBefore float64    `json:"power_before"`
	PowerAfter  float64    `json:"power_after"`
	DeviceLabel string     `json:"device_name"`
	Confidence  int        `json:"confidence"`
	PartitionID string     `json:"partition_id"`
}

// Labeled reports whether an operator has assigned a device to the event.
func (e Event) Labeled() bool {
	return e.DeviceLabel != "" && e.DeviceLabel != UnlabeledDevice
}

// AbsMagnitude returns |Magnitude|.
func (e Event) AbsMagnitude() float64 {
	return math.Abs(e.Magnitude)
}

// QuantizeMagnitude rounds a power value to 0.1 W. Quantized
// magnitudes are the keys label reconciliation matches on.
func QuantizeMagnitude(value float64) float64 {
	q := math.Round(value*magnitudeScale) / magnitudeScale
	if q == 0 {
		return 0
	}
	return q
}

// Stats summarises the contents of the event store.
type Stats struct {
	TotalEvents     int        `json:"total_events"`
	UnlabeledEvents int        `json:"unlabeled_events"`
	LabeledEvents   int        `json:"labeled_events"`
	Partitions      int        `json:"partitions"`
	LastUpdate      *time.Time `json:"last_update"`
}

// MagnitudeBucket counts unlabeled events sharing one exact magnitude.
type MagnitudeBucket struct {
	Magnitude  float64    `json:"power_change"`
	ChangeType ChangeType `json:"change_type"`
	Count      int        `json:"count"`
}
