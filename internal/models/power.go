package models

import "time"

// PowerSample is a single reading of aggregate household power.
type PowerSample struct {
	Timestamp time.Time
	Power     float64
}

// PowerRecord is a persisted power row, including the change against the previous sample.
type PowerRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Power       float64   `json:"power"`
	PowerChange float64   `json:"power_change"`
}

// Sample converts the persisted row back into a PowerSample.
func (r PowerRecord) Sample() PowerSample {
	return PowerSample{Timestamp: r.Timestamp, Power: r.Power}
}
