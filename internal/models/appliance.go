package models

import "time"

// Appliance is a magnitude signature discovered by a training run.
type Appliance struct {
	ID            int        `json:"id"`
	ChangeType    ChangeType `json:"change_type"`
	SignatureMean float64    `json:"signature_mean"`
	SignatureStd  float64    `json:"signature_std"`
	MemberCount   int        `json:"member_count"`
	PairedID      int        `json:"paired_id"`
}

// Prediction assigns one event to an appliance cluster.
type Prediction struct {
	Event       Event   `json:"event"`
	ApplianceID int     `json:"appliance_id"`
	Distance    float64 `json:"distance"`
}

// ApplianceStats aggregates predictions per appliance.
type ApplianceStats struct {
	ApplianceID    int     `json:"appliance_id"`
	Count          int     `json:"count"`
	MagnitudeMean  float64 `json:"magnitude_mean"`
	MagnitudeStd   float64 `json:"magnitude_std"`
	PowerAfterMean float64 `json:"power_after_mean"`
	PowerAfterStd  float64 `json:"power_after_std"`
	DominantLabel  string  `json:"dominant_label,omitempty"`
	LabelPurity    float64 `json:"label_purity"`
	LabeledMembers int     `json:"labeled_members"`
}

// TrainingRun records one training pass.
type TrainingRun struct {
	ID                string      `json:"id"`
	RequestedClusters int         `json:"requested_clusters"`
	EffectiveClusters int         `json:"effective_clusters"`
	EventCount        int         `json:"event_count"`
	Appliances        []Appliance `json:"appliances"`
	Warnings          []string    `json:"warnings,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// DefaultConfidence applies when a label request leaves confidence out.
const DefaultConfidence = 3

// LabelRequest is the operator's instruction to label a magnitude bucket.
type LabelRequest struct {
	PowerChange float64 `json:"power_change"`
	DeviceName  string  `json:"device_name"`
	Confidence  int     `json:"confidence"`
}
