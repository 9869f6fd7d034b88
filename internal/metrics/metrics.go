package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful training runs.
	OutcomeSuccess = "success"
	// OutcomeError labels failed training runs.
	OutcomeError = "error"

	// LabelUpdated labels label requests that changed at least one event.
	LabelUpdated = "updated"
	// LabelNoMatch labels label requests that matched nothing.
	LabelNoMatch = "no_match"
	// LabelError labels label requests that failed.
	LabelError = "error"
)

var (
	eventsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nilm",
			Name:      "events_detected_total",
			Help:      "Total number of power events detected, partitioned by change type.",
		},
		[]string{"change_type"},
	)

	labelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nilm",
			Name:      "label_requests_total",
			Help:      "Total number of label requests handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	eventsLabeledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nilm",
			Name:      "events_labeled_total",
			Help:      "Total number of events that received a device label.",
		},
	)

	partitionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nilm",
			Name:      "partition_errors_total",
			Help:      "Partitions or rows skipped because they could not be parsed.",
		},
		[]string{"kind"},
	)

	trainingRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nilm",
			Name:      "training_runs_total",
			Help:      "Total number of appliance model training runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	trainingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "nilm",
			Name:      "training_seconds",
			Help:      "Appliance model training latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	appliancesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nilm",
			Name:      "appliances",
			Help:      "Effective number of appliance clusters in the current model.",
		},
	)

	powerSamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nilm",
			Name:      "power_samples_total",
			Help:      "Total number of power samples collected from Home Assistant.",
		},
	)
)

// Register attaches nilm collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsDetectedTotal,
		labelRequestsTotal,
		eventsLabeledTotal,
		partitionErrorsTotal,
		trainingRunsTotal,
		trainingDurationSeconds,
		appliancesGauge,
		powerSamplesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveDetection records detected events per change type.
func ObserveDetection(on, off int) {
	eventsDetectedTotal.WithLabelValues("on").Add(float64(on))
	eventsDetectedTotal.WithLabelValues("off").Add(float64(off))
}

// ObserveLabel records a label request outcome and the number of events it changed.
func ObserveLabel(outcome string, updated int) {
	labelRequestsTotal.WithLabelValues(outcome).Inc()
	if updated > 0 {
		eventsLabeledTotal.Add(float64(updated))
	}
}

// ObservePartitionError records a skipped partition ("file") or row ("row").
func ObservePartitionError(kind string) {
	partitionErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveTraining records a training duration, outcome and resulting cluster count.
func ObserveTraining(duration time.Duration, outcome string, clusters int) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	trainingRunsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	trainingDurationSeconds.Observe(duration.Seconds())
	if label == OutcomeSuccess {
		appliancesGauge.Set(float64(clusters))
	}
}

// ObservePowerSamples records collected power samples.
func ObservePowerSamples(n int) {
	powerSamplesTotal.Add(float64(n))
}
