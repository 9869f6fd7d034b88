package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestObserveLabelCountsUpdates(t *testing.T) {
	before := counterValue(t, eventsLabeledTotal)
	ObserveLabel(LabelUpdated, 3)
	ObserveLabel(LabelNoMatch, 0)
	require.Equal(t, before+3, counterValue(t, eventsLabeledTotal))
}

func TestObserveTrainingSetsGauge(t *testing.T) {
	ObserveTraining(20*time.Millisecond, OutcomeSuccess, 4)
	require.Equal(t, 4.0, gaugeValue(t, appliancesGauge))
	ObserveTraining(time.Millisecond, OutcomeError, 9)
	require.Equal(t, 4.0, gaugeValue(t, appliancesGauge))
}
