package nilm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nilmstack/nilm-engine/internal/models"
)

func TestSummarizeGroupsByPredictedAppliance(t *testing.T) {
	events := eventsOf(1200, 1000, 60, -1100)
	events[0].DeviceLabel = "kettle"
	events[1].DeviceLabel = "kettle"
	events[3].DeviceLabel = "toaster"
	preds := []models.Prediction{
		{Event: events[0], ApplianceID: 1},
		{Event: events[1], ApplianceID: 1},
		{Event: events[2], ApplianceID: 0},
		{Event: events[3], ApplianceID: 1},
	}

	stats := Summarize(preds)
	require.Len(t, stats, 2)

	require.Equal(t, 0, stats[0].ApplianceID)
	require.Equal(t, 1, stats[0].Count)
	require.InDelta(t, 60, stats[0].MagnitudeMean, 1e-9)
	require.InDelta(t, 0, stats[0].MagnitudeStd, 1e-9)
	require.Empty(t, stats[0].DominantLabel)
	require.Zero(t, stats[0].LabeledMembers)

	require.Equal(t, 1, stats[1].ApplianceID)
	require.Equal(t, 3, stats[1].Count)
	require.InDelta(t, 1100.0/3, stats[1].MagnitudeMean, 1e-9)
	require.InDelta(t, (1300+1100-1000)/3.0, stats[1].PowerAfterMean, 1e-9)
	require.Equal(t, "kettle", stats[1].DominantLabel)
	require.Equal(t, 3, stats[1].LabeledMembers)
	require.InDelta(t, 2.0/3, stats[1].LabelPurity, 1e-9)
}

func TestSummarizeEmpty(t *testing.T) {
	require.Empty(t, Summarize(nil))
}

func TestEvaluatePurity(t *testing.T) {
	events := eventsOf(1200, 1210, 60, 65, 70)
	events[0].DeviceLabel = "kettle"
	events[1].DeviceLabel = "kettle"
	events[2].DeviceLabel = "lamp"
	events[3].DeviceLabel = "radio"
	preds := []models.Prediction{
		{Event: events[0], ApplianceID: 1},
		{Event: events[1], ApplianceID: 1},
		{Event: events[2], ApplianceID: 0},
		{Event: events[3], ApplianceID: 0},
		{Event: events[4], ApplianceID: 0},
	}

	eval := Evaluate(preds)
	require.Equal(t, 4, eval.LabeledEvents)
	require.Equal(t, 3, eval.Agreeing)
	require.InDelta(t, 0.75, eval.Purity, 1e-9)

	require.Equal(t, Evaluation{}, Evaluate(eventsPreds(eventsOf(10, 20))))
}

func eventsPreds(events []models.Event) []models.Prediction {
	preds := make([]models.Prediction, len(events))
	for i, ev := range events {
		preds[i] = models.Prediction{Event: ev}
	}
	return preds
}
