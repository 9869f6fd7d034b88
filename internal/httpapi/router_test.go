package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nilmstack/nilm-engine/internal/detector"
	"github.com/nilmstack/nilm-engine/internal/models"
	"github.com/nilmstack/nilm-engine/internal/services"
	"github.com/nilmstack/nilm-engine/internal/store"
)

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	ev := func(offset time.Duration, m float64) models.Event {
		return models.Event{Timestamp: base.Add(offset), ChangeType: models.ChangeTypeFor(m), Magnitude: m, PowerBefore: 100, PowerAfter: 100 + m, DeviceLabel: models.UnlabeledDevice}
	}
	require.NoError(t, st.Append(ctx, "p1", []models.Event{ev(0, 1200), ev(time.Minute, -1200)}))
	require.NoError(t, st.Append(ctx, "p2", []models.Event{ev(time.Hour, 1200), ev(2*time.Hour, 60)}))
	require.NoError(t, st.WritePower(ctx, "p1", []models.PowerRecord{
		{Timestamp: base, Power: 100},
		{Timestamp: base.Add(time.Second), Power: 1300, PowerChange: 1200},
	}))

	app, err := services.NewApp(services.Deps{Store: st, Detector: detector.New(20, 2), NAppliances: 3})
	require.NoError(t, err)

	srv := httptest.NewServer(Handler(app, nil, nil))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestHealthAndStatus(t *testing.T) {
	srv := newTestServer(t)

	var health map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &health))
	require.Equal(t, "ok", health["status"])

	var status struct {
		CollectionStatus string       `json:"collection_status"`
		Stats            models.Stats `json:"stats"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &status))
	require.Equal(t, "stopped", status.CollectionStatus)
	require.Equal(t, 4, status.Stats.TotalEvents)
	require.Equal(t, 4, status.Stats.UnlabeledEvents)
}

func TestLabelFlow(t *testing.T) {
	srv := newTestServer(t)

	var labeled map[string]any
	code := postJSON(t, srv.URL+"/api/events/label", `{"power_change": 1200, "device_name": "kettle"}`, &labeled)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Events labeled successfully", labeled["message"])
	require.Equal(t, 2.0, labeled["updated"])

	var unlabeled struct {
		Events []models.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/events/unlabeled", &unlabeled))
	require.Len(t, unlabeled.Events, 2)

	var all struct {
		Data []models.Event `json:"data"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/data/events", &all))
	require.Len(t, all.Data, 4)
	require.Equal(t, "kettle", all.Data[0].DeviceLabel)
	require.Equal(t, 3, all.Data[0].Confidence)

	var again map[string]any
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/api/events/label", `{"power_change": 1200, "device_name": "kettle"}`, &again))
	require.Equal(t, 0.0, again["updated"])
}

func TestLabelValidation(t *testing.T) {
	srv := newTestServer(t)

	cases := map[string]string{
		"missing power":   `{"device_name": "kettle"}`,
		"missing device":  `{"power_change": 1200}`,
		"sentinel name":   `{"power_change": 1200, "device_name": "unlabeled"}`,
		"bad confidence":  `{"power_change": 1200, "device_name": "kettle", "confidence": 7}`,
		"zero confidence": `{"power_change": 1200, "device_name": "kettle", "confidence": 0}`,
		"not json":        `power=1200`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var out map[string]any
			require.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/api/events/label", body, &out))
			require.NotEmpty(t, out["error"])
		})
	}
}

func TestStatisticsAndPower(t *testing.T) {
	srv := newTestServer(t)

	var stats struct {
		Statistics map[string]int           `json:"statistics"`
		Buckets    []models.MagnitudeBucket `json:"buckets"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/events/statistics", &stats))
	require.Equal(t, 2, stats.Statistics["1200"])
	require.Equal(t, 1, stats.Statistics["-1200"])
	require.Len(t, stats.Buckets, 3)

	var power struct {
		Data []models.PowerRecord `json:"data"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/data/power", &power))
	require.Len(t, power.Data, 2)
	require.Equal(t, 1300.0, power.Data[1].Power)
}

func TestModelRoutes(t *testing.T) {
	srv := newTestServer(t)

	var notReady map[string]any
	require.Equal(t, http.StatusConflict, getJSON(t, srv.URL+"/api/model/predictions", &notReady))

	var trained struct {
		Run models.TrainingRun `json:"run"`
	}
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/api/model/train", `{"n_appliances": 2}`, &trained))
	require.Equal(t, 2, trained.Run.RequestedClusters)
	require.Equal(t, 2, trained.Run.EffectiveClusters)

	resp, err := http.Post(srv.URL+"/api/model/train", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var preds struct {
		Predictions []models.Prediction `json:"predictions"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/model/predictions", &preds))
	require.Len(t, preds.Predictions, 4)

	var report services.ApplianceReport
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/model/appliances", &report))
	require.Equal(t, 3, report.Run.RequestedClusters)
	require.NotEmpty(t, report.Stats)

	var runs map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/model/runs", &runs))
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/model/runs?limit=x", &runs))
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/status", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
