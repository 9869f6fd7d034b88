package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/nilmstack/nilm-engine/internal/models"
	"github.com/nilmstack/nilm-engine/internal/nilm"
	"github.com/nilmstack/nilm-engine/internal/reconcile"
	"github.com/nilmstack/nilm-engine/internal/services"
	"github.com/nilmstack/nilm-engine/internal/utils"
)

// Backend is the application surface behind the dashboard API.
type Backend interface {
	Status(ctx context.Context) (services.StatusReport, error)
	Unlabeled(ctx context.Context) ([]models.Event, error)
	Label(ctx context.Context, req models.LabelRequest) (reconcile.Result, error)
	Statistics(ctx context.Context) ([]models.MagnitudeBucket, error)
	Power(ctx context.Context) ([]models.PowerRecord, error)
	Events(ctx context.Context) ([]models.Event, error)
	Train(ctx context.Context, n int) (*nilm.Model, error)
	Predictions(ctx context.Context) ([]models.Prediction, error)
	Appliances(ctx context.Context) (services.ApplianceReport, error)
	Runs(ctx context.Context, limit int) ([]models.TrainingRun, error)
}

type server struct {
	backend Backend
	log     *slog.Logger
}

// NewRouter registers every dashboard route.
func NewRouter(backend Backend, log *slog.Logger) *mux.Router {
	if log == nil {
		log = slog.Default()
	}
	s := &server{backend: backend, log: log}
	r := mux.NewRouter()

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/api/events/unlabeled", s.unlabeled).Methods(http.MethodGet)
	r.HandleFunc("/api/events/label", s.label).Methods(http.MethodPost)
	r.HandleFunc("/api/events/statistics", s.statistics).Methods(http.MethodGet)
	r.HandleFunc("/api/data/power", s.power).Methods(http.MethodGet)
	r.HandleFunc("/api/data/events", s.events).Methods(http.MethodGet)
	r.HandleFunc("/api/model/train", s.train).Methods(http.MethodPost)
	r.HandleFunc("/api/model/predictions", s.predictions).Methods(http.MethodGet)
	r.HandleFunc("/api/model/appliances", s.appliances).Methods(http.MethodGet)
	r.HandleFunc("/api/model/runs", s.runs).Methods(http.MethodGet)

	return r
}

// Handler wraps the router with access logging and panic recovery.
func Handler(backend Backend, log *slog.Logger, accessLog io.Writer) http.Handler {
	router := NewRouter(backend, log)
	recovered := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(router)
	if accessLog == nil {
		return recovered
	}
	return handlers.LoggingHandler(accessLog, recovered)
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	report, err := s.backend.Status(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) unlabeled(w http.ResponseWriter, r *http.Request) {
	events, err := s.backend.Unlabeled(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func (s *server) label(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PowerChange *float64 `json:"power_change"`
		DeviceName  string   `json:"device_name"`
		Confidence  *int     `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.PowerChange == nil || *req.PowerChange == 0 || req.DeviceName == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	labelReq := models.LabelRequest{PowerChange: *req.PowerChange, DeviceName: req.DeviceName, Confidence: models.DefaultConfidence}
	if req.Confidence != nil {
		labelReq.Confidence = *req.Confidence
	}

	result, err := s.backend.Label(r.Context(), labelReq)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	message := "Events labeled successfully"
	if result.NoMatch() {
		message = "No unlabeled events matched"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      message,
		"updated":      result.Updated,
		"power_change": result.MagnitudeKey,
		"partitions":   result.ByPartition,
		"skipped":      nonNil(result.Skipped),
	})
}

func (s *server) statistics(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.backend.Statistics(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	counts := make(map[string]int, len(buckets))
	for _, b := range buckets {
		counts[strconv.FormatFloat(b.Magnitude, 'f', -1, 64)] = b.Count
	}
	writeJSON(w, http.StatusOK, map[string]any{"statistics": counts, "buckets": nonNil(buckets)})
}

func (s *server) power(w http.ResponseWriter, r *http.Request) {
	records, err := s.backend.Power(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(records)})
}

func (s *server) events(w http.ResponseWriter, r *http.Request) {
	events, err := s.backend.Events(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": nonNil(events)})
}

func (s *server) train(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NAppliances int `json:"n_appliances"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if req.NAppliances < 0 {
		writeError(w, http.StatusBadRequest, "n_appliances must be >= 1")
		return
	}
	model, err := s.backend.Train(r.Context(), req.NAppliances)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": model.Run()})
}

func (s *server) predictions(w http.ResponseWriter, r *http.Request) {
	preds, err := s.backend.Predictions(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": nonNil(preds)})
}

func (s *server) appliances(w http.ResponseWriter, r *http.Request) {
	report, err := s.backend.Appliances(r.Context())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) runs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.backend.Runs(r.Context(), limit)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

func (s *server) writeAppError(w http.ResponseWriter, err error) {
	switch utils.KindOf(err) {
	case utils.KindInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case utils.KindConflict, utils.KindNotReady:
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
