package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// appliance toggles on for onFor out of every period.
type appliance struct {
	name   string
	watts  float64
	period time.Duration
	onFor  time.Duration
	offset time.Duration
}

var appliances = []appliance{
	{name: "fridge", watts: 60, period: 20 * time.Minute, onFor: 8 * time.Minute},
	{name: "kettle", watts: 1200, period: 45 * time.Minute, onFor: 3 * time.Minute, offset: 10 * time.Minute},
	{name: "washer", watts: 500, period: 2 * time.Hour, onFor: 40 * time.Minute, offset: 30 * time.Minute},
}

const baseLoad = 150.0

func main() {
	var (
		addr  string
		speed float64
		token string
	)
	flag.StringVar(&addr, "addr", ":8123", "Listen address")
	flag.Float64Var(&speed, "speed", 60, "Simulated seconds per wall-clock second")
	flag.StringVar(&token, "token", "", "Bearer token to require; empty accepts any")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	start := time.Now()

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/states/{entity}", func(w http.ResponseWriter, req *http.Request) {
		if token != "" && req.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		now := time.Now()
		elapsed := time.Duration(float64(now.Sub(start)) * speed)
		writeJSON(w, map[string]any{
			"entity_id":    mux.Vars(req)["entity"],
			"state":        strconv.FormatFloat(powerAt(elapsed), 'f', 1, 64),
			"last_updated": now.UTC().Format(time.RFC3339Nano),
			"attributes": map[string]any{
				"unit_of_measurement": "W",
				"device_class":        "power",
			},
		})
	}).Methods(http.MethodGet)

	for _, a := range appliances {
		logger.Info("simulating appliance", slog.String("name", a.name), slog.Float64("watts", a.watts), slog.Duration("period", a.period))
	}
	logger.Info("mock home assistant listening", slog.String("addr", addr), slog.Float64("speed", speed))
	if err := http.ListenAndServe(addr, r); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func powerAt(elapsed time.Duration) float64 {
	total := baseLoad
	for _, a := range appliances {
		phase := (elapsed + a.period - a.offset%a.period) % a.period
		if phase < a.onFor {
			total += a.watts
		}
	}
	return total
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
