package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nilmstack/nilm-engine/internal/config"
	"github.com/nilmstack/nilm-engine/internal/services"
	"github.com/nilmstack/nilm-engine/internal/utils"
)

func main() {
	var (
		configPath string
		n          int
		skipDetect bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.IntVar(&n, "n", 0, "Number of appliances to cluster (defaults to nilm_model.n_appliances)")
	flag.BoolVar(&skipDetect, "skip-detect", false, "Train on stored events without re-running detection")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, n, skipDetect); err != nil {
		logger.Error("training failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, n int, skipDetect bool) error {
	app, closeApp, err := services.OpenOffline(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeApp(); err != nil {
			logger.Warn("close failed", slog.Any("error", err))
		}
	}()

	if !skipDetect {
		added, err := app.Detect(ctx)
		if err != nil {
			return fmt.Errorf("detect events: %w", err)
		}
		logger.Info("event detection finished", slog.Int("new_events", added))
	}

	events, err := app.Events(ctx)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		logger.Warn("no events detected, cannot train model")
		return nil
	}

	model, err := app.Train(ctx, n)
	if err != nil {
		return err
	}
	for _, w := range model.Warnings {
		logger.Warn("training warning", slog.String("warning", w))
	}

	report, err := app.Appliances(ctx)
	if err != nil {
		return fmt.Errorf("build appliance report: %w", err)
	}
	for _, st := range report.Stats {
		logger.Info("appliance",
			slog.Int("id", st.ApplianceID),
			slog.Int("events", st.Count),
			slog.Float64("mean_change", st.MagnitudeMean),
			slog.String("dominant_label", st.DominantLabel),
		)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
