package services

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nilmstack/nilm-engine/internal/config"
	"github.com/nilmstack/nilm-engine/internal/detector"
	"github.com/nilmstack/nilm-engine/internal/modelstore"
	"github.com/nilmstack/nilm-engine/internal/publish"
	"github.com/nilmstack/nilm-engine/internal/store"
)

// OpenOffline builds an App over the configured data directory for the
// command line tools. It has no collector attached. The returned close
// function releases the model database and the publisher.
func OpenOffline(cfg *config.Config, logger *slog.Logger) (*App, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	eventStore, err := store.NewFileStore(cfg.Storage.DataDir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open event store: %w", err)
	}

	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	deps := Deps{
		Store:       eventStore,
		Publisher:   publish.Noop{},
		Detector:    detector.New(cfg.EventDetection.Threshold, cfg.EventDetection.MinPeakDistance),
		NAppliances: cfg.NILMModel.NAppliances,
		Logger:      logger,
	}

	if cfg.Storage.ModelDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.ModelDB), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create model directory: %w", err)
		}
		db, err := modelstore.Open(cfg.Storage.ModelDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open model store: %w", err)
		}
		closers = append(closers, db.Close)
		deps.Runs = db
	}

	if cfg.Kafka.Enabled {
		kp, err := publish.NewKafka(publish.Config{
			Brokers:     cfg.Kafka.Brokers,
			EventsTopic: cfg.Kafka.EventsTopic,
			LabelsTopic: cfg.Kafka.LabelsTopic,
		}, logger)
		if err != nil {
			logger.Warn("kafka publisher unavailable", slog.Any("error", err))
		} else {
			closers = append(closers, kp.Close)
			deps.Publisher = kp
		}
	}

	app, err := NewApp(deps)
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	return app, closeAll, nil
}
