package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nilmstack/nilm-engine/internal/api"
	"github.com/nilmstack/nilm-engine/internal/collector"
	"github.com/nilmstack/nilm-engine/internal/config"
	"github.com/nilmstack/nilm-engine/internal/detector"
	"github.com/nilmstack/nilm-engine/internal/httpapi"
	"github.com/nilmstack/nilm-engine/internal/metrics"
	"github.com/nilmstack/nilm-engine/internal/modelstore"
	"github.com/nilmstack/nilm-engine/internal/publish"
	"github.com/nilmstack/nilm-engine/internal/services"
	"github.com/nilmstack/nilm-engine/internal/store"
	"github.com/nilmstack/nilm-engine/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	var extra []io.Writer
	logFile, err := utils.OpenLogFile(cfg.Logging.File)
	if err != nil {
		slog.Error("failed to open log file", slog.String("path", cfg.Logging.File), slog.Any("error", err))
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
		extra = append(extra, logFile)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON, extra...)
	logger.Info("starting nilm-engine",
		slog.String("grpc_address", cfg.Server.Address),
		slog.String("http_address", cfg.Server.HTTPAddress),
		slog.String("data_dir", cfg.Storage.DataDir),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	eventStore, err := store.NewFileStore(cfg.Storage.DataDir, logger)
	if err != nil {
		logger.Error("failed to open event store", slog.Any("error", err))
		os.Exit(1)
	}

	var runs services.RunStore
	if cfg.Storage.ModelDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.ModelDB), 0o755); err != nil {
			logger.Error("failed to create model directory", slog.Any("error", err))
			os.Exit(1)
		}
		db, err := modelstore.Open(cfg.Storage.ModelDB)
		if err != nil {
			logger.Error("failed to open model store", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()
		runs = db
	}

	var publisher publish.Publisher = publish.Noop{}
	if cfg.Kafka.Enabled {
		kp, err := publish.NewKafka(publish.Config{
			Brokers:     cfg.Kafka.Brokers,
			EventsTopic: cfg.Kafka.EventsTopic,
			LabelsTopic: cfg.Kafka.LabelsTopic,
		}, logger)
		if err != nil {
			logger.Warn("kafka publisher unavailable", slog.Any("error", err))
		} else {
			publisher = kp
		}
	}
	defer publisher.Close()

	det := detector.New(cfg.EventDetection.Threshold, cfg.EventDetection.MinPeakDistance)

	var coll *collector.Collector
	deps := services.Deps{
		Store:       eventStore,
		Runs:        runs,
		Publisher:   publisher,
		Detector:    det,
		NAppliances: cfg.NILMModel.NAppliances,
		Logger:      logger,
	}
	if cfg.DataCollection.Enabled {
		source := collector.NewHomeAssistantClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, cfg.HomeAssistant.EntityID, cfg.HomeAssistant.Timeout)
		coll = collector.New(source, eventStore, det, publisher, collector.Options{
			Interval:     cfg.DataCollection.Interval,
			SaveInterval: cfg.DataCollection.SaveInterval,
			MaxSamples:   cfg.DataCollection.MaxSamples,
			RetryDelay:   cfg.DataCollection.RetryDelay,
		}, logger)
		deps.Collector = coll
	}

	app, err := services.NewApp(deps)
	if err != nil {
		logger.Error("failed to build application", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Restore(ctx); err != nil {
		logger.Warn("model restore failed", slog.Any("error", err))
	}

	server, err := api.NewServer(cfg.Server, api.NewService(app, logger), logger)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	var httpServer *http.Server
	if cfg.Server.HTTPAddress != "" {
		httpServer = &http.Server{
			Addr:         cfg.Server.HTTPAddress,
			Handler:      httpapi.Handler(app, logger, os.Stdout),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		go func() {
			logger.Info("http server listening", slog.String("address", cfg.Server.HTTPAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	grpcDone := make(chan struct{})
	go func() {
		defer close(grpcDone)
		if serveErr := server.Run(ctx); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	collectorDone := make(chan struct{})
	if coll != nil {
		go func() {
			defer close(collectorDone)
			if err := coll.Run(ctx); err != nil {
				logger.Error("data collection failed", slog.Any("error", err))
			}
		}()
	} else {
		close(collectorDone)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	for _, srv := range []*http.Server{httpServer, metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http shutdown", slog.String("address", srv.Addr), slog.Any("error", err))
		}
	}

	<-grpcDone
	select {
	case <-collectorDone:
	case <-shutdownCtx.Done():
		logger.Warn("collector did not stop before the graceful timeout")
	}
	logger.Info("nilm-engine stopped")
}
