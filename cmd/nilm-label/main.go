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
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nilmstack/nilm-engine/internal/api"
	"github.com/nilmstack/nilm-engine/internal/config"
	"github.com/nilmstack/nilm-engine/internal/models"
	"github.com/nilmstack/nilm-engine/internal/services"
	"github.com/nilmstack/nilm-engine/internal/utils"
)

func main() {
	var (
		configPath string
		remote     string
		timeout    time.Duration
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&remote, "remote", "", "Label through a running engine at this gRPC address instead of the local data directory")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Per-call timeout in remote mode")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var b backend
	if remote != "" {
		conn, err := grpc.NewClient(remote, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Error("failed to dial engine", slog.String("address", remote), slog.Any("error", err))
			os.Exit(1)
		}
		defer conn.Close()
		b = remoteBackend{client: api.NewClient(conn), timeout: timeout}
	} else {
		app, closeApp, err := services.OpenOffline(cfg, logger)
		if err != nil {
			logger.Error("failed to open data directory", slog.Any("error", err))
			os.Exit(1)
		}
		defer closeApp()
		b = localBackend{app: app}
	}

	if _, err := newSession(b, os.Stdin, os.Stdout).run(ctx); err != nil {
		logger.Error("labeling failed", slog.Any("error", err))
		os.Exit(1)
	}
}

type localBackend struct {
	app *services.App
}

func (l localBackend) Unlabeled(ctx context.Context) ([]models.Event, error) {
	return l.app.Unlabeled(ctx)
}

func (l localBackend) Label(ctx context.Context, req models.LabelRequest) (int, error) {
	result, err := l.app.Label(ctx, req)
	if err != nil {
		return 0, err
	}
	return result.Updated, nil
}

type remoteBackend struct {
	client  *api.Client
	timeout time.Duration
}

func (r remoteBackend) Unlabeled(ctx context.Context) ([]models.Event, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	resp, err := r.client.ListUnlabeled(ctx, &structpb.Struct{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Events []models.Event `json:"events"`
	}
	if err := decodeStruct(resp, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (r remoteBackend) Label(ctx context.Context, req models.LabelRequest) (int, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()
	in, err := structpb.NewStruct(map[string]any{
		"power_change": req.PowerChange,
		"device_name":  req.DeviceName,
		"confidence":   req.Confidence,
	})
	if err != nil {
		return 0, err
	}
	resp, err := r.client.LabelEvents(ctx, in)
	if err != nil {
		return 0, err
	}
	return int(resp.GetFields()["updated"].GetNumberValue()), nil
}

func (r remoteBackend) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func decodeStruct(in *structpb.Struct, out any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
