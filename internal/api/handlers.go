package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nilmstack/nilm-engine/internal/models"
	"github.com/nilmstack/nilm-engine/internal/nilm"
	"github.com/nilmstack/nilm-engine/internal/reconcile"
	"github.com/nilmstack/nilm-engine/internal/utils"
)

// Backend is the application surface exposed over gRPC.
type Backend interface {
	Unlabeled(ctx context.Context) ([]models.Event, error)
	Label(ctx context.Context, req models.LabelRequest) (reconcile.Result, error)
	Statistics(ctx context.Context) ([]models.MagnitudeBucket, error)
	Train(ctx context.Context, n int) (*nilm.Model, error)
	Predictions(ctx context.Context) ([]models.Prediction, error)
}

// Service implements NILMEngineServer over a Backend.
type Service struct {
	backend Backend
	logger  *slog.Logger
}

var _ NILMEngineServer = (*Service)(nil)

// NewService constructs the gRPC facade.
func NewService(backend Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, logger: logger}
}

// ListUnlabeled returns {"events": [...]}.
func (s *Service) ListUnlabeled(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	events, err := s.backend.Unlabeled(ctx)
	if err != nil {
		return nil, s.toStatus("list unlabeled", err)
	}
	return toStruct(map[string]any{"events": nonNil(events)})
}

// LabelEvents expects {"power_change", "device_name", "confidence"?}.
func (s *Service) LabelEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := FromStructLabelRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	result, err := s.backend.Label(ctx, req)
	if err != nil {
		return nil, s.toStatus("label events", err)
	}
	return toStruct(map[string]any{
		"message":      labelMessage(result),
		"updated":      result.Updated,
		"power_change": result.MagnitudeKey,
		"device_name":  result.DeviceName,
		"partitions":   result.ByPartition,
		"skipped":      nonNil(result.Skipped),
	})
}

// EventStatistics returns {"statistics": [{magnitude, change_type, count}]}.
func (s *Service) EventStatistics(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	buckets, err := s.backend.Statistics(ctx)
	if err != nil {
		return nil, s.toStatus("event statistics", err)
	}
	return toStruct(map[string]any{"statistics": nonNil(buckets)})
}

// TrainModel accepts an optional {"n_appliances"} and returns the run.
func (s *Service) TrainModel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	n := 0
	if v, ok := in.GetFields()["n_appliances"]; ok {
		n = int(v.GetNumberValue())
		if n < 1 {
			return nil, status.Error(codes.InvalidArgument, "n_appliances must be >= 1")
		}
	}
	model, err := s.backend.Train(ctx, n)
	if err != nil {
		return nil, s.toStatus("train model", err)
	}
	return toStruct(map[string]any{"run": model.Run()})
}

// Predict returns {"predictions": [...]} for every unlabeled event.
func (s *Service) Predict(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	preds, err := s.backend.Predictions(ctx)
	if err != nil {
		return nil, s.toStatus("predict", err)
	}
	return toStruct(map[string]any{"predictions": nonNil(preds)})
}

func (s *Service) toStatus(op string, err error) error {
	switch utils.KindOf(err) {
	case utils.KindInvalid:
		return status.Error(codes.InvalidArgument, err.Error())
	case utils.KindConflict:
		return status.Error(codes.Aborted, err.Error())
	case utils.KindNotReady:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		s.logger.Error(op+" failed", slog.Any("error", err))
		return status.Error(codes.Internal, op+" failed")
	}
}

// FromStructLabelRequest maps a Struct into a LabelRequest. A missing
// confidence becomes models.DefaultConfidence.
func FromStructLabelRequest(in *structpb.Struct) (models.LabelRequest, error) {
	fields := in.GetFields()
	change, ok := fields["power_change"]
	if !ok {
		return models.LabelRequest{}, fmt.Errorf("power_change is required")
	}
	if _, isNum := change.GetKind().(*structpb.Value_NumberValue); !isNum {
		return models.LabelRequest{}, fmt.Errorf("power_change must be a number")
	}
	name := fields["device_name"].GetStringValue()
	if name == "" {
		return models.LabelRequest{}, fmt.Errorf("device_name is required")
	}
	req := models.LabelRequest{PowerChange: change.GetNumberValue(), DeviceName: name, Confidence: models.DefaultConfidence}
	if v, ok := fields["confidence"]; ok {
		req.Confidence = int(v.GetNumberValue())
	}
	return req, nil
}

func labelMessage(result reconcile.Result) string {
	if result.NoMatch() {
		return "No unlabeled events matched"
	}
	return "Events labeled successfully"
}

// toStruct converts v into a Struct through its JSON form so field names
// match the HTTP API.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
