package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nilmstack/nilm-engine/internal/models"
	"github.com/nilmstack/nilm-engine/internal/store"
)

// ErrInvalidLabel signals a label request with a missing device name or a
// confidence outside 1..5.
var ErrInvalidLabel = errors.New("invalid label request")

// PartitionStore is the part of the event store the reconciler needs.
type PartitionStore interface {
	Partitions(ctx context.Context) ([]string, error)
	Update(ctx context.Context, partitionID string, fn store.UpdateFunc) (bool, error)
}

// Result reports what a label request changed.
type Result struct {
	MagnitudeKey float64
	DeviceName   string
	Confidence   int
	Updated      int
	ByPartition  map[string]int
	Skipped      []string
}

// NoMatch reports whether the request matched zero unlabeled events.
func (r Result) NoMatch() bool { return r.Updated == 0 }

// Reconciler applies operator labels to matching unlabeled events in every partition.
type Reconciler struct {
	store      PartitionStore
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithRetry sets how often a busy partition is retried and the pause between tries.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(r *Reconciler) {
		if maxRetries >= 0 {
			r.maxRetries = maxRetries
		}
		if backoff >= 0 {
			r.backoff = backoff
		}
	}
}

// New constructs a Reconciler over st.
func New(st PartitionStore, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		store:      st,
		logger:     logger.With(slog.String("component", "reconciler")),
		maxRetries: 3,
		backoff:    50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Label sets deviceName and confidence on every unlabeled event whose
// quantized magnitude equals the quantized magnitudeKey, in every partition.
// Labeled events are never touched and partitions without matches are not
// rewritten. Malformed partitions are skipped and listed in the result.
func (r *Reconciler) Label(ctx context.Context, magnitudeKey float64, deviceName string, confidence int) (Result, error) {
	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" || strings.EqualFold(deviceName, models.UnlabeledDevice) {
		return Result{}, fmt.Errorf("%w: device name is required", ErrInvalidLabel)
	}
	if confidence < 1 || confidence > 5 {
		return Result{}, fmt.Errorf("%w: confidence %d not in 1..5", ErrInvalidLabel, confidence)
	}

	key := models.QuantizeMagnitude(magnitudeKey)
	result := Result{
		MagnitudeKey: key,
		DeviceName:   deviceName,
		Confidence:   confidence,
		ByPartition:  make(map[string]int),
	}

	ids, err := r.store.Partitions(ctx)
	if err != nil {
		return result, fmt.Errorf("list partitions: %w", err)
	}

	for _, id := range ids {
		updated, err := r.labelPartition(ctx, id, key, deviceName, confidence)
		if err != nil {
			var malformed *store.MalformedPartitionError
			if errors.As(err, &malformed) {
				r.logger.Warn("skipping malformed partition", slog.String("partition", id), slog.Any("error", malformed.Err))
				result.Skipped = append(result.Skipped, id)
				continue
			}
			return result, fmt.Errorf("label partition %s: %w", id, err)
		}
		if updated > 0 {
			result.ByPartition[id] = updated
			result.Updated += updated
		}
	}

	if result.NoMatch() {
		r.logger.Warn("label request matched no unlabeled events",
			slog.Float64("power_change", key),
			slog.String("device", deviceName),
		)
	} else {
		r.logger.Info("labeled events",
			slog.Float64("power_change", key),
			slog.String("device", deviceName),
			slog.Int("confidence", confidence),
			slog.Int("updated", result.Updated),
			slog.Int("partitions", len(result.ByPartition)),
		)
	}
	return result, nil
}

func (r *Reconciler) labelPartition(ctx context.Context, id string, key float64, deviceName string, confidence int) (int, error) {
	var updated int
	apply := func(events []models.Event) ([]models.Event, bool, error) {
		updated = 0
		for i := range events {
			if events[i].Labeled() {
				continue
			}
			if models.QuantizeMagnitude(events[i].Magnitude) != key {
				continue
			}
			events[i].DeviceLabel = deviceName
			events[i].Confidence = confidence
			updated++
		}
		return events, updated > 0, nil
	}

	for attempt := 0; ; attempt++ {
		_, err := r.store.Update(ctx, id, apply)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrStoreConcurrency) || attempt >= r.maxRetries {
			return 0, err
		}
		r.logger.Debug("partition busy, retrying", slog.String("partition", id), slog.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(r.backoff):
		}
	}
}
