package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nilmstack/nilm-engine/internal/models"
)

// Publisher fans detected events and label updates out to downstream consumers.
type Publisher interface {
	PublishEvents(ctx context.Context, partitionID string, events []models.Event) error
	PublishLabel(ctx context.Context, update LabelUpdate) error
	Close() error
}

// LabelUpdate describes one applied labeling request.
type LabelUpdate struct {
	MagnitudeKey float64        `json:"power_change"`
	DeviceName   string         `json:"device_name"`
	Confidence   int            `json:"confidence"`
	Updated      int            `json:"updated"`
	ByPartition  map[string]int `json:"-"`
}

// EventMessage is the JSON value written per detected event.
type EventMessage struct {
	PartitionID string       `json:"partition_id"`
	Event       models.Event `json:"event"`
	PublishedAt time.Time    `json:"published_at"`
}

// LabelMessage is the JSON value written per partition touched by a label.
type LabelMessage struct {
	PartitionID  string    `json:"partition_id"`
	MagnitudeKey float64   `json:"power_change"`
	DeviceName   string    `json:"device_name"`
	Confidence   int       `json:"confidence"`
	Updated      int       `json:"updated"`
	PublishedAt  time.Time `json:"published_at"`
}

// Noop drops everything.
type Noop struct{}

func (Noop) PublishEvents(context.Context, string, []models.Event) error { return nil }
func (Noop) PublishLabel(context.Context, LabelUpdate) error { return nil }
func (Noop) Close() error { return nil }

// Config configures the Kafka publisher.
type Config struct {
	Brokers     []string
	EventsTopic string
	LabelsTopic string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var (
	_ Publisher = Noop{}
	_ Publisher = (*KafkaPublisher)(nil)
)

// KafkaPublisher writes JSON messages keyed by partition ID.
type KafkaPublisher struct {
	events messageWriter
	labels messageWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewKafka builds a publisher with one writer per topic.
func NewKafka(cfg Config, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("publish: at least one broker is required")
	}
	if strings.TrimSpace(cfg.EventsTopic) == "" || strings.TrimSpace(cfg.LabelsTopic) == "" {
		return nil, errors.New("publish: events and labels topics must not be empty")
	}
	return newKafkaWithWriters(writer(cfg.Brokers, cfg.EventsTopic), writer(cfg.Brokers, cfg.LabelsTopic), logger), nil
}

func writer(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

func newKafkaWithWriters(events, labels messageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		events: events,
		labels: labels,
		logger: logger.With(slog.String("component", "kafka-publisher")),
		now:    time.Now,
	}
}

// PublishEvents writes one message per event.
func (p *KafkaPublisher) PublishEvents(ctx context.Context, partitionID string, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := p.now().UTC()
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(EventMessage{PartitionID: partitionID, Event: ev, PublishedAt: now})
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(partitionID), Value: value, Time: now})
	}
	if err := p.events.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	p.logger.Debug("events published", slog.String("partition", partitionID), slog.Int("count", len(msgs)))
	return nil
}

// PublishLabel writes one message per partition the update touched.
func (p *KafkaPublisher) PublishLabel(ctx context.Context, update LabelUpdate) error {
	if update.Updated == 0 {
		return nil
	}
	ids := make([]string, 0, len(update.ByPartition))
	for id := range update.ByPartition {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := p.now().UTC()
	msgs := make([]kafka.Message, 0, len(ids))
	for _, id := range ids {
		value, err := json.Marshal(LabelMessage{
			PartitionID:  id,
			MagnitudeKey: update.MagnitudeKey,
			DeviceName:   update.DeviceName,
			Confidence:   update.Confidence,
			Updated:      update.ByPartition[id],
			PublishedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("encode label: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(id), Value: value, Time: now})
	}
	if err := p.labels.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write labels: %w", err)
	}
	return nil
}

// Close closes both writers.
func (p *KafkaPublisher) Close() error {
	return errors.Join(p.events.Close(), p.labels.Close())
}
