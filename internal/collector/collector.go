package collector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nilmstack/nilm-engine/internal/detector"
	"github.com/nilmstack/nilm-engine/internal/metrics"
	"github.com/nilmstack/nilm-engine/internal/models"
	"github.com/nilmstack/nilm-engine/internal/publish"
	"github.com/nilmstack/nilm-engine/internal/store"
	"github.com/nilmstack/nilm-engine/internal/utils"
)

// Source yields the current aggregate power reading.
type Source interface {
	Read(ctx context.Context) (models.PowerSample, error)
}

// Store persists a session's power partition and its detected events.
type Store interface {
	WritePower(ctx context.Context, partitionID string, records []models.PowerRecord) error
	Update(ctx context.Context, partitionID string, fn store.UpdateFunc) (bool, error)
}

// Options controls the polling loop.
type Options struct {
	Interval     time.Duration
	SaveInterval int
	MaxSamples   int
	RetryDelay   time.Duration
}

// Status is a snapshot of the collector.
type Status struct {
	Running     bool       `json:"is_collecting"`
	SessionID   string     `json:"session_id,omitempty"`
	Samples     int        `json:"data_points"`
	Events      int        `json:"events"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	LastSample  *time.Time `json:"last_update,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LastPower   float64    `json:"last_power"`
	SavedPoints int        `json:"saved_points"`
}

// Collector polls a Source, persisting power partitions and detected events
// for one collection session per Run.
type Collector struct {
	source    Source
	store     Store
	publisher publish.Publisher
	detector  *detector.Detector
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	status Status
}

// New constructs a Collector; publisher may be nil.
func New(source Source, st Store, det *detector.Detector, publisher publish.Publisher, opts Options, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = publish.Noop{}
	}
	if opts.SaveInterval < 1 {
		opts.SaveInterval = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Collector{
		source:    source,
		store:     st,
		publisher: publisher,
		detector:  det,
		opts:      opts,
		logger:    logger.With(slog.String("component", "collector")),
		now:       time.Now,
	}
}

// Status returns a copy of the current status.
func (c *Collector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Run polls until ctx is cancelled or MaxSamples readings have been taken,
// then writes the final partition. It returns the error of the final flush.
func (c *Collector) Run(ctx context.Context) error {
	started := c.now().UTC()
	session := utils.SessionKey(started)
	c.setStatus(func(s *Status) {
		*s = Status{Running: true, SessionID: session, StartedAt: &started}
	})
	defer c.setStatus(func(s *Status) { s.Running = false })

	c.logger.Info("data collection started", slog.String("session", session))

	var samples []models.PowerSample
	for {
		sample, err := c.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("power read failed", slog.Any("error", err))
			c.setStatus(func(s *Status) { s.LastError = err.Error() })
			if !sleep(ctx, c.opts.RetryDelay) {
				break
			}
			continue
		}

		samples = append(samples, sample)
		metrics.ObservePowerSamples(1)
		ts := sample.Timestamp
		c.setStatus(func(s *Status) {
			s.Samples = len(samples)
			s.LastSample = &ts
			s.LastPower = sample.Power
			s.LastError = ""
		})

		if len(samples)%c.opts.SaveInterval == 0 {
			if err := c.flush(ctx, session, samples); err != nil {
				c.logger.Error("periodic save failed", slog.Any("error", err))
				c.setStatus(func(s *Status) { s.LastError = err.Error() })
			}
		}
		if c.opts.MaxSamples > 0 && len(samples) >= c.opts.MaxSamples {
			break
		}
		if !sleep(ctx, c.opts.Interval) {
			break
		}
	}

	if len(samples) == 0 {
		c.logger.Info("data collection stopped without samples", slog.String("session", session))
		return nil
	}
	// The caller's context is usually cancelled by now.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.flush(flushCtx, session, samples); err != nil {
		return err
	}
	c.logger.Info("data collection completed", slog.String("session", session), slog.Int("samples", len(samples)))
	return nil
}

// flush rewrites the session's power partition and detects the events the
// session does not hold yet. Stored events are never rewritten or dropped.
func (c *Collector) flush(ctx context.Context, session string, samples []models.PowerSample) error {
	series := append([]models.PowerSample(nil), samples...)
	detector.SortSeries(series)

	changes := detector.PowerChanges(series)
	records := make([]models.PowerRecord, len(series))
	for i, s := range series {
		records[i] = models.PowerRecord{Timestamp: s.Timestamp, Power: s.Power, PowerChange: changes[i]}
	}
	if err := c.store.WritePower(ctx, session, records); err != nil {
		return err
	}

	detect := func(existing []models.Event) []models.Event {
		return c.detector.DetectPartitionAround(session, series, existing)
	}
	var (
		fresh  []models.Event
		stored int
	)
	if _, err := c.store.Update(ctx, session, store.MergeFunc(detect, &fresh, &stored)); err != nil {
		var malformed *store.MalformedPartitionError
		if errors.As(err, &malformed) {
			metrics.ObservePartitionError("malformed")
		}
		return err
	}

	on, off := 0, 0
	for _, ev := range fresh {
		if ev.ChangeType == models.ChangeOn {
			on++
		} else {
			off++
		}
	}
	metrics.ObserveDetection(on, off)
	c.setStatus(func(s *Status) {
		s.Events = stored + len(fresh)
		s.SavedPoints = len(records)
	})
	c.logger.Info("session saved",
		slog.String("session", session),
		slog.Int("samples", len(records)),
		slog.Int("events", stored+len(fresh)),
		slog.Int("new_events", len(fresh)),
	)

	if err := c.publisher.PublishEvents(ctx, session, fresh); err != nil {
		c.logger.Warn("event publish failed", slog.String("session", session), slog.Any("error", err))
	}
	return nil
}

func (c *Collector) setStatus(fn func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
}

// sleep waits for d or until ctx is done, reporting whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
