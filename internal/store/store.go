package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nilmstack/nilm-engine/internal/metrics"
	"github.com/nilmstack/nilm-engine/internal/models"
)

const (
	eventFilePrefix = "device_events_"
	powerFilePrefix = "power_data_"
	fileSuffix      = ".csv"
)

var partitionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store is the partitioned event collection the reconciler and services work against.
type Store interface {
	Append(ctx context.Context, partitionID string, events []models.Event) error
	AllEvents(ctx context.Context) ([]models.Event, error)
	UnlabeledEvents(ctx context.Context) ([]models.Event, error)
	Persist(ctx context.Context, partitionID string) error
	Partitions(ctx context.Context) ([]string, error)
	Update(ctx context.Context, partitionID string, fn UpdateFunc) (bool, error)
}

// UpdateFunc rewrites a partition's events. It reports whether anything
// changed; unchanged partitions are not written.
type UpdateFunc func(events []models.Event) ([]models.Event, bool, error)

type partition struct {
	events  []models.Event
	raw     [][]string
	modTime time.Time
	size    int64
}

// FileStore keeps every partition in its own CSV file under dir. A partition
// file is only ever replaced whole, through a rename of a fully written
// temporary file, while its partition is held exclusively.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	parts map[string]*partition
	busy  map[string]bool
}

// NewFileStore opens (creating if needed) a partition directory.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With(slog.String("component", "event-store")),
		parts:  make(map[string]*partition),
		busy:   make(map[string]bool),
	}, nil
}

// Dir returns the directory holding the partition files.
func (s *FileStore) Dir() string { return s.dir }

// Append adds events to a partition, keeping it ordered by timestamp, and
// persists the partition.
func (s *FileStore) Append(ctx context.Context, partitionID string, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	_, err := s.Update(ctx, partitionID, func(existing []models.Event) ([]models.Event, bool, error) {
		merged := make([]models.Event, 0, len(existing)+len(events))
		merged = append(merged, existing...)
		for _, e := range events {
			merged = append(merged, normalise(e, partitionID))
		}
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].Timestamp.Before(merged[j].Timestamp)
		})
		return merged, true, nil
	})
	return err
}

// Update runs the read-modify-write-replace cycle for one partition while
// holding it exclusively. A concurrent Update or Persist of the same
// partition fails with ErrStoreConcurrency.
func (s *FileStore) Update(ctx context.Context, partitionID string, fn UpdateFunc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validatePartitionID(partitionID); err != nil {
		return false, err
	}
	if err := s.acquire(partitionID); err != nil {
		return false, err
	}
	defer s.release(partitionID)

	current, raw, err := s.load(partitionID, true)
	if err != nil {
		return false, err
	}

	next, changed, err := fn(current)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := s.writeEvents(partitionID, next, raw); err != nil {
		return false, err
	}
	return true, nil
}

// Persist rewrites a partition's full event set, loading it first when it is
// not cached, and replaces the prior file atomically. Unparseable rows are
// carried over unchanged.
func (s *FileStore) Persist(ctx context.Context, partitionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePartitionID(partitionID); err != nil {
		return err
	}
	if err := s.acquire(partitionID); err != nil {
		return err
	}
	defer s.release(partitionID)

	events, raw, err := s.load(partitionID, false)
	if err != nil {
		return fmt.Errorf("persist %s: %w", partitionID, err)
	}
	return s.writeEvents(partitionID, events, raw)
}

// Partitions lists event partition IDs in ascending order.
func (s *FileStore) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.listIDs(eventFilePrefix)
}

// AllEvents returns the events of every readable partition sorted by
// timestamp. Malformed partitions are logged and skipped.
func (s *FileStore) AllEvents(ctx context.Context) ([]models.Event, error) {
	ids, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	var all []models.Event
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		events, _, err := s.load(id, false)
		if err != nil {
			var malformed *MalformedPartitionError
			if errors.As(err, &malformed) {
				s.logger.Warn("skipping malformed partition", slog.String("partition", id), slog.Any("error", malformed.Err))
				metrics.ObservePartitionError("file")
				continue
			}
			return nil, err
		}
		all = append(all, events...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all, nil
}

// UnlabeledEvents returns every event still carrying the unlabeled sentinel.
func (s *FileStore) UnlabeledEvents(ctx context.Context) ([]models.Event, error) {
	all, err := s.AllEvents(ctx)
	if err != nil {
		return nil, err
	}
	unlabeled := make([]models.Event, 0, len(all))
	for _, e := range all {
		if !e.Labeled() {
			unlabeled = append(unlabeled, e)
		}
	}
	return unlabeled, nil
}

// Stats counts events and reports the newest modification time of any partition file.
func (s *FileStore) Stats(ctx context.Context) (models.Stats, error) {
	all, err := s.AllEvents(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	ids, err := s.Partitions(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	stats := models.Stats{TotalEvents: len(all), Partitions: len(ids)}
	for _, e := range all {
		if e.Labeled() {
			stats.LabeledEvents++
		} else {
			stats.UnlabeledEvents++
		}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return models.Stats{}, fmt.Errorf("read store dir: %w", err)
	}
	var latest time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	if !latest.IsZero() {
		latest = latest.UTC()
		stats.LastUpdate = &latest
	}
	return stats, nil
}

// Histogram counts unlabeled events per quantized magnitude, the same key
// Label matches on, ordered by magnitude.
func (s *FileStore) Histogram(ctx context.Context) ([]models.MagnitudeBucket, error) {
	unlabeled, err := s.UnlabeledEvents(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[float64]*models.MagnitudeBucket)
	for _, e := range unlabeled {
		key := models.QuantizeMagnitude(e.Magnitude)
		bucket, ok := counts[key]
		if !ok {
			bucket = &models.MagnitudeBucket{Magnitude: key, ChangeType: models.ChangeTypeFor(key)}
			counts[key] = bucket
		}
		bucket.Count++
	}
	buckets := make([]models.MagnitudeBucket, 0, len(counts))
	for _, b := range counts {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Magnitude < buckets[j].Magnitude })
	return buckets, nil
}

// load returns a partition's events and the raw cells of its unparseable
// rows, re-reading the file when it changed on disk since the last read. A
// missing file is an empty partition when allowMissing is set.
func (s *FileStore) load(partitionID string, allowMissing bool) ([]models.Event, [][]string, error) {
	path := s.eventPath(partitionID)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && allowMissing {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("stat partition %s: %w", partitionID, err)
	}

	s.mu.Lock()
	part, ok := s.parts[partitionID]
	if ok && part.size == info.Size() && part.modTime.Equal(info.ModTime()) {
		events, raw := cloneEvents(part.events), part.raw
		s.mu.Unlock()
		return events, raw, nil
	}
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read partition %s: %w", partitionID, err)
	}
	events, bad, err := decodeEvents(bytes.NewReader(data), partitionID)
	if err != nil {
		return nil, nil, &MalformedPartitionError{Partition: partitionID, Err: err}
	}
	var raw [][]string
	for _, row := range bad {
		s.logger.Warn("skipping malformed event row",
			slog.String("partition", partitionID),
			slog.Int("line", row.line),
			slog.Any("error", row.err),
		)
		metrics.ObservePartitionError("row")
		raw = append(raw, row.record)
	}

	s.mu.Lock()
	s.parts[partitionID] = &partition{events: events, raw: raw, modTime: info.ModTime(), size: info.Size()}
	s.mu.Unlock()
	return cloneEvents(events), raw, nil
}

// writeEvents replaces a partition file with events followed by the raw rows
// that could not be parsed when it was read.
func (s *FileStore) writeEvents(partitionID string, events []models.Event, raw [][]string) error {
	var buf bytes.Buffer
	if err := encodeEvents(&buf, events, raw); err != nil {
		return fmt.Errorf("encode partition %s: %w", partitionID, err)
	}
	path := s.eventPath(partitionID)
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("write partition %s: %w", partitionID, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat partition %s: %w", partitionID, err)
	}

	s.mu.Lock()
	s.parts[partitionID] = &partition{events: cloneEvents(events), raw: raw, modTime: info.ModTime(), size: info.Size()}
	s.mu.Unlock()
	return nil
}

func (s *FileStore) acquire(partitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[partitionID] {
		return fmt.Errorf("partition %s: %w", partitionID, ErrStoreConcurrency)
	}
	s.busy[partitionID] = true
	return nil
}

func (s *FileStore) release(partitionID string) {
	s.mu.Lock()
	delete(s.busy, partitionID)
	s.mu.Unlock()
}

func (s *FileStore) listIDs(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, prefix), fileSuffix)
		if validatePartitionID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) eventPath(partitionID string) string {
	return filepath.Join(s.dir, eventFilePrefix+partitionID+fileSuffix)
}

func (s *FileStore) powerPath(partitionID string) string {
	return filepath.Join(s.dir, powerFilePrefix+partitionID+fileSuffix)
}

// writeFileAtomic writes data to a temporary file in the target directory,
// syncs it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func validatePartitionID(id string) error {
	if !partitionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidPartition, id)
	}
	return nil
}

func normalise(e models.Event, partitionID string) models.Event {
	e.Timestamp = e.Timestamp.UTC()
	e.PartitionID = partitionID
	if e.DeviceLabel == "" {
		e.DeviceLabel = models.UnlabeledDevice
	}
	if e.ChangeType == "" {
		e.ChangeType = models.ChangeTypeFor(e.Magnitude)
	}
	return e
}

func cloneEvents(events []models.Event) []models.Event {
	if events == nil {
		return nil
	}
	return append([]models.Event(nil), events...)
}
