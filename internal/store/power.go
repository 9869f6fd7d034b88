package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/nilmstack/nilm-engine/internal/metrics"
	"github.com/nilmstack/nilm-engine/internal/models"
)

// WritePower replaces the power partition of a collection session with records.
func (s *FileStore) WritePower(ctx context.Context, partitionID string, records []models.PowerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePartitionID(partitionID); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := encodePower(&buf, records); err != nil {
		return fmt.Errorf("encode power %s: %w", partitionID, err)
	}
	if err := writeFileAtomic(s.powerPath(partitionID), buf.Bytes()); err != nil {
		return fmt.Errorf("write power %s: %w", partitionID, err)
	}
	return nil
}

// PowerPartitions lists power partition IDs in ascending order.
func (s *FileStore) PowerPartitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.listIDs(powerFilePrefix)
}

// PowerRecords reads one power partition.
func (s *FileStore) PowerRecords(ctx context.Context, partitionID string) ([]models.PowerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePartitionID(partitionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.powerPath(partitionID))
	if err != nil {
		return nil, fmt.Errorf("read power %s: %w", partitionID, err)
	}
	records, bad, err := decodePower(bytes.NewReader(data))
	if err != nil {
		return nil, &MalformedPartitionError{Partition: partitionID, Err: err}
	}
	for _, row := range bad {
		s.logger.Warn("skipping malformed power row",
			slog.String("partition", partitionID),
			slog.Int("line", row.line),
			slog.Any("error", row.err),
		)
		metrics.ObservePartitionError("row")
	}
	return records, nil
}

// AllPower returns the records of every readable power partition sorted by
// timestamp; rows sharing a timestamp keep partition then file order.
func (s *FileStore) AllPower(ctx context.Context) ([]models.PowerRecord, error) {
	ids, err := s.PowerPartitions(ctx)
	if err != nil {
		return nil, err
	}
	var all []models.PowerRecord
	for _, id := range ids {
		records, err := s.PowerRecords(ctx, id)
		if err != nil {
			var malformed *MalformedPartitionError
			if errors.As(err, &malformed) {
				s.logger.Warn("skipping malformed power partition", slog.String("partition", id), slog.Any("error", malformed.Err))
				metrics.ObservePartitionError("file")
				continue
			}
			return nil, err
		}
		all = append(all, records...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all, nil
}

// PowerSeries converts records to detector input.
func PowerSeries(records []models.PowerRecord) []models.PowerSample {
	series := make([]models.PowerSample, len(records))
	for i, rec := range records {
		series[i] = rec.Sample()
	}
	return series
}
