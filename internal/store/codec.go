package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/nilmstack/nilm-engine/internal/models"
	"github.com/nilmstack/nilm-engine/internal/utils"
)

var eventHeader = []string{
	"timestamp",
	"power_change",
	"change_type",
	"power_before",
	"power_after",
	"device_name",
	"confidence",
}

var powerHeader = []string{"timestamp", "power", "power_change"}

// rowError describes one unparseable row; the row is skipped on read. For
// event partitions record holds the row's cells in eventHeader order so a
// rewrite can carry it over unchanged.
type rowError struct {
	line   int
	err    error
	record []string
}

// encodeEvents writes events followed by the unparseable rows in raw.
func encodeEvents(w io.Writer, events []models.Event, raw [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(eventHeader); err != nil {
		return err
	}
	for _, e := range events {
		label := e.DeviceLabel
		if label == "" {
			label = models.UnlabeledDevice
		}
		record := []string{
			utils.FormatTimestamp(e.Timestamp),
			formatFloat(e.Magnitude),
			string(e.ChangeType),
			formatFloat(e.PowerBefore),
			formatFloat(e.PowerAfter),
			label,
			strconv.Itoa(e.Confidence),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	for _, record := range raw {
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// decodeEvents parses an event partition. Columns are located by header name;
// a missing required column fails the whole partition, a bad row only itself.
func decodeEvents(r io.Reader, partitionID string) ([]models.Event, []rowError, error) {
	rows, cols, err := readTable(r, "timestamp", "power_change", "change_type", "power_before", "power_after", "device_name")
	if err != nil {
		return nil, nil, err
	}

	events := make([]models.Event, 0, len(rows))
	var bad []rowError
	for i, row := range rows {
		e, err := decodeEventRow(row, cols)
		if err != nil {
			record := make([]string, len(eventHeader))
			for j, name := range eventHeader {
				record[j] = field(row, cols, name)
			}
			bad = append(bad, rowError{line: i + 2, err: err, record: record})
			continue
		}
		e.PartitionID = partitionID
		events = append(events, e)
	}
	return events, bad, nil
}

func decodeEventRow(row []string, cols map[string]int) (models.Event, error) {
	ts, err := utils.ParseTimestamp(field(row, cols, "timestamp"))
	if err != nil {
		return models.Event{}, err
	}
	magnitude, err := parseFloat(field(row, cols, "power_change"))
	if err != nil {
		return models.Event{}, fmt.Errorf("power_change: %w", err)
	}
	before, err := parseFloat(field(row, cols, "power_before"))
	if err != nil {
		return models.Event{}, fmt.Errorf("power_before: %w", err)
	}
	after, err := parseFloat(field(row, cols, "power_after"))
	if err != nil {
		return models.Event{}, fmt.Errorf("power_after: %w", err)
	}

	changeType := models.ChangeType(strings.ToLower(strings.TrimSpace(field(row, cols, "change_type"))))
	switch changeType {
	case models.ChangeOn, models.ChangeOff:
	default:
		return models.Event{}, fmt.Errorf("change_type: unknown value %q", changeType)
	}

	label := strings.TrimSpace(field(row, cols, "device_name"))
	if label == "" || strings.EqualFold(label, "nan") {
		label = models.UnlabeledDevice
	}

	confidence := 0
	if raw := strings.TrimSpace(field(row, cols, "confidence")); raw != "" && !strings.EqualFold(raw, "nan") {
		value, err := parseFloat(raw)
		if err != nil {
			return models.Event{}, fmt.Errorf("confidence: %w", err)
		}
		confidence = int(value)
		if confidence < 0 || confidence > 5 {
			return models.Event{}, fmt.Errorf("confidence: %d out of range", confidence)
		}
	}

	return models.Event{
		Timestamp:   ts.UTC(),
		ChangeType:  changeType,
		Magnitude:   magnitude,
		PowerBefore: before,
		PowerAfter:  after,
		DeviceLabel: label,
		Confidence:  confidence,
	}, nil
}

func encodePower(w io.Writer, records []models.PowerRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(powerHeader); err != nil {
		return err
	}
	for _, rec := range records {
		if err := cw.Write([]string{
			utils.FormatTimestamp(rec.Timestamp),
			formatFloat(rec.Power),
			formatFloat(rec.PowerChange),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// decodePower parses a power partition. "watts" is accepted in place of
// "power" and power_change is optional.
func decodePower(r io.Reader) ([]models.PowerRecord, []rowError, error) {
	rows, cols, err := readTable(r, "timestamp")
	if err != nil {
		return nil, nil, err
	}
	powerCol := "power"
	if _, ok := cols[powerCol]; !ok {
		if _, ok := cols["watts"]; !ok {
			return nil, nil, errors.New("missing column power")
		}
		powerCol = "watts"
	}
	_, hasChange := cols["power_change"]

	records := make([]models.PowerRecord, 0, len(rows))
	var bad []rowError
	for i, row := range rows {
		ts, err := utils.ParseTimestamp(field(row, cols, "timestamp"))
		if err != nil {
			bad = append(bad, rowError{line: i + 2, err: err})
			continue
		}
		power, err := parseFloat(field(row, cols, powerCol))
		if err != nil {
			bad = append(bad, rowError{line: i + 2, err: fmt.Errorf("%s: %w", powerCol, err)})
			continue
		}
		rec := models.PowerRecord{Timestamp: ts.UTC(), Power: power}
		if hasChange {
			if change, err := parseFloat(field(row, cols, "power_change")); err == nil {
				rec.PowerChange = change
			}
		}
		records = append(records, rec)
	}
	return records, bad, nil
}

func readTable(r io.Reader, required ...string) ([][]string, map[string]int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, errors.New("empty file")
		}
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, nil, fmt.Errorf("missing column %s", name)
		}
	}
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read rows: %w", err)
	}
	return rows, cols, nil
}

func field(row []string, cols map[string]int, name string) string {
	idx, ok := cols[name]
	if !ok || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func parseFloat(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", raw)
	}
	return v, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
