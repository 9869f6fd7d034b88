package modelstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nilmstack/nilm-engine/internal/models"
)

// ErrNoRuns is returned when no training run has been stored.
var ErrNoRuns = errors.New("modelstore: no training runs")

const schema = `
CREATE TABLE IF NOT EXISTS training_runs (
	run_id        TEXT PRIMARY KEY,
	requested     INTEGER NOT NULL,
	effective     INTEGER NOT NULL,
	event_count   INTEGER NOT NULL,
	warnings_json TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS appliances (
	run_id         TEXT NOT NULL,
	appliance_id   INTEGER NOT NULL,
	change_type    TEXT NOT NULL,
	signature_mean REAL NOT NULL,
	signature_std  REAL NOT NULL,
	member_count   INTEGER NOT NULL,
	paired_id      INTEGER NOT NULL,
	PRIMARY KEY (run_id, appliance_id),
	FOREIGN KEY (run_id) REFERENCES training_runs(run_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_training_runs_created ON training_runs(created_at);
`

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps training runs and their appliance signatures in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun stores a training run. Runs without an ID get a fresh one.
func (s *SQLiteStore) SaveRun(ctx context.Context, run models.TrainingRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO training_runs (run_id, requested, effective, event_count, warnings_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.RequestedClusters, run.EffectiveClusters, run.EventCount, string(warnings),
		run.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, a := range run.Appliances {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO appliances (run_id, appliance_id, change_type, signature_mean, signature_std, member_count, paired_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, a.ID, string(a.ChangeType), a.SignatureMean, a.SignatureStd, a.MemberCount, a.PairedID,
		)
		if err != nil {
			return fmt.Errorf("insert appliance %d: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LatestRun returns the most recently created run.
func (s *SQLiteStore) LatestRun(ctx context.Context) (models.TrainingRun, error) {
	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return models.TrainingRun{}, err
	}
	if len(runs) == 0 {
		return models.TrainingRun{}, ErrNoRuns
	}
	return runs[0], nil
}

// GetRun returns a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (models.TrainingRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, requested, effective, event_count, warnings_json, created_at
		 FROM training_runs WHERE run_id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TrainingRun{}, fmt.Errorf("run %s: %w", id, ErrNoRuns)
	}
	if err != nil {
		return models.TrainingRun{}, err
	}
	if run.Appliances, err = s.appliances(ctx, run.ID); err != nil {
		return models.TrainingRun{}, err
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]models.TrainingRun, error) {
	query := `SELECT run_id, requested, effective, event_count, warnings_json, created_at
		 FROM training_runs ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var runs []models.TrainingRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	rows.Close()

	for i := range runs {
		if runs[i].Appliances, err = s.appliances(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLiteStore) appliances(ctx context.Context, runID string) ([]models.Appliance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT appliance_id, change_type, signature_mean, signature_std, member_count, paired_id
		 FROM appliances WHERE run_id = ? ORDER BY appliance_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query appliances: %w", err)
	}
	defer rows.Close()

	var out []models.Appliance
	for rows.Next() {
		var a models.Appliance
		var changeType string
		if err := rows.Scan(&a.ID, &changeType, &a.SignatureMean, &a.SignatureStd, &a.MemberCount, &a.PairedID); err != nil {
			return nil, fmt.Errorf("scan appliance: %w", err)
		}
		a.ChangeType = models.ChangeType(changeType)
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (models.TrainingRun, error) {
	var run models.TrainingRun
	var warnings sql.NullString
	var created string
	if err := row.Scan(&run.ID, &run.RequestedClusters, &run.EffectiveClusters, &run.EventCount, &warnings, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("scan run: %w", err)
	}
	if warnings.Valid && warnings.String != "" && warnings.String != "null" {
		if err := json.Unmarshal([]byte(warnings.String), &run.Warnings); err != nil {
			return run, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return run, fmt.Errorf("parse created_at: %w", err)
	}
	run.CreatedAt = t
	return run, nil
}
