// Package store keeps a queryable history of analysis runs in SQLite.
//
// The output directory stays the primary artefact of a run; the store indexes
// runs, fitted records and failures so that results from many runs can be
// compared without re-reading every run directory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/tpm.report/internal/tpm/output"
	"github.com/banshee-data/tpm.report/internal/tpm/record"
)

// Store wraps a SQLite database holding tpm_runs, tpm_records and
// tpm_failures.
type Store struct {
	db *sql.DB
}

// RunInfo is one row of tpm_runs.
type RunInfo struct {
	Manifest  output.Manifest
	OutputDir string
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun records a persisted run and everything in it. An empty RunID is
// replaced by a new UUID, which is returned.
func (s *Store) SaveRun(ctx context.Context, run output.Run, dir string) (string, error) {
	runID := run.Manifest.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	cfgJSON, err := json.Marshal(run.Config)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}

	type row struct {
		id     record.Identity
		conc   float64
		mode   string
		centre float64
		snap   []byte
	}
	rows := make([]row, 0, len(run.Records))
	for _, r := range run.Records {
		snap, err := r.Snapshot()
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return "", fmt.Errorf("marshal %s: %w", r.Identity(), err)
		}
		rows = append(rows, row{r.Identity(), r.Concentration(), r.Mode().String(), snap.Params[1], data})
	}

	m := run.Manifest
	err = retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tpm_runs (
				run_id, root, version, output_dir, config_json,
				started_at, finished_at, traces, fitted, failed
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, m.Root, m.Version, dir, string(cfgJSON),
			m.StartedAt.UnixNano(), m.FinishedAt.UnixNano(), m.Traces, m.Fitted, m.Failed,
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tpm_records (
					run_id, trace_group, trace_name, concentration, mode, centre, snapshot_json
				) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				runID, r.id.Group, r.id.Trace, r.conc, r.mode, r.centre, string(r.snap),
			); err != nil {
				return fmt.Errorf("insert record %s: %w", r.id, err)
			}
		}

		for _, f := range run.Failures {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tpm_failures (
					run_id, trace_group, trace_name, concentration, kind, reason
				) VALUES (?, ?, ?, ?, ?, ?)`,
				runID, f.Identity.Group, f.Identity.Trace, f.Concentration, string(f.Kind), f.Reason,
			); err != nil {
				return fmt.Errorf("insert failure %s: %w", f.Identity, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// Runs lists stored runs, most recent first.
func (s *Store) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, root, version, output_dir, started_at, finished_at, traces, fitted, failed
		FROM tpm_runs
		ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var info RunInfo
		var started, finished int64
		m := &info.Manifest
		if err := rows.Scan(&m.RunID, &m.Root, &m.Version, &info.OutputDir,
			&started, &finished, &m.Traces, &m.Fitted, &m.Failed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		m.StartedAt = time.Unix(0, started).UTC()
		m.FinishedAt = time.Unix(0, finished).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// Records returns the fitted records of a run ordered by group and trace.
func (s *Store) Records(ctx context.Context, runID string) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_json FROM tpm_records
		WHERE run_id = ?
		ORDER BY trace_group, trace_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var snap record.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		r, err := record.Restore(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Failures returns the failure manifest of a run.
func (s *Store) Failures(ctx context.Context, runID string) ([]record.Failure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.root, f.trace_group, f.trace_name, f.concentration, f.kind, f.reason
		FROM tpm_failures f JOIN tpm_runs r ON r.run_id = f.run_id
		WHERE f.run_id = ?
		ORDER BY f.trace_group, f.trace_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []record.Failure
	for rows.Next() {
		var f record.Failure
		var kind string
		if err := rows.Scan(&f.Identity.Root, &f.Identity.Group, &f.Identity.Trace,
			&f.Concentration, &kind, &f.Reason); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Kind = record.FailureKind(kind)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Centres returns the first-component centre of every unimodal fit at the
// given concentration across all runs.
func (s *Store) Centres(ctx context.Context, concentration float64) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT centre FROM tpm_records
		WHERE concentration = ? AND mode = ?
		ORDER BY run_id, trace_group, trace_name`, concentration, "unimodal")
	if err != nil {
		return nil, fmt.Errorf("query centres: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const maxBusyRetries = 5

// retryOnBusy runs fn, retrying with exponential backoff while SQLite
// reports the database as busy.
func retryOnBusy(fn func() error) error {
	delay := 10 * time.Millisecond
	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt < maxBusyRetries-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("database busy after %d attempts: %w", maxBusyRetries, err)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
