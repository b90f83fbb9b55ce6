package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped when schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates a database written by an incompatible version.
var ErrSchemaMismatch = errors.New("ledger schema version mismatch")

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Store is the ledger database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// BeginRun inserts a running run and returns it. An empty id gets a fresh
// uuid.
func (s *Store) BeginRun(ctx context.Context, id, command string, rank, world int) (*Run, error) {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	run := &Run{
		ID:        id,
		Command:   command,
		Rank:      rank,
		WorldSize: world,
		Status:    RunRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, command, rank, world_size, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Command, run.Rank, run.WorldSize, run.Status, run.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Record stores one entry outcome.
func (s *Store) Record(ctx context.Context, r Result) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (run_id, entry_index, image, output, status, error_message, duration_ms, recorded_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID,
		r.Index,
		r.Image,
		nullableString(r.Output),
		r.Status,
		nullableString(r.Error),
		r.Duration.Milliseconds(),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// FinishRun stores the final status and totals of a run.
func (s *Store) FinishRun(ctx context.Context, id, status string, totals Totals, runErr error) error {
	var message any
	if runErr != nil {
		message = runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, processed = ?, skipped = ?, failed = ?, error_message = ?
         WHERE id = ?`,
		status,
		time.Now().UTC().Format(time.RFC3339Nano),
		totals.Processed,
		totals.Skipped,
		totals.Failed,
		message,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

const runColumns = "id, command, rank, world_size, status, started_at, finished_at, processed, skipped, failed, error_message"

// Runs lists runs newest first. A limit of zero returns every run.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun fetches one run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	return run, err
}

// Results lists the outcomes of one run in manifest order.
func (s *Store) Results(ctx context.Context, runID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, entry_index, image, output, status, error_message, duration_ms
         FROM results WHERE run_id = ? ORDER BY entry_index, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r        Result
			output   sql.NullString
			message  sql.NullString
			duration int64
		)
		if err := rows.Scan(&r.RunID, &r.Index, &r.Image, &output, &r.Status, &message, &duration); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Output = output.String
		r.Error = message.String
		r.Duration = time.Duration(duration) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}

// Prune deletes runs started before cutoff along with their results.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (Run, error) {
	var (
		run         Run
		startedRaw  string
		finishedRaw sql.NullString
		message     sql.NullString
	)
	if err := scanner.Scan(
		&run.ID,
		&run.Command,
		&run.Rank,
		&run.WorldSize,
		&run.Status,
		&startedRaw,
		&finishedRaw,
		&run.Processed,
		&run.Skipped,
		&run.Failed,
		&message,
	); err != nil {
		return Run{}, err
	}
	run.StartedAt = parseTime(startedRaw)
	if finishedRaw.Valid {
		t := parseTime(finishedRaw.String)
		run.FinishedAt = &t
	}
	run.Error = message.String
	return run, nil
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
