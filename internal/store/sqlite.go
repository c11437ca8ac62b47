package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ RunStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    kind         TEXT    NOT NULL,
    strategy     TEXT    NOT NULL,
    params       TEXT    NOT NULL DEFAULT '',
    symbols      TEXT    NOT NULL DEFAULT '',
    start_date   TEXT    NOT NULL,
    end_date     TEXT    NOT NULL,
    status       TEXT    NOT NULL,
    error        TEXT    NOT NULL DEFAULT '',
    total_return REAL    NOT NULL DEFAULT 0,
    sharpe_ratio REAL    NOT NULL DEFAULT 0,
    max_drawdown REAL    NOT NULL DEFAULT 0,
    total_trades INTEGER NOT NULL DEFAULT 0,
    payload      BLOB,
    created_at   TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS optimizations (
    id                     TEXT PRIMARY KEY,
    strategy               TEXT    NOT NULL,
    metric                 TEXT    NOT NULL,
    direction              TEXT    NOT NULL,
    total_combinations     INTEGER NOT NULL DEFAULT 0,
    completed_combinations INTEGER NOT NULL DEFAULT 0,
    cancelled              INTEGER NOT NULL DEFAULT 0,
    best_params            TEXT    NOT NULL DEFAULT '',
    best_value             REAL    NOT NULL DEFAULT 0,
    payload                BLOB,
    created_at             TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_opt_created  ON optimizations(created_at DESC);
`

const timeLayout = time.RFC3339Nano

// SQLiteStore implements RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore. Use ":memory:" in tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", dbPath, err)
	}
	// SQLite is single-writer; one connection also keeps :memory: databases
	// alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// SaveRun inserts or replaces a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	if rec.ID == "" {
		return errors.New("store.SaveRun: empty id")
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, kind, strategy, params, symbols, start_date, end_date, status, error,
			 total_return, sharpe_ratio, max_drawdown, total_trades, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), rec.Strategy, rec.Params, strings.Join(rec.Symbols, ","),
		rec.Start.UTC().Format(timeLayout), rec.End.UTC().Format(timeLayout),
		rec.Status, rec.Error,
		rec.TotalReturn, rec.SharpeRatio, rec.MaxDrawdown, rec.TotalTrades,
		rec.Payload, created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("store.SaveRun: %w", err)
	}
	return nil
}

const runColumns = `id, kind, strategy, params, symbols, start_date, end_date, status, error,
	total_return, sharpe_ratio, max_drawdown, total_trades, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner, extra ...any) (*RunRecord, error) {
	var (
		rec                   RunRecord
		kind, symbols         string
		start, end, createdAt string
	)
	dest := []any{
		&rec.ID, &kind, &rec.Strategy, &rec.Params, &symbols, &start, &end, &rec.Status, &rec.Error,
		&rec.TotalReturn, &rec.SharpeRatio, &rec.MaxDrawdown, &rec.TotalTrades, &createdAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	rec.Kind = RunKind(kind)
	if symbols != "" {
		rec.Symbols = strings.Split(symbols, ",")
	}
	var err error
	if rec.Start, err = time.Parse(timeLayout, start); err != nil {
		return nil, fmt.Errorf("parse start_date: %w", err)
	}
	if rec.End, err = time.Parse(timeLayout, end); err != nil {
		return nil, fmt.Errorf("parse end_date: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &rec, nil
}

// GetRun retrieves a single run, including its payload.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var payload []byte
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+`, payload FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetRun: %w", err)
	}
	rec.Payload = payload
	return rec, nil
}

// ListRuns returns up to limit runs, newest first. Payloads are omitted.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store.ListRuns: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store.ListRuns: scan: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Optimizations
// ---------------------------------------------------------------------------

// SaveOptimization inserts or replaces an optimization record.
func (s *SQLiteStore) SaveOptimization(ctx context.Context, rec *OptimizationRecord) error {
	if rec.ID == "" {
		return errors.New("store.SaveOptimization: empty id")
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	cancelled := 0
	if rec.Cancelled {
		cancelled = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO optimizations
			(id, strategy, metric, direction, total_combinations, completed_combinations,
			 cancelled, best_params, best_value, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Strategy, rec.Metric, rec.Direction,
		rec.TotalCombinations, rec.CompletedCombinations, cancelled,
		rec.BestParams, rec.BestValue, rec.Payload, created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("store.SaveOptimization: %w", err)
	}
	return nil
}

// GetOptimization retrieves a single optimization with its payload.
func (s *SQLiteStore) GetOptimization(ctx context.Context, id string) (*OptimizationRecord, error) {
	var (
		rec       OptimizationRecord
		cancelled int
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, strategy, metric, direction, total_combinations, completed_combinations,
		       cancelled, best_params, best_value, payload, created_at
		FROM optimizations WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Strategy, &rec.Metric, &rec.Direction,
		&rec.TotalCombinations, &rec.CompletedCombinations,
		&cancelled, &rec.BestParams, &rec.BestValue, &rec.Payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("optimization %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetOptimization: %w", err)
	}

	rec.Cancelled = cancelled != 0
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("store.GetOptimization: parse created_at: %w", err)
	}
	return &rec, nil
}
