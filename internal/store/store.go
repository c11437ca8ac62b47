// Package store defines storage interfaces for daily bars and for the
// history of backtest and optimization runs.
package store

import (
	"context"
	"errors"
	"time"

	"quantdesk/internal/domain"
)

// ErrNotFound is returned when a record lookup has no match.
var ErrNotFound = errors.New("store: not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// RunKind distinguishes the run types kept in history.
type RunKind string

const (
	RunKindBacktest  RunKind = "backtest"
	RunKindBenchmark RunKind = "benchmark"
)

// RunRecord is a persisted backtest summary plus its full JSON result.
type RunRecord struct {
	ID          string
	Kind        RunKind
	Strategy    string
	Params      string
	Symbols     []string
	Start       time.Time
	End         time.Time
	Status      string
	Error       string
	TotalReturn float64
	SharpeRatio float64
	MaxDrawdown float64
	TotalTrades int
	Payload     []byte
	CreatedAt   time.Time
}

// OptimizationRecord is a persisted parameter sweep.
type OptimizationRecord struct {
	ID                    string
	Strategy              string
	Metric                string
	Direction             string
	TotalCombinations     int
	CompletedCombinations int
	Cancelled             bool
	BestParams            string
	BestValue             float64
	Payload               []byte
	CreatedAt             time.Time
}

// RunStore persists run history.
type RunStore interface {
	// SaveRun inserts or replaces a run record.
	SaveRun(ctx context.Context, rec *RunRecord) error

	// GetRun returns a run by ID, or ErrNotFound.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns the most recent runs, newest first, without payloads.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// SaveOptimization inserts or replaces an optimization record.
	SaveOptimization(ctx context.Context, rec *OptimizationRecord) error

	// GetOptimization returns an optimization by ID, or ErrNotFound.
	GetOptimization(ctx context.Context, id string) (*OptimizationRecord, error)
}
