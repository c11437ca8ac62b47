// Package app wires configuration into a ready service for the binaries.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"quantdesk/internal/backtest"
	"quantdesk/internal/config"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/observability"
	"quantdesk/internal/progress"
	"quantdesk/internal/service"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy/builtins"
)

// App holds the long-lived components built from a Config.
type App struct {
	Config  *config.Config
	Service *service.Service
	Metrics *observability.Metrics
	Hub     *progress.Hub
	Bars    *store.ParquetStore
	Runs    *store.SQLiteStore
	Log     *slog.Logger
}

// Options toggles optional components.
type Options struct {
	// History opens the SQLite run store.
	History bool
}

// Open builds the data providers, run store and service described by cfg.
func Open(cfg *config.Config, opts Options, log *slog.Logger) (*App, error) {
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Metrics: observability.NewMetrics(""),
		Hub:     progress.NewHub(log),
		Bars:    store.NewParquetStore(cfg.Storage.DataDir),
		Log:     log,
	}
	a.Bars.Market = string(cfg.Market())

	if opts.History {
		path := cfg.Storage.SQLitePath
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("creating sqlite dir: %w", err)
			}
		}
		runs, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		a.Runs = runs
	}

	runner := backtest.NewRunner(a.Provider(), engineCfg, log)
	svcOpts := service.Options{
		Registry:    builtins.DefaultRegistry(),
		Runner:      runner,
		Optimizer:   cfg.OptimizerSettings(),
		Hub:         a.Hub,
		Metrics:     a.Metrics,
		InitialCash: cfg.Backtest.InitialCash,
		Logger:      log,
	}
	if a.Runs != nil {
		svcOpts.Runs = a.Runs
	}
	a.Service = service.New(svcOpts)
	return a, nil
}

// Provider returns the bar source: the Parquet store, falling back to
// Alpaca when configured with credentials. Every source is instrumented.
func (a *App) Provider() marketdata.Provider {
	cfg := a.Config
	local := a.Metrics.InstrumentProvider("parquet", marketdata.NewStoreProvider(a.Bars, cfg.Market()))
	if !cfg.Data.FallbackToAlpaca || cfg.Alpaca.APIKey == "" {
		return local
	}

	remote := a.Metrics.InstrumentProvider("alpaca", marketdata.NewAlpacaProvider(cfg.AlpacaOptions()))
	chain := marketdata.NewChainProvider(local, remote)
	if cfg.Data.WriteBack {
		chain = chain.WithWriteBack(a.Bars)
	}
	a.Log.Info("alpaca fallback enabled", "writeBack", cfg.Data.WriteBack, "feed", cfg.Alpaca.Feed)
	return chain
}

// Close releases the run store.
func (a *App) Close() error {
	if a.Runs != nil {
		return a.Runs.Close()
	}
	return nil
}
