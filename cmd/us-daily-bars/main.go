package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"quantdesk/internal/config"
	"quantdesk/internal/gather"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/store"
	"quantdesk/internal/util"
)

func main() {
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols (default: gather.us_daily.symbols)")
	startFlag := flag.String("start", "", "first date to fetch, YYYY-MM-DD (default: gather.us_daily.start_date)")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatal("alpaca credentials are required (APCA_API_KEY_ID / APCA_API_SECRET_KEY)")
	}

	// Dual logger: stdout + /tmp log file.
	logFileName := fmt.Sprintf("/tmp/us-daily-bars-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("failed to create log file: %v", err)
	}
	defer logFile.Close()

	logger := util.NewLoggerTo(io.MultiWriter(os.Stdout, logFile), cfg.Logging.Level, "text")
	slog.SetDefault(logger)

	job := cfg.Gather.USDaily
	symbols := job.Symbols
	if *symbolsFlag != "" {
		symbols = strings.Split(*symbolsFlag, ",")
	}
	if len(symbols) == 0 {
		log.Fatal("no symbols: pass -symbols or set gather.us_daily.symbols")
	}
	start := job.StartDate
	if *startFlag != "" {
		start = *startFlag
	}

	alpacaOpts := cfg.AlpacaOptions()
	alpacaOpts.RateLimitPerMin = job.RateLimitPerMin
	provider := marketdata.NewAlpacaProvider(alpacaOpts)

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	calendar := gather.NewCalendarClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)

	gatherer := gather.NewDailyBarGatherer(provider, pstore, gather.DailyOptions{
		Symbols:    symbols,
		StartDate:  start,
		BatchSize:  job.BatchSize,
		MaxWorkers: job.MaxWorkers,
		StateDir:   filepath.Join(cfg.Storage.DataDir, "us", "daily"),
		EndDate: func(context.Context) (time.Time, error) {
			return gather.LatestFinishedTradingDay(calendar, time.Now())
		},
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting us-daily-bars", "logFile", logFileName, "symbols", len(symbols), "start", start)
	stats, err := gatherer.Gather(ctx)
	if err != nil {
		log.Fatalf("gather error: %v", err)
	}
	slog.Info("us-daily-bars done", "bars", stats.Bars, "empty", stats.Empty)
}
