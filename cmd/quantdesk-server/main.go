package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"quantdesk/internal/api"
	"quantdesk/internal/app"
	"quantdesk/internal/config"
	"quantdesk/internal/httpapi"
	"quantdesk/internal/util"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	a, err := app.Open(cfg, app.Options{History: true}, logger)
	if err != nil {
		log.Fatalf("opening app: %v", err)
	}
	defer a.Close()

	handler := httpapi.NewServer(a.Service, logger).Handler()
	srv := api.NewServer(cfg.Server, handler, a.Service, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting quantdesk-server",
		"dataDir", cfg.Storage.DataDir,
		"sqlite", cfg.Storage.SQLitePath,
		"alpacaFallback", cfg.Data.FallbackToAlpaca,
	)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
		return
	}
	logger.Info("quantdesk-server stopped")
}
