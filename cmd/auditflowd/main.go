package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	auditflow "github.com/glimte/auditflow-go"
	"github.com/glimte/auditflow-go/config"
)

func main() {
	var (
		healthAddr = flag.String("health-addr", ":8090", "listen address for the health endpoint")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	client, err := auditflow.NewClient(cfg, auditflow.WithLogger(logger))
	if err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", client.HealthHandler())
	server := &http.Server{Addr: *healthAddr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()

	logger.Info("auditflowd running",
		"healthAddr", *healthAddr,
		"workers", cfg.Workers,
		"queueCapacity", cfg.QueueCapacity,
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+10*time.Second)
	defer cancel()

	server.Shutdown(ctx)
	if err := client.Shutdown(ctx); err != nil {
		logger.Error("engine shutdown incomplete", "error", err)
		os.Exit(1)
	}
	logger.Info("engine stopped cleanly")
}
