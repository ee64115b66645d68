package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Tyrowin/gochat/internal/admin"
	"github.com/Tyrowin/gochat/internal/config"
	"github.com/Tyrowin/gochat/internal/logging"
	"github.com/Tyrowin/gochat/internal/metrics"
	"github.com/Tyrowin/gochat/internal/relay"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	hub := admin.NewHub()
	go hub.Run()
	defer func() {
		if err := hub.Shutdown(shutdownTimeout); err != nil {
			logging.WithError(err).Warn("diagnostics hub shutdown timed out")
		}
	}()

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat, hub)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := relay.NewServer(relay.Options{
		Addr:            cfg.Addr,
		BufferSize:      cfg.BufferSize,
		MaxPendingBytes: cfg.MaxPendingBytes,
		MaxConnections:  cfg.MaxConnections,
		PollTimeout:     cfg.PollTimeout,
		RateLimit: relay.RateLimit{
			Burst:    cfg.RateLimit.Burst,
			Interval: cfg.RateLimit.Interval,
		},
		Logger:  logger,
		Metrics: metrics.NewRelayMetrics(reg),
	})

	if err := srv.Start(); err != nil {
		var bindErr *relay.BindError
		if errors.As(err, &bindErr) {
			return fmt.Errorf("relay could not listen on %s: %w", bindErr.Addr, bindErr.Err)
		}
		return err
	}

	if cfg.AdminEnabled {
		handlers := admin.NewHandlers(hub, srv, cfg.AllowedOrigins)
		httpServer := admin.CreateServer(cfg.AdminAddr, admin.SetupRoutes(handlers, reg))
		go func() {
			if err := admin.StartServer(httpServer); err != nil {
				logging.WithError(err).Error("admin server failed")
			}
		}()
		defer func() { _ = admin.ShutdownServer(httpServer, shutdownTimeout) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}
