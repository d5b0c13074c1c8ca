package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/hupe1980/turnmesh"
	"github.com/hupe1980/turnmesh/config"
	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/observability"
	"github.com/hupe1980/turnmesh/server"
)

func loadConfig(path string, debug bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// runServe loads the configuration, wires the mesh and serves HTTP until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath, debug)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.LoggerConfig())
	logger.Info("turnmesh.serve.start", "version", version, "commit", commit, "config", configPath, "addr", cfg.Server.Addr)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_, shutdownTracer, err := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "turnmesh",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer c()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("turnmesh.tracer.shutdown", "error", err)
		}
	}()

	var (
		metrics        *observability.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = observability.NewMetrics(reg)
		metricsHandler = observability.Handler(reg)
	}

	mesh, err := turnmesh.NewFromConfig(ctx, cfg, func(o *turnmesh.Options) {
		o.Metrics = metrics
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := mesh.Close(); err != nil {
			logger.Warn("turnmesh.close", "error", err)
		}
	}()

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Maintenance.SweepSchedule, func() { mesh.SweepLocks() }); err != nil {
		return fmt.Errorf("invalid maintenance.sweep_schedule %q: %w", cfg.Maintenance.SweepSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := server.New(mesh.Engine(), func(o *server.Options) {
		o.APIKey = cfg.Server.APIKey
		if len(cfg.Server.CORSOrigins) > 0 {
			o.CORSOrigins = cfg.Server.CORSOrigins
		}
		o.Logger = logger
		o.Metrics = metrics
		o.MetricsHandler = metricsHandler
		o.MetricsPath = cfg.Metrics.Path
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("turnmesh.serve.shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("turnmesh.serve.stopped")
	return nil
}
