package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orchd/orchd/internal/adapter"
	"github.com/orchd/orchd/internal/adapter/anthropic"
	"github.com/orchd/orchd/internal/adapter/gemini"
	"github.com/orchd/orchd/internal/adapter/openai"
	"github.com/orchd/orchd/internal/config"
	"github.com/orchd/orchd/internal/dispatch"
	"github.com/orchd/orchd/internal/healthcheck"
	"github.com/orchd/orchd/internal/keymanager"
	"github.com/orchd/orchd/internal/reqlog"
	"github.com/orchd/orchd/internal/router"
	"github.com/orchd/orchd/internal/server"
	"github.com/orchd/orchd/internal/storage/sqldb"
	"github.com/orchd/orchd/internal/telemetry"
	"github.com/orchd/orchd/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting orchd", "version", version, "addr", cfg.Server.Addr())

	// Open database and seed from config
	store, err := sqldb.New(sqldb.Options{
		Driver:      cfg.Database.Type,
		DSN:         cfg.Database.ConnectionString,
		TablePrefix: cfg.Database.TablePrefix,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Telemetry
	var metrics *telemetry.Metrics
	var promReg *prometheus.Registry
	if cfg.Telemetry.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Provider adapters share one client pool; Gemini gets its own timeouts
	// and the streaming stall watchdog.
	timeouts := adapter.DefaultTimeouts()
	if cfg.Global.ConnectionTimeout > 0 {
		timeouts.Connect = time.Duration(cfg.Global.ConnectionTimeout) * time.Second
	}
	if cfg.Global.ResponseTimeout > 0 {
		timeouts.Response = time.Duration(cfg.Global.ResponseTimeout) * time.Second
	}
	geminiTimeouts := timeouts
	if cfg.Gemini.NonStreamingTimeout > 0 {
		geminiTimeouts.Response = time.Duration(cfg.Gemini.NonStreamingTimeout) * time.Second
	}
	if cfg.Gemini.StreamingTimeout > 0 {
		geminiTimeouts.StreamResponse = time.Duration(cfg.Gemini.StreamingTimeout) * time.Second
	}

	clients := adapter.NewClients(timeouts.Connect)
	adapters := adapter.NewRegistry()
	adapters.Register(openai.New(clients, timeouts))
	adapters.Register(anthropic.New(clients, timeouts))

	geminiOpts := []gemini.Option{
		gemini.WithStallConfig(gemini.StallConfig{
			DataTimeout:     time.Duration(cfg.Gemini.DataTimeoutSeconds) * time.Second,
			MaxDataInterval: time.Duration(cfg.Gemini.MaxDataIntervalSeconds) * time.Second,
		}),
	}
	if metrics != nil {
		geminiOpts = append(geminiOpts, gemini.WithTruncationHook(func(group string) {
			metrics.StreamTruncated.WithLabelValues(group).Inc()
		}))
	}
	adapters.Register(gemini.New(clients, geminiTimeouts, slog.Default(), geminiOpts...))

	// Core services
	keys, err := keymanager.New(store, nil)
	if err != nil {
		return err
	}
	rt, err := router.New(store, keys)
	if err != nil {
		return err
	}

	var queue *reqlog.Queue
	if cfg.RequestLogging.Queue.Enabled {
		var dropped prometheus.Counter
		var length prometheus.Gauge
		if metrics != nil {
			dropped = metrics.LogQueueDropped
			length = metrics.LogQueueLength
		}
		queue = reqlog.NewQueue(store, reqlog.QueueConfig{
			MaxCapacity:        cfg.RequestLogging.Queue.MaxCapacity,
			BatchSize:          cfg.RequestLogging.Queue.BatchSize,
			ProcessingInterval: time.Duration(cfg.RequestLogging.Queue.ProcessingIntervalMs) * time.Millisecond,
			FullStrategy:       cfg.RequestLogging.Queue.FullStrategy,
			MaxRetries:         cfg.RequestLogging.Queue.MaxRetries,
			RetryDelay:         time.Duration(cfg.RequestLogging.Queue.RetryDelayMs) * time.Millisecond,
			ShutdownTimeout:    time.Duration(cfg.RequestLogging.Queue.GracefulShutdownTimeoutMs) * time.Millisecond,
		}, nil, dropped, length)
	}
	logger := reqlog.New(store, queue, reqlog.Config{
		Enabled:             cfg.RequestLogging.Enabled,
		OmitBodies:          !cfg.RequestLogging.EnableDetailedContent,
		MaxContentLength:    cfg.RequestLogging.MaxContentLength,
		ExcludeHealthChecks: cfg.RequestLogging.ExcludeHealthChecks,
	}, nil)

	disp := dispatch.New(rt, keys, adapters, logger, metrics, nil, cfg.Global.MaxProviderRetries)
	checker := healthcheck.New(store, adapters, metrics, nil)

	// Background workers
	var workers []worker.Worker
	if queue != nil {
		workers = append(workers, queue)
	}
	if cfg.KeyHealthCheck.Enabled {
		workers = append(workers, worker.NewKeyHealthWorker(store, keys, checker, cfg.KeyHealthCheck.IntervalMinutes, nil))
	}
	if cfg.RequestLogging.Enabled {
		workers = append(workers, worker.NewRetentionWorker(store, cfg.RequestLogging.RetentionDays, nil))
	}
	runner := worker.NewRunner(nil, workers...)
	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{})
	go func() {
		runner.Run(workerCtx)
		close(workersDone)
	}()

	// HTTP server
	handler := server.New(server.Deps{
		Keys:       keys,
		Dispatcher: disp,
		Logger:     logger,
		Groups:     store,
		Checker:    checker,
		Metrics:    metrics,
		Registry:   promReg,
	})
	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("orchd ready", "addr", cfg.Server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		<-workersDone
		return err
	}

	// Stop accepting traffic first, then drain the log queue and workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}

	stopWorkers()
	<-workersDone

	slog.Info("orchd stopped")
	return nil
}
