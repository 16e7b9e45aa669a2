package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/LemmyAI/megabrain-protocol/internal/adapters/embedding"
	"github.com/LemmyAI/megabrain-protocol/internal/adapters/http/api"
	"github.com/LemmyAI/megabrain-protocol/internal/adapters/snapshot"
	app "github.com/LemmyAI/megabrain-protocol/internal/app"
	"github.com/LemmyAI/megabrain-protocol/internal/config"
	"github.com/LemmyAI/megabrain-protocol/pkg/logger"
	"github.com/LemmyAI/megabrain-protocol/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	// Initialize logging
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return
	}
	defer func() { _ = logger.Sync() }()

	loggerInstance := logger.Get()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return
	}

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		loggerInstance.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	svc, closeAdapters, err := buildService(ctx, cfg, loggerInstance)
	if err != nil {
		os.Stderr.WriteString("failed to build service: " + err.Error() + "\n")
		return
	}
	defer closeAdapters()

	if err := svc.Start(ctx); err != nil {
		os.Stderr.WriteString("failed to start service: " + err.Error() + "\n")
		return
	}
	defer svc.Stop()

	go startSystemMetricsUpdater(ctx)
	go startServiceMetricsUpdater(ctx, svc)

	if cfg.InboxDir != "" {
		submitInbox(ctx, svc, cfg.InboxDir, loggerInstance)
	}

	// HTTP mux and operational routes.
	mux := http.NewServeMux()
	api.NewServer(svc).Register(ctx, mux)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		loggerInstance.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			loggerInstance.Error(ctx, "HTTP server failed", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	loggerInstance.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		loggerInstance.Error(ctx, "server shutdown failed", logger.Error(err))
	}

	loggerInstance.Info(ctx, "server stopped")
}

// buildService wires the optional adapters named by cfg into a Service. The
// returned func releases the adapters.
func buildService(ctx context.Context, cfg *config.Config, l logger.Logger) (*app.Service, func(), error) {
	settleCfg, err := cfg.Settlement()
	if err != nil {
		return nil, nil, err
	}

	opts := []app.Option{
		app.WithLogger(l.Named("service")),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithStoreSize(cfg.StoreSize),
		app.WithSettlementConfig(settleCfg),
	}

	if cfg.Embedding.Enabled() {
		client, err := embedding.NewClient(cfg.Embedding.URL,
			embedding.WithModel(cfg.Embedding.Model),
			embedding.WithTimeout(cfg.Embedding.Timeout),
			embedding.WithRetries(cfg.Embedding.Retries),
			embedding.WithLogger(l.Named("embedding")),
		)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, app.WithEmbedder(client))
	}

	closeFn := func() {}
	if cfg.OutboxDir != "" {
		archiver, err := snapshot.NewArchiver(cfg.OutboxDir, snapshot.WithLogger(l.Named("archive")))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, app.WithArchiver(archiver))
		closeFn = func() {
			if err := archiver.Close(); err != nil {
				l.Error(ctx, "failed to close archiver", logger.Error(err))
			}
		}
	}

	return app.New(opts...), closeFn, nil
}

// submitInbox queues every snapshot found in dir. Files that cannot be
// decoded or submitted are logged and skipped.
func submitInbox(ctx context.Context, svc *app.Service, dir string, l logger.Logger) {
	snaps, err := snapshot.LoadDir(dir)
	if err != nil {
		l.Warn(ctx, "some inbox snapshots could not be read", logger.String("dir", dir), logger.Error(err))
	}

	var queued int
	for i := range snaps {
		if err := svc.Submit(ctx, snaps[i]); err != nil {
			l.Warn(ctx, "inbox snapshot rejected",
				logger.String("taskID", snaps[i].Task.ID),
				logger.Error(err),
			)
			continue
		}
		queued++
	}
	l.Info(ctx, "inbox submitted",
		logger.String("dir", dir),
		logger.Int("found", len(snaps)),
		logger.Int("queued", queued),
	)
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater starts a background goroutine that updates service metrics.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)

	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

// updateServiceMetrics refreshes gauges from the service stats.
func updateServiceMetrics(svc *app.Service) {
	stats := svc.GetStats()

	if queueLen, ok := stats["queueLength"].(int); ok {
		if capacity, ok := stats["queueSize"].(int); ok {
			metrics.UpdateQueueSize(queueLen, capacity)
		}
	}

	if workerCount, ok := stats["workerCount"].(int); ok {
		metrics.UpdateWorkerCount(workerCount)
	}

	if stored, ok := stats["stored"].(int); ok {
		metrics.UpdateStoredResults(stored)
	}
}
