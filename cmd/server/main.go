package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/config"
	"github.com/t77yq/trainpool/internal/executor"
	"github.com/t77yq/trainpool/internal/handler"
	"github.com/t77yq/trainpool/internal/maintenance"
	"github.com/t77yq/trainpool/internal/model"
	"github.com/t77yq/trainpool/internal/monitor"
	"github.com/t77yq/trainpool/internal/notify"
	"github.com/t77yq/trainpool/internal/scheduler"
	"github.com/t77yq/trainpool/internal/storage"
)

const (
	shutdownTimeout    = 30 * time.Second
	maintenanceTimeout = 10 * time.Minute
	predictTimeout     = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	registry, closeHandlers := buildRegistry(cfg, logger)
	defer closeHandlers()

	// Create task history storage
	history, err := storage.NewSQLiteTaskHistory(logger, cfg.Storage.Path)
	if err != nil {
		logger.Fatal("Failed to create task history storage", zap.Error(err))
	}
	defer history.Close()

	notifiers := []notify.Notifier{notify.NewHistoryNotifier(history, logger)}
	monitorOpts := []monitor.Option{monitor.WithInterval(cfg.Monitor.Interval)}

	if cfg.NATS.URL != "" {
		nc := connectNATS(cfg, logger)
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		natsNotifier, err := notify.NewNATSNotifier(js, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Fatal("Failed to create NATS notifier", zap.Error(err))
		}
		notifiers = append(notifiers, natsNotifier)
		monitorOpts = append(monitorOpts, monitor.WithChannel(natsNotifier))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := monitor.NewExporter("trainpool", reg)
	if err != nil {
		logger.Fatal("Failed to create metrics exporter", zap.Error(err))
	}
	monitorOpts = append(monitorOpts, monitor.WithObserver(exporter))

	sampler, err := executor.NewProcessSampler(logger)
	if err != nil {
		logger.Fatal("Failed to create resource sampler", zap.Error(err))
	}

	pool, err := scheduler.NewWorkerPool(cfg.Pool, registry, logger,
		scheduler.WithNotifier(notify.NewMulti(notifiers...)),
		scheduler.WithSampler(sampler),
		scheduler.WithMonitorOptions(monitorOpts...),
	)
	if err != nil {
		logger.Fatal("Failed to create worker pool", zap.Error(err))
	}

	jobs := maintenance.NewScheduler(logger, maintenanceTimeout)
	if err := jobs.AddJob("cleanup", cfg.Maintenance.CleanupSchedule, maintenance.CleanupJob(pool, logger)); err != nil {
		logger.Fatal("Failed to schedule cleanup", zap.Error(err))
	}
	if err := jobs.AddJob("retention", cfg.Maintenance.RetentionSchedule,
		maintenance.RetentionJob(history, cfg.Storage.Retention, quartz.NewReal(), logger)); err != nil {
		logger.Fatal("Failed to schedule history retention", zap.Error(err))
	}
	jobs.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("Worker pool started",
		zap.String("app", cfg.App.Name),
		zap.Bool("enabled", cfg.Pool.Enabled),
		zap.Int("max_workers", cfg.Pool.MaxWorkers),
		zap.String("metrics_addr", cfg.MetricsAddr))

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	jobs.Stop()

	summary := pool.PerformanceSummary()
	logger.Info("Final performance summary",
		zap.String("status", string(summary.Status)),
		zap.Float64("utilization_pct", summary.Metrics.WorkerUtilizationPct),
		zap.Float64("error_rate_pct", summary.Metrics.ErrorRatePct),
		zap.Int("outstanding_alerts", len(summary.Alerts)),
		zap.Strings("recommendations", summary.Recommendations))

	if err := pool.Terminate(shutdownCtx); err != nil {
		logger.Warn("Shutdown timeout reached, pending tasks were failed", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to stop metrics server", zap.Error(err))
	}

	logger.Info("Server shut down gracefully")
}

// buildRegistry registers a handler for each computation kind the configuration enables
func buildRegistry(cfg *config.Config, logger *zap.Logger) (*executor.Registry, func()) {
	registry := executor.NewRegistry(logger)
	closers := []func() error{}

	for _, kind := range []model.TaskKind{model.TaskKindTrain, model.TaskKindEvaluate} {
		switch cfg.Executor.Mode {
		case "container":
			h, err := handler.NewContainerHandler(kind, handler.ContainerConfig{
				Image:         cfg.Executor.Image,
				Cmd:           append([]string{cfg.Executor.Command}, cfg.Executor.Args...),
				MemoryLimitMB: cfg.Pool.MaxMemoryPerWorkerMB,
			}, logger)
			if err != nil {
				logger.Fatal("Failed to create container handler", zap.Error(err))
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := h.Ping(ctx); err != nil {
				logger.Warn("Docker daemon is not reachable", zap.Error(err))
			}
			cancel()
			registry.RegisterHandler(kind, h)
			closers = append(closers, h.Close)
		default:
			registry.RegisterHandler(kind, handler.NewCommandHandler(kind, handler.CommandConfig{
				Command:    cfg.Executor.Command,
				Args:       cfg.Executor.Args,
				WorkingDir: cfg.Executor.WorkingDir,
			}, logger))
		}
	}

	if cfg.Executor.PredictURL != "" {
		registry.RegisterHandler(model.TaskKindPredict,
			handler.NewHTTPHandler(cfg.Executor.PredictURL, predictTimeout, logger))
	}

	return registry, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Error("Failed to close handler", zap.Error(err))
			}
		}
	}
}

// connectNATS connects with reconnect handling and retries the initial dial
func connectNATS(cfg *config.Config, logger *zap.Logger) *nats.Conn {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc
}
