package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nefrit/internal/config"
	handlers "nefrit/internal/http/handler"
	"nefrit/internal/http/middleware"
	"nefrit/internal/logger"
	"nefrit/internal/metrics"
	"nefrit/internal/node"
	"nefrit/internal/otel"
	"nefrit/internal/storage"
	"nefrit/internal/tunnel"
	"nefrit/internal/xray"
)

const shutdownTimeout = 10 * time.Second

var resolvers = []string{"8.8.8.8", "1.1.1.1"}

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()
	lg = lg.With(zap.String("server", cfg.ServerName))

	if err := run(cfg, lg); err != nil {
		lg.Fatal("worker stopped with error", zap.Error(err))
	}
}

func run(cfg *config.WorkerConfig, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, "nefrit-worker", lg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	backup := storage.NewBackup(nil, cfg.ServerName, lg)
	if cfg.MinIO.Enabled() {
		store, err := storage.NewMinIO(ctx, cfg.MinIO)
		if err != nil {
			lg.Warn("object storage unavailable, config snapshots disabled", zap.Error(err))
		} else {
			backup = storage.NewBackup(store, cfg.ServerName, lg)
		}
	}

	// Users live in memory; the master pushes them again on its start.
	registry := node.NewRegistry()

	supervisor := xray.NewSupervisor(xray.Options{
		Binary:     cfg.Xray.Binary,
		ConfigPath: cfg.Xray.ConfigPath,
		LogFile:    cfg.Xray.LogFile,
		Inbound: xray.InboundSpec{
			Port:        cfg.Xray.Port,
			Listen:      "127.0.0.1",
			WSPath:      cfg.Xray.WSPath,
			DNS:         resolvers,
			ClientStyle: xray.ClientLevel,
		},
		Clients: func(context.Context) ([]string, error) {
			return registry.UUIDs(), nil
		},
		Snapshot: backup.SnapshotConfig,
		Metrics:  m,
		Logger:   lg,
	})

	version, err := supervisor.Version(ctx)
	if err != nil {
		lg.Warn("xray version unknown", zap.Error(err))
	} else {
		lg.Info("xray found", zap.String("version", version))
	}
	if err := supervisor.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := supervisor.Stop(); err != nil && !errors.Is(err, xray.ErrNotRunning) {
			lg.Warn("xray stop failed", zap.Error(err))
		}
	}()

	app := fiber.New(fiber.Config{
		ErrorHandler:          handlers.ErrorHandler(),
		DisableStartupMessage: true,
	})

	promMw, err := middleware.NewPrometheusMiddleware(reg)
	if err != nil {
		return err
	}

	app.Use(middleware.RequestID())
	app.Use(middleware.Logger(lg))
	app.Use(otelfiber.Middleware())
	app.Use(promMw.Handler())

	handlers.RegisterWorkerRoutes(app, handlers.WorkerDeps{
		Name:        cfg.ServerName,
		Secret:      cfg.ServerSecret,
		Registry:    registry,
		Xray:        supervisor,
		XrayVersion: version,
		Tunnel:      tunnel.New(cfg.Xray.Port, cfg.Xray.WSPath, m, lg).Handler(),
		Gatherer:    reg,
		TunnelPath:  cfg.Xray.WSPath,
		Logger:      lg,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("worker listening", zap.String("port", cfg.Port))
		return app.Listen(":" + cfg.Port)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(sctx)
	})
	g.Go(func() error {
		return supervisor.Watch(gctx, cfg.Xray.HealthInterval)
	})
	return g.Wait()
}
