package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nefrit/internal/bot"
	"nefrit/internal/cache"
	"nefrit/internal/config"
	"nefrit/internal/database"
	"nefrit/internal/database/migration"
	handlers "nefrit/internal/http/handler"
	"nefrit/internal/http/middleware"
	"nefrit/internal/logger"
	"nefrit/internal/metrics"
	"nefrit/internal/model"
	"nefrit/internal/node"
	"nefrit/internal/otel"
	"nefrit/internal/repository/sqldb"
	"nefrit/internal/service"
	"nefrit/internal/storage"
	"nefrit/internal/tunnel"
	"nefrit/internal/xray"
)

const (
	workerTimeout   = 10 * time.Second
	shutdownTimeout = 10 * time.Second
	workerWSPath    = "/tunnel"
)

func main() {
	// Load configuration from environment variables (.env auto-loaded if present)
	cfg, err := config.LoadMaster()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("master stopped with error", zap.Error(err))
	}
}

func run(cfg *config.MasterConfig, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, "nefrit-master", lg)
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

	db, dialect, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migration.EnsureMigrated(ctx, db, dialect, lg); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	subCache := newCache(ctx, cfg.Redis, lg)
	backup := newBackup(ctx, cfg.MinIO, "master", lg)

	workers := make([]service.Endpoint, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		workers = append(workers, service.Endpoint{Host: w.Host, WSPath: workerWSPath})
	}
	svc := service.NewSubscriptionService(
		sqldb.NewUserSQL(db, dialect),
		sqldb.NewKeySQL(db, dialect),
		subCache,
		service.Options{
			Master:   service.Endpoint{Host: config.HostFromURL(cfg.BaseURL), WSPath: cfg.Xray.WSPath},
			Workers:  workers,
			BaseURL:  cfg.BaseURL,
			CacheTTL: cfg.Redis.TTL,
		},
		m, lg,
	)

	supervisor := xray.NewSupervisor(xray.Options{
		Binary:     cfg.Xray.Binary,
		ConfigPath: cfg.Xray.ConfigPath,
		LogFile:    cfg.Xray.LogFile,
		Inbound:    xray.InboundSpec{Port: cfg.Xray.Port, WSPath: cfg.Xray.WSPath},
		Clients:    svc.ActiveUUIDs,
		Snapshot:   backup.SnapshotConfig,
		Metrics:    m,
		Logger:     lg,
	})
	if v, err := supervisor.Version(ctx); err != nil {
		lg.Warn("xray version unknown", zap.Error(err))
	} else {
		lg.Info("xray found", zap.String("version", v))
	}
	if err := supervisor.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := supervisor.Stop(); err != nil && !errors.Is(err, xray.ErrNotRunning) {
			lg.Warn("xray stop failed", zap.Error(err))
		}
	}()

	pool := node.NewPool(cfg.Workers, cfg.ServerSecret, workerTimeout, m, lg)
	svc.OnActivate(func(ctx context.Context, _ *model.User) error {
		return supervisor.Restart(ctx)
	})
	svc.OnActivate(func(ctx context.Context, u *model.User) error {
		return pool.AddUser(ctx, u.UUID, u.Path)
	})

	app := fiber.New(fiber.Config{
		ErrorHandler:          handlers.ErrorHandler(),
		DisableStartupMessage: true,
	})

	promMw, err := middleware.NewPrometheusMiddleware(reg)
	if err != nil {
		return err
	}

	// Register global middleware
	app.Use(middleware.RequestID())
	app.Use(middleware.Logger(lg))
	app.Use(otelfiber.Middleware())
	app.Use(promMw.Handler())

	handlers.RegisterMasterRoutes(app, handlers.MasterDeps{
		DB:            db,
		Subscriptions: svc,
		Xray:          supervisor,
		Workers:       pool,
		Tunnel:        tunnel.New(cfg.Xray.Port, cfg.Xray.WSPath, m, lg).Handler(),
		Gatherer:      reg,
		TunnelPath:    cfg.Xray.WSPath,
	})

	var tg *bot.Bot
	if cfg.Bot.Token != "" {
		api, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
		if err != nil {
			return err
		}
		lg.Info("bot authorized", zap.String("username", api.Self.UserName))
		var exporter bot.Exporter
		if backup.Enabled() {
			exporter = backup
		}
		tg = bot.New(api, svc, exporter, cfg.Bot, lg)
	} else {
		lg.Warn("BOT_TOKEN is not set, telegram bot disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lg.Info("master listening", zap.String("port", cfg.Port), zap.Int("workers", pool.Len()))
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

	if pool.Len() > 0 {
		g.Go(func() error {
			users, err := svc.ActiveUsers(gctx)
			if err != nil {
				lg.Error("load users for worker sync failed", zap.Error(err))
				return nil
			}
			if err := pool.Sync(gctx, users); err != nil {
				lg.Warn("worker sync incomplete", zap.Error(err))
			}
			return nil
		})
	}

	if tg != nil {
		g.Go(func() error { return tg.Run(gctx) })
	}

	return g.Wait()
}

func newCache(ctx context.Context, cfg config.RedisConfig, lg *zap.Logger) cache.Cache {
	if !cfg.Enabled() {
		return cache.Nop{}
	}
	rc := cache.NewRedis(cfg)
	if err := rc.Ping(ctx); err != nil {
		lg.Warn("redis unavailable, subscription cache disabled", zap.Error(err))
		_ = rc.Close()
		return cache.Nop{}
	}
	lg.Info("redis cache enabled", zap.String("addr", cfg.Address))
	return rc
}

// newBackup returns a Backup that is a no-op when object storage is not
// configured or unreachable.
func newBackup(ctx context.Context, cfg config.MinIOConfig, nodeName string, lg *zap.Logger) *storage.Backup {
	if !cfg.Enabled() {
		return storage.NewBackup(nil, nodeName, lg)
	}
	store, err := storage.NewMinIO(ctx, cfg)
	if err != nil {
		lg.Warn("object storage unavailable, backups disabled", zap.Error(err))
		return storage.NewBackup(nil, nodeName, lg)
	}
	return storage.NewBackup(store, nodeName, lg)
}
