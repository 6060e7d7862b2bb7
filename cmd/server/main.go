package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"MailRota/internal/api"
	"MailRota/internal/config"
	"MailRota/internal/db"
	"MailRota/internal/email"
	"MailRota/internal/health"
	"MailRota/internal/intake"
	"MailRota/internal/memstore"
	"MailRota/internal/metrics"
	"MailRota/internal/models"
	"MailRota/internal/progress"
	"MailRota/internal/queue"
	"MailRota/internal/quota"
	"MailRota/internal/scheduler"
	"MailRota/internal/sender"
	"MailRota/internal/worker"
)

// backend is everything the engine persists. Both the Postgres store and
// the in-memory store satisfy it.
type backend interface {
	queue.Store
	sender.Store
	health.Store
	progress.Store
	quota.Counter
}

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not read .env", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	loc, _ := cfg.Location()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Storage
	// ------------------------------------------------
	var store backend

	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory store, state is lost on exit")
		store = memstore.New()
	default:
		pg, err := db.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()

		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal("migrations failed", zap.Error(err))
			}
		}
		store = pg
	}

	// ------------------------------------------------
	// Daily Quota Counter
	// ------------------------------------------------
	var counter quota.Counter = store

	if cfg.QuotaBackend == "redis" {
		rc, err := quota.Open(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer rc.Close()
		counter = rc
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Queue, Senders, Health
	// ------------------------------------------------
	tasks := queue.New(store, cfg.RetryPolicy(), logger,
		queue.WithStuckThreshold(cfg.StuckThreshold),
	)

	registry := sender.NewRegistry(store, counter, logger, sender.WithLocation(loc))
	if err := registry.Seed(ctx, cfg.Senders()); err != nil {
		logger.Fatal("failed to seed sender accounts", zap.Error(err))
	}
	rotation := sender.NewRotation(registry)

	monitor := health.NewMonitor(store, cfg.Health(), logger)

	// ------------------------------------------------
	// Transports
	// ------------------------------------------------
	transports := email.NewRouter().
		Register(models.ProviderSMTP, email.NewSMTPTransport(email.SMTPConfig{
			Host:               cfg.SMTPHost,
			Port:               cfg.SMTPPort,
			Username:           cfg.SMTPUser,
			Password:           cfg.SMTPPassword,
			InsecureSkipVerify: cfg.SMTPInsecure,
		}))

	if cfg.ResendAPIKey != "" {
		transports.Register(models.ProviderResend, email.NewResendTransport(cfg.ResendAPIKey))
	}

	// ------------------------------------------------
	// Rate Limiter
	// ------------------------------------------------
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	processor := worker.NewProcessor(worker.Config{
		Queue:       tasks,
		Registry:    registry,
		Rotation:    rotation,
		Health:      monitor,
		Transport:   transports,
		Limiter:     limiter,
		SendTimeout: cfg.SendTimeout,
		PinnedDelay: cfg.PinnedRetryDelay,
		Logger:      logger,
	})

	batches := make(chan worker.Batch, cfg.WorkerCount)

	var wg sync.WaitGroup
	worker.StartPool(ctx, &wg, cfg.WorkerCount, batches, processor, logger)

	// ------------------------------------------------
	// Scheduler
	// ------------------------------------------------
	sched, err := scheduler.New(scheduler.Schedules{
		Process: cfg.ProcessSchedule,
		Sweep:   cfg.SweepSchedule,
		Health:  cfg.HealthSchedule,
	}, tasks, monitor, batches, cfg.BatchSize, logger)
	if err != nil {
		logger.Fatal("invalid schedule", zap.Error(err))
	}
	sched.Start()

	// ------------------------------------------------
	// AMQP Intake
	// ------------------------------------------------
	if cfg.AMQPURL != "" {
		consumer := intake.NewConsumer(cfg.AMQPURL, cfg.AMQPQueue, cfg.BatchSize, tasks, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("amqp consumer stopped", zap.Error(err))
			}
		}()
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Queue:     tasks,
		Registry:  registry,
		Rotation:  rotation,
		Health:    monitor,
		Progress:  progress.NewAggregator(store),
		Processor: processor,
		Batches:   batches,
		BatchSize: cfg.BatchSize,
		Log:       logger,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.NewRouter(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting new work before draining workers
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}
	sched.Stop()

	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
