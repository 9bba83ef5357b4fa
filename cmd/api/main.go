package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/waha-bridge/cmd/mainconfig"
	"github.com/wolfman30/waha-bridge/internal/api/router"
	"github.com/wolfman30/waha-bridge/internal/app/bootstrap"
	"github.com/wolfman30/waha-bridge/internal/audit"
	appconfig "github.com/wolfman30/waha-bridge/internal/config"
	"github.com/wolfman30/waha-bridge/internal/events"
	"github.com/wolfman30/waha-bridge/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/waha-bridge/internal/http/middleware"
	"github.com/wolfman30/waha-bridge/internal/messaging"
	"github.com/wolfman30/waha-bridge/internal/messaging/wahaclient"
	"github.com/wolfman30/waha-bridge/internal/notify"
	observemetrics "github.com/wolfman30/waha-bridge/internal/observability/metrics"
	"github.com/wolfman30/waha-bridge/internal/threadfeed"
	sessionworker "github.com/wolfman30/waha-bridge/internal/worker/session"
	"github.com/wolfman30/waha-bridge/pkg/logging"
)

func main() {
	cfg := mainconfig.LoadConfig()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting waha-bridge API server", "env", cfg.Env, "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	sqlDB, err := bootstrap.BuildSQLDB(cfg)
	if err != nil {
		logger.Error("failed to open audit database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sqlDB.Close() }()

	var awsCfg *aws.Config
	if mainconfig.NeedsAWS(cfg) {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		awsCfg = &loaded
	}

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	metricsHandler, metrics := setupMessagingMetrics()

	media, err := bootstrap.BuildMediaPipeline(ctx, cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build media pipeline", "error", err)
		os.Exit(1)
	}

	core := bootstrap.BuildCore(bootstrap.CoreDeps{
		Config:    cfg,
		Logger:    logger,
		Repo:      messaging.NewStore(pool),
		Processed: events.NewProcessedStore(pool),
		Redis:     redisClient,
		Blobs:     media.Blobs,
		Media:     media.Publisher(logger),
		Audit:     audit.NewService(sqlDB),
		Metrics:   metrics,
	})

	// Without a shared queue the media jobs can only be consumed here.
	if cfg.UseMemoryQueue {
		worker := media.Worker(core, cfg, logger)
		worker.Start(ctx)
		defer worker.Wait()
	}
	go core.RunFeedRelay(ctx, logger)
	go core.Processed.RunPruner(ctx, time.Hour, cfg.ProcessedEventRetention, logger.Component("processed-events"))

	notifier := notify.NewService(bootstrap.BuildEmailSender(cfg, awsCfg, logger), core.Repo, cfg.PublicBaseURL, logger)
	go bootstrap.BuildOutboxDeliverer(cfg, events.NewOutboxStore(pool), notifier, logger).Start(ctx)

	monitor := sessionworker.NewMonitor(core.Repo, sessionReaders(cfg, logger), core.Accounts, logger.Component("session-monitor")).
		WithInterval(cfg.SessionPollInterval)
	go monitor.Run(ctx)

	limiter := httpmiddleware.NewRateLimiter(float64(cfg.WebhookRateLimit), cfg.WebhookRateBurst)
	go limiter.Run(ctx, 5*time.Minute, 10*time.Minute)

	r := router.New(&router.Config{
		Logger: logger,
		Webhooks: handlers.NewWAHAWebhookHandler(handlers.WAHAWebhookConfig{
			Accounts:   core.Repo,
			Processed:  core.Processed,
			Reconciler: core.Reconciler,
			Acks:       core.Status,
			Sessions:   core.Accounts,
			HMACSecret: cfg.WAHAWebhookHMACSecret,
			Logger:     logger.Component("webhooks"),
			Metrics:    metrics,
		}),
		Messages: handlers.NewMessagesHandler(handlers.MessagesConfig{
			Reconciler: core.Reconciler,
			History:    historyFor(core),
			Live:       core.Hub,
			Audit:      core.Audit,
			Logger:     logger.Component("operator-api"),
		}),
		WebhookLimiter:     limiter,
		AdminAuthSecret:    cfg.AdminJWTSecret,
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		HealthChecks:       healthChecks(pool, sqlDB, redisClient),
	})
	if cfg.AdminJWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set; operator API disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func setupMessagingMetrics() (http.Handler, *observemetrics.MessagingMetrics) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observemetrics.NewMessagingMetrics(registry)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), metrics
}

func sessionReaders(cfg *appconfig.Config, logger *logging.Logger) sessionworker.ReaderFactory {
	return func(account *messaging.Account) (sessionworker.SessionReader, error) {
		baseURL, apiKey := account.BaseURL, account.APIKey
		if baseURL == "" {
			baseURL = cfg.WAHABaseURL
		}
		if apiKey == "" {
			apiKey = cfg.WAHAAPIKey
		}
		client, err := wahaclient.New(wahaclient.Config{
			BaseURL:    baseURL,
			APIKey:     apiKey,
			Session:    account.Session,
			Timeout:    cfg.WAHATimeout,
			MaxRetries: cfg.WAHAMaxRetries,
			Backoff:    cfg.WAHARetryBackoff,
			Logger:     logger.Logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// historyFor avoids handing the handler a typed nil when Redis is off.
func historyFor(core *bootstrap.Core) threadfeed.History {
	if core.RedisFeed == nil {
		return nil
	}
	return core.RedisFeed
}

func healthChecks(pool *pgxpool.Pool, db *sql.DB, redisClient *redis.Client) map[string]router.HealthCheck {
	checks := map[string]router.HealthCheck{}
	if pool != nil {
		checks["postgres"] = pool.Ping
	}
	if db != nil {
		checks["audit_db"] = db.PingContext
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	return checks
}
