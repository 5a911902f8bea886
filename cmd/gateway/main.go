package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nexaflow/replygate/cmd/gateway/internal/handlers"
	"github.com/nexaflow/replygate/cmd/gateway/internal/middleware"
	"github.com/nexaflow/replygate/internal/auth"
	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/config"
	"github.com/nexaflow/replygate/internal/db"
	"github.com/nexaflow/replygate/internal/health"
	"github.com/nexaflow/replygate/internal/queue"
	"github.com/nexaflow/replygate/internal/ratelimit"
	"github.com/nexaflow/replygate/internal/sanitize"
	"github.com/nexaflow/replygate/internal/tracing"
	"github.com/nexaflow/replygate/internal/whatsapp"
	"github.com/nexaflow/replygate/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.Endpoint,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Postgres: ingest cannot acknowledge deliveries without it.
	dbClient, err := db.NewClient(&db.Config{
		URL:             cfg.Postgres.URL,
		MaxConnections:  cfg.Postgres.MaxConnections,
		IdleConnections: cfg.Postgres.IdleConnections,
		MaxLifetime:     cfg.Postgres.MaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer dbClient.Close()

	// Redis backs dedup, the task queue, worker locks and rate limiting,
	// all through the breaker-wrapped client. The gateway starts without
	// it; dedup and limiting fail open and the queue retries.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	redisWrapper := circuitbreaker.NewRedisWrapper(redisClient, logger)

	taskQueue := queue.New(redisWrapper, queue.Config{Key: cfg.Worker.QueueKey}, logger)

	limiter := ratelimit.New(redisWrapper, ratelimit.Config{
		MaxRequests: cfg.RateLimit.Requests,
		Window:      cfg.RateLimit.Window,
		FailOpen:    true,
	}, logger)

	engineClient := worker.NewEngineClient(worker.EngineConfig{
		BaseURL: cfg.Worker.AIServiceURL,
		APIKey:  cfg.Auth.APIKey,
		Timeout: cfg.Worker.AIRequestTimeout,
	}, circuitbreaker.DefaultConfig(), logger)

	waClient := whatsapp.NewClient(whatsapp.Config{
		APIURL:        cfg.WhatsApp.APIURL,
		APIVersion:    cfg.WhatsApp.APIVersion,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		AccessToken:   cfg.WhatsApp.AccessToken,
		SendRate:      cfg.WhatsApp.SendRate,
	}, circuitbreaker.DefaultConfig(), logger)

	pool := worker.NewPool(taskQueue, redisWrapper, engineClient, waClient, dbClient, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		SoftTimeLimit: cfg.Worker.SoftTimeout,
		HardTimeLimit: cfg.Worker.HardTimeout,
	}, logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	pool.Start(workerCtx)

	healthManager := health.NewManager(logger)
	if err := handlers.RegisterHealthCheckers(healthManager, dbClient, redisWrapper, cfg.Worker.AIServiceURL); err != nil {
		logger.Fatal("Failed to register health checkers", zap.Error(err))
	}

	verifier := auth.NewVerifier(auth.Config{
		APIKey:     cfg.Auth.APIKey,
		APIKeyHash: cfg.Auth.APIKeyHash,
		JWTSecret:  cfg.Auth.JWTSecret,
	})

	webhookHandler := handlers.NewWebhookHandler(
		dbClient,
		redisWrapper,
		taskQueue,
		sanitize.New(sanitize.Config{}),
		handlers.WebhookConfig{
			VerifyToken:  cfg.Webhook.VerifyToken,
			ReplayWindow: cfg.Webhook.ReplayWindow,
			StrictDedup:  cfg.Webhook.StrictDedup,
		},
		logger,
	)

	correlation := middleware.Correlation(logger)
	webhookMetrics := middleware.WebhookMetrics()
	signature := middleware.Signature(cfg.Webhook.Secret, logger)
	rateLimit := middleware.RateLimit(limiter, handlers.SenderKey, logger)

	mux := http.NewServeMux()
	mux.Handle("/webhook",
		correlation(
			webhookMetrics(
				signature(
					rateLimit(
						http.HandlerFunc(webhookHandler.HandleWebhook),
					),
				),
			),
		),
	)
	health.NewHTTPHandler(healthManager, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", middleware.Protect(cfg.MetricsProtected, verifier, logger, promhttp.Handler()))

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Gateway starting", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start gateway", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Gateway shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting webhooks first, then drain in-flight delivery tasks.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Gateway forced to shutdown", zap.Error(err))
	}
	stopWorkers()
	pool.Wait()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to flush tracer", zap.Error(err))
	}

	logger.Info("Gateway stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}
