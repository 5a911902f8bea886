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

	"github.com/nexaflow/replygate/internal/auth"
	"github.com/nexaflow/replygate/internal/cache"
	"github.com/nexaflow/replygate/internal/circuitbreaker"
	"github.com/nexaflow/replygate/internal/config"
	"github.com/nexaflow/replygate/internal/conversation"
	"github.com/nexaflow/replygate/internal/db"
	"github.com/nexaflow/replygate/internal/ecommerce"
	"github.com/nexaflow/replygate/internal/embeddings"
	"github.com/nexaflow/replygate/internal/handlers"
	"github.com/nexaflow/replygate/internal/health"
	"github.com/nexaflow/replygate/internal/httpapi"
	"github.com/nexaflow/replygate/internal/intent"
	"github.com/nexaflow/replygate/internal/knowledge"
	"github.com/nexaflow/replygate/internal/llm"
	"github.com/nexaflow/replygate/internal/processor"
	"github.com/nexaflow/replygate/internal/ratelimit"
	"github.com/nexaflow/replygate/internal/sanitize"
	"github.com/nexaflow/replygate/internal/tracing"
)

const (
	shutdownTimeout = 30 * time.Second

	// Intent analysis is far cheaper than full processing, so its
	// limiter runs at a multiple of the conversation rate.
	intentRateMultiplier = 2

	// runtimeConfigFile is the file watched inside RUNTIME_CONFIG_DIR
	// for operator-adjustable settings.
	runtimeConfigFile = "runtime.yaml"
)

func main() {
	cfg, err := config.LoadEngine()
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

	// Postgres is optional here: without it, feedback is counted in
	// metrics but not persisted.
	var dbClient *db.Client
	if cfg.Postgres.URL != "" {
		dbClient, err = db.NewClient(&db.Config{
			URL:             cfg.Postgres.URL,
			MaxConnections:  cfg.Postgres.MaxConnections,
			IdleConnections: cfg.Postgres.IdleConnections,
			MaxLifetime:     cfg.Postgres.MaxLifetime,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer dbClient.Close()
	}

	// Redis backs the response cache, conversation history and rate
	// limiting through the breaker-wrapped client. The engine starts
	// without it; each consumer has an in-process fallback.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	redisWrapper := circuitbreaker.NewRedisWrapper(redisClient, logger)

	sanitizer := sanitize.New(sanitize.Config{
		MaxLength:      cfg.Pipeline.MaxMessageLength,
		MaxConsecutive: cfg.Pipeline.MaxConsecutiveChars,
	})

	limiter := ratelimit.New(redisWrapper, ratelimit.Config{
		MaxRequests: cfg.RateLimit.Requests,
		Window:      cfg.RateLimit.Window,
		FailOpen:    true,
	}, logger)

	intentLimiter := ratelimit.New(redisWrapper, ratelimit.Config{
		MaxRequests: cfg.RateLimit.Requests * intentRateMultiplier,
		Window:      cfg.RateLimit.Window,
		FailOpen:    true,
	}, logger)

	responseCache := cache.New(redisWrapper, cache.Config{
		TTL:     cfg.Cache.TTL,
		Version: cfg.Cache.Version,
	}, logger)

	history := conversation.NewStore(redisWrapper, conversation.Config{
		TTL:      cfg.Conversation.TTL,
		MaxTurns: cfg.Conversation.MaxTurns,
	}, logger)
	defer history.Close()

	analyzer := intent.NewAnalyzer(intent.Config{
		FuzzyThreshold:      cfg.Pipeline.FuzzyThreshold,
		ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
	}, logger)

	providerBreaker := circuitbreaker.DefaultConfig()
	providerBreaker.FailureThreshold = uint32(cfg.LLM.FailureThreshold)
	providerBreaker.RecoveryTimeout = cfg.LLM.RecoveryTimeout

	var providers []llm.Provider
	var providerBreakers []*circuitbreaker.CircuitBreaker
	if cfg.Gemini.APIKey != "" {
		gemini := llm.NewGemini(llm.GeminiConfig{
			APIKey:  cfg.Gemini.APIKey,
			Model:   cfg.Gemini.Model,
			BaseURL: cfg.Gemini.BaseURL,
			Timeout: cfg.LLM.Timeout,
		}, providerBreaker, logger)
		providers = append(providers, gemini)
		providerBreakers = append(providerBreakers, gemini.Breaker())
	}
	if cfg.OpenAI.APIKey != "" {
		backup := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			BaseURL: cfg.OpenAI.BaseURL,
			Timeout: cfg.LLM.Timeout,
		}, providerBreaker, logger)
		providers = append(providers, backup)
		providerBreakers = append(providerBreakers, backup.Breaker())
	}

	chain := llm.NewChain(llm.RetryPolicy{
		MaxAttempts: cfg.LLM.MaxAttempts,
		BackoffMin:  cfg.LLM.BackoffMin,
		BackoffMax:  cfg.LLM.BackoffMax,
	}, logger, providers...)
	if chain.Providers() == 0 {
		logger.Warn("No LLM provider configured, generative replies fall back to static responses")
	}

	embedder := embeddings.NewService(embeddings.Config{
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.APIURL,
		Timeout:   cfg.Embedding.Timeout,
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
	}, logger)

	retriever := knowledge.NewRetriever(knowledge.Config{
		Threshold: cfg.Knowledge.SimilarityThreshold,
		CachePath: cfg.Embedding.CachePath,
		DocsPath:  cfg.Knowledge.DocsPath,
	}, embedder, logger)

	// Index build is bounded so a hung embedding endpoint cannot stall
	// boot. On failure the engine still starts; knowledge questions go
	// through the LLM fallback until the index is rebuilt.
	initCtx, cancelInit := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := retriever.Initialize(initCtx, nil); err != nil {
		logger.Warn("Failed to build knowledge index", zap.Error(err))
	}
	cancelInit()

	shopBreaker := circuitbreaker.DefaultConfig()
	shopBreaker.FailureThreshold = uint32(cfg.Ecommerce.FailureThreshold)
	shopBreaker.RecoveryTimeout = cfg.Ecommerce.RecoveryTimeout

	shop := ecommerce.NewClient(ecommerce.Config{
		BaseURL: cfg.Ecommerce.APIURL,
		APIKey:  cfg.Ecommerce.APIKey,
		Timeout: cfg.Ecommerce.Timeout,
	}, shopBreaker, logger)

	fallback := handlers.NewFallback(chain, logger)
	registry := handlers.NewRegistry(fallback)
	registry.Register(intent.TypeGreeting, handlers.NewGreeting())
	registry.Register(intent.TypeOrderStatus, handlers.NewOrderStatus(shop, logger))
	registry.Register(intent.TypeProductQuery, handlers.NewProductQuery(shop, cfg.Pipeline.MaxProductsToShow, logger))
	registry.Register(intent.TypeProductDetailsFollowup, handlers.NewProductDetails(shop, logger))
	registry.Register(intent.TypeKnowledgeBaseQuery, handlers.NewKnowledgeQuery(retriever, fallback, logger))

	pipeline := processor.New(sanitizer, limiter, responseCache, history, analyzer, registry, processor.Config{
		MaxConcurrent:     int64(cfg.Pipeline.MaxConcurrentRequests),
		MinResponseLength: cfg.LLM.MinResponseLength,
	}, logger)

	healthManager := health.NewManager(logger)
	if err := registerHealthCheckers(healthManager, redisWrapper, history, dbClient, providerBreakers, shop.Breaker(), cfg.Embedding.CachePath); err != nil {
		logger.Fatal("Failed to register health checkers", zap.Error(err))
	}

	verifier := auth.NewVerifier(auth.Config{
		APIKey:     cfg.Auth.APIKey,
		APIKeyHash: cfg.Auth.APIKeyHash,
		JWTSecret:  cfg.Auth.JWTSecret,
	})
	authenticate := auth.Middleware(verifier, logger)

	// A nil *db.Client assigned to the interface would defeat the nil
	// check inside the feedback handler.
	var feedbackStore httpapi.FeedbackStore
	if dbClient != nil {
		feedbackStore = dbClient
	}

	api := http.NewServeMux()
	httpapi.NewProcessHandler(pipeline, httpapi.ProcessConfig{
		MaxMessageLength: cfg.Pipeline.MaxMessageLength,
		RetryAfter:       cfg.RateLimit.Window,
	}, logger).RegisterRoutes(api)
	httpapi.NewFeedbackHandler(feedbackStore, logger).RegisterRoutes(api)
	httpapi.NewIntentHandler(analyzer, sanitizer, intentLimiter, logger).RegisterRoutes(api)

	mux := http.NewServeMux()
	mux.Handle("/ai/v1/", authenticate(api))
	// The knowledge tombstone stays reachable without credentials so
	// stale clients get the migration notice rather than a 401.
	httpapi.NewKnowledgeHandler(logger).RegisterRoutes(mux)
	health.NewHTTPHandler(healthManager, logger).RegisterRoutes(mux)

	var metricsHandler http.Handler = promhttp.Handler()
	if cfg.MetricsProtected {
		metricsHandler = authenticate(metricsHandler)
	}
	mux.Handle("/metrics", metricsHandler)

	if cfg.RuntimeConfigDir != "" {
		watcher, err := config.NewManager(cfg.RuntimeConfigDir, logger)
		if err != nil {
			logger.Warn("Failed to watch runtime config directory", zap.Error(err))
		} else {
			runtime := config.NewRuntimeManager(watcher, runtimeConfigFile, cfg, logger)
			runtime.Subscribe(func(s *config.RuntimeSettings) {
				limiter.UpdateLimits(s.RateLimitRequests, s.RateLimitWindow)
				intentLimiter.UpdateLimits(s.RateLimitRequests*intentRateMultiplier, s.RateLimitWindow)
			})
			if err := watcher.Start(); err != nil {
				logger.Warn("Failed to start runtime config watcher", zap.Error(err))
			} else {
				defer watcher.Stop()
			}
		}
	}

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Engine starting",
			zap.Int("port", cfg.Port),
			zap.Int("llm_providers", chain.Providers()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start engine", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Engine shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Engine forced to shutdown", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to flush tracer", zap.Error(err))
	}

	logger.Info("Engine stopped")
}

func registerHealthCheckers(
	manager *health.Manager,
	wrapper *circuitbreaker.RedisWrapper,
	history *conversation.Store,
	dbClient *db.Client,
	providerBreakers []*circuitbreaker.CircuitBreaker,
	shopBreaker *circuitbreaker.CircuitBreaker,
	embeddingCachePath string,
) error {
	checkers := []health.Checker{
		health.NewRedisChecker(wrapper, false),
		health.NewConversationStoreChecker(history),
		health.NewBreakerChecker("ecommerce_api", shopBreaker),
	}
	if len(providerBreakers) > 0 {
		checkers = append(checkers, health.NewBreakerChecker("llm_providers", providerBreakers...))
	}
	if dbClient != nil {
		checkers = append(checkers, health.NewDatabaseChecker(dbClient))
	}
	if embeddingCachePath != "" {
		checkers = append(checkers, health.NewFileChecker("embedding_cache", embeddingCachePath))
	}
	for _, c := range checkers {
		if err := manager.RegisterChecker(c); err != nil {
			return err
		}
	}
	return nil
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
