package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// RedisConfig contains the Redis connection settings
type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

// PostgresConfig contains the Postgres connection settings
type PostgresConfig struct {
	URL             string        `json:"url" yaml:"url"`
	MaxConnections  int           `json:"max_connections" yaml:"max_connections"`
	IdleConnections int           `json:"idle_connections" yaml:"idle_connections"`
	MaxLifetime     time.Duration `json:"max_lifetime" yaml:"max_lifetime"`
}

// AuthConfig contains internal endpoint authentication settings. APIKey is
// compared directly; APIKeyHash, when set, takes precedence and is verified
// with bcrypt. JWTSecret optionally enables service JWTs.
type AuthConfig struct {
	APIKey     string `json:"api_key" yaml:"api_key"`
	APIKeyHash string `json:"api_key_hash" yaml:"api_key_hash"`
	JWTSecret  string `json:"jwt_secret" yaml:"jwt_secret"`
}

// TracingConfig contains OTLP tracing settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// WebhookConfig contains inbound webhook verification settings
type WebhookConfig struct {
	VerifyToken  string        `json:"verify_token" yaml:"verify_token"`
	Secret       string        `json:"secret" yaml:"secret"`
	ReplayWindow time.Duration `json:"replay_window" yaml:"replay_window"`
	StrictDedup  bool          `json:"strict_dedup" yaml:"strict_dedup"`
}

// WorkerConfig contains delivery worker settings
type WorkerConfig struct {
	Concurrency      int           `json:"concurrency" yaml:"concurrency"`
	QueueKey         string        `json:"queue_key" yaml:"queue_key"`
	AIServiceURL     string        `json:"ai_service_url" yaml:"ai_service_url"`
	AIRequestTimeout time.Duration `json:"ai_request_timeout" yaml:"ai_request_timeout"`
	SoftTimeout      time.Duration `json:"soft_timeout" yaml:"soft_timeout"`
	HardTimeout      time.Duration `json:"hard_timeout" yaml:"hard_timeout"`
}

// WhatsAppConfig contains outbound platform settings
type WhatsAppConfig struct {
	APIURL        string  `json:"api_url" yaml:"api_url"`
	APIVersion    string  `json:"api_version" yaml:"api_version"`
	PhoneNumberID string  `json:"phone_number_id" yaml:"phone_number_id"`
	AccessToken   string  `json:"access_token" yaml:"access_token"`
	SendRate      float64 `json:"send_rate" yaml:"send_rate"`
}

// RateLimitConfig contains per-user limiter settings
type RateLimitConfig struct {
	Requests int           `json:"requests" yaml:"requests"`
	Window   time.Duration `json:"window" yaml:"window"`
}

// ProviderConfig contains one LLM provider's settings
type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// LLMConfig bounds generation calls across providers. The breaker fields
// apply to each provider separately.
type LLMConfig struct {
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	BackoffMin        time.Duration `json:"backoff_min" yaml:"backoff_min"`
	BackoffMax        time.Duration `json:"backoff_max" yaml:"backoff_max"`
	MinResponseLength int           `json:"min_response_length" yaml:"min_response_length"`
	FailureThreshold  int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout   time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
}

// EmbeddingConfig contains embedding service settings
type EmbeddingConfig struct {
	Model     string        `json:"model" yaml:"model"`
	APIURL    string        `json:"api_url" yaml:"api_url"`
	APIKey    string        `json:"api_key" yaml:"api_key"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	Dimension int           `json:"dimension" yaml:"dimension"`
	BatchSize int           `json:"batch_size" yaml:"batch_size"`
	CachePath string        `json:"cache_path" yaml:"cache_path"`
}

// KnowledgeConfig contains retriever settings
type KnowledgeConfig struct {
	DocsPath            string  `json:"docs_path" yaml:"docs_path"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
}

// EcommerceConfig contains the product/order backend settings
type EcommerceConfig struct {
	APIURL           string        `json:"api_url" yaml:"api_url"`
	APIKey           string        `json:"api_key" yaml:"api_key"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
}

// PipelineConfig bounds the processing pipeline
type PipelineConfig struct {
	MaxMessageLength      int     `json:"max_message_length" yaml:"max_message_length"`
	MaxConsecutiveChars   int     `json:"max_consecutive_chars" yaml:"max_consecutive_chars"`
	MaxConcurrentRequests int     `json:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	MaxProductsToShow     int     `json:"max_products_to_show" yaml:"max_products_to_show"`
	FuzzyThreshold        int     `json:"fuzzy_threshold" yaml:"fuzzy_threshold"`
	ConfidenceThreshold   float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
}

// ConversationConfig contains history store settings
type ConversationConfig struct {
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
	MaxTurns int           `json:"max_turns" yaml:"max_turns"`
}

// CacheConfig contains response cache settings
type CacheConfig struct {
	TTL     time.Duration `json:"ttl" yaml:"ttl"`
	Version string        `json:"version" yaml:"version"`
}

// GatewayConfig is the full configuration of the gateway service: webhook
// ingest, persistence, queueing and the delivery worker pool.
type GatewayConfig struct {
	Port             int             `json:"port" yaml:"port"`
	MetricsProtected bool            `json:"metrics_protected" yaml:"metrics_protected"`
	Logging          LoggingConfig   `json:"logging" yaml:"logging"`
	Redis            RedisConfig     `json:"redis" yaml:"redis"`
	Postgres         PostgresConfig  `json:"postgres" yaml:"postgres"`
	Auth             AuthConfig      `json:"auth" yaml:"auth"`
	Tracing          TracingConfig   `json:"tracing" yaml:"tracing"`
	Webhook          WebhookConfig   `json:"webhook" yaml:"webhook"`
	RateLimit        RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Worker           WorkerConfig    `json:"worker" yaml:"worker"`
	WhatsApp         WhatsAppConfig  `json:"whatsapp" yaml:"whatsapp"`
}

// EngineConfig is the full configuration of the AI engine service: the
// processing pipeline, providers, retrieval and per-user limits.
type EngineConfig struct {
	Port             int                `json:"port" yaml:"port"`
	MetricsProtected bool               `json:"metrics_protected" yaml:"metrics_protected"`
	RuntimeConfigDir string             `json:"runtime_config_dir" yaml:"runtime_config_dir"`
	Logging          LoggingConfig      `json:"logging" yaml:"logging"`
	Redis            RedisConfig        `json:"redis" yaml:"redis"`
	Postgres         PostgresConfig     `json:"postgres" yaml:"postgres"`
	Auth             AuthConfig         `json:"auth" yaml:"auth"`
	Tracing          TracingConfig      `json:"tracing" yaml:"tracing"`
	Conversation     ConversationConfig `json:"conversation" yaml:"conversation"`
	Cache            CacheConfig        `json:"cache" yaml:"cache"`
	Pipeline         PipelineConfig     `json:"pipeline" yaml:"pipeline"`
	RateLimit        RateLimitConfig    `json:"rate_limit" yaml:"rate_limit"`
	Gemini           ProviderConfig     `json:"gemini" yaml:"gemini"`
	OpenAI           ProviderConfig     `json:"openai" yaml:"openai"`
	LLM              LLMConfig          `json:"llm" yaml:"llm"`
	Embedding        EmbeddingConfig    `json:"embedding" yaml:"embedding"`
	Knowledge        KnowledgeConfig    `json:"knowledge" yaml:"knowledge"`
	Ecommerce        EcommerceConfig    `json:"ecommerce" yaml:"ecommerce"`
}

// newViper builds a viper instance bound to the process environment, with an
// optional YAML file merged underneath env overrides. Keys are flat and match
// the environment variable names lowercased.
func newViper(defaultMetricsProtected bool) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("metrics_protected", defaultMetricsProtected)
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("otlp_endpoint", "localhost:4317")
	v.SetDefault("internal_api_key", "")
	v.SetDefault("internal_api_key_hash", "")
	v.SetDefault("internal_jwt_secret", "")

	if path := v.GetString("config_path"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return v, nil
}

// LoadGateway assembles the gateway configuration from environment variables
// and the optional CONFIG_PATH file.
func LoadGateway() (*GatewayConfig, error) {
	v, err := newViper(false)
	if err != nil {
		return nil, err
	}

	v.SetDefault("gateway_port", 8080)
	v.SetDefault("webhook_verify_token", "")
	v.SetDefault("webhook_secret", "")
	v.SetDefault("webhook_timeout", 300)
	v.SetDefault("strict_redis_dedup", false)
	v.SetDefault("rate_limit_requests", 100)
	v.SetDefault("rate_limit_window", 60)
	v.SetDefault("database_url", "")
	v.SetDefault("db_max_connections", 25)
	v.SetDefault("db_idle_connections", 5)
	v.SetDefault("db_max_lifetime", "5m")
	v.SetDefault("ai_service_url", "http://localhost:8000")
	v.SetDefault("ai_request_timeout", "90s")
	v.SetDefault("task_queue_key", "task_queue:deliver")
	v.SetDefault("worker_concurrency", 4)
	v.SetDefault("task_soft_timeout", "120s")
	v.SetDefault("task_hard_timeout", "150s")
	v.SetDefault("whatsapp_api_url", "https://graph.facebook.com")
	v.SetDefault("whatsapp_api_version", "v17.0")
	v.SetDefault("whatsapp_phone_number_id", "")
	v.SetDefault("whatsapp_access_token", "")
	v.SetDefault("whatsapp_send_rate", 20)

	cfg := &GatewayConfig{
		Port:             v.GetInt("gateway_port"),
		MetricsProtected: v.GetBool("metrics_protected"),
		Logging:          LoggingConfig{Level: v.GetString("log_level")},
		Redis:            RedisConfig{URL: v.GetString("redis_url")},
		Postgres: PostgresConfig{
			URL:             v.GetString("database_url"),
			MaxConnections:  v.GetInt("db_max_connections"),
			IdleConnections: v.GetInt("db_idle_connections"),
			MaxLifetime:     durationKey(v, "db_max_lifetime", 5*time.Minute),
		},
		Auth: AuthConfig{
			APIKey:     v.GetString("internal_api_key"),
			APIKeyHash: v.GetString("internal_api_key_hash"),
			JWTSecret:  v.GetString("internal_jwt_secret"),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool("tracing_enabled"),
			Endpoint:    v.GetString("otlp_endpoint"),
			ServiceName: "replygate-gateway",
		},
		Webhook: WebhookConfig{
			VerifyToken:  v.GetString("webhook_verify_token"),
			Secret:       v.GetString("webhook_secret"),
			ReplayWindow: secondsKey(v, "webhook_timeout", 300*time.Second),
			StrictDedup:  v.GetBool("strict_redis_dedup"),
		},
		RateLimit: RateLimitConfig{
			Requests: v.GetInt("rate_limit_requests"),
			Window:   secondsKey(v, "rate_limit_window", time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency:      v.GetInt("worker_concurrency"),
			QueueKey:         v.GetString("task_queue_key"),
			AIServiceURL:     strings.TrimRight(v.GetString("ai_service_url"), "/"),
			AIRequestTimeout: durationKey(v, "ai_request_timeout", 90*time.Second),
			SoftTimeout:      durationKey(v, "task_soft_timeout", 120*time.Second),
			HardTimeout:      durationKey(v, "task_hard_timeout", 150*time.Second),
		},
		WhatsApp: WhatsAppConfig{
			APIURL:        strings.TrimRight(v.GetString("whatsapp_api_url"), "/"),
			APIVersion:    v.GetString("whatsapp_api_version"),
			PhoneNumberID: v.GetString("whatsapp_phone_number_id"),
			AccessToken:   v.GetString("whatsapp_access_token"),
			SendRate:      v.GetFloat64("whatsapp_send_rate"),
		},
	}

	return cfg, cfg.Validate()
}

// LoadEngine assembles the engine configuration from environment variables
// and the optional CONFIG_PATH file.
func LoadEngine() (*EngineConfig, error) {
	v, err := newViper(true)
	if err != nil {
		return nil, err
	}

	v.SetDefault("engine_port", 8000)
	v.SetDefault("runtime_config_dir", "")
	v.SetDefault("database_url", "")
	v.SetDefault("db_max_connections", 25)
	v.SetDefault("db_idle_connections", 5)
	v.SetDefault("db_max_lifetime", "5m")
	v.SetDefault("conversation_ttl_seconds", 3600)
	v.SetDefault("max_history_turns", 20)
	v.SetDefault("cache_ttl", 300)
	v.SetDefault("cache_version", "v1")
	v.SetDefault("max_message_length", 4096)
	v.SetDefault("max_consecutive_chars", 100)
	v.SetDefault("max_concurrent_requests", 50)
	v.SetDefault("max_products_to_show", 5)
	v.SetDefault("fuzzy_threshold", 70)
	v.SetDefault("confidence_threshold", 0.7)
	v.SetDefault("rate_limit_requests", 100)
	v.SetDefault("rate_limit_window", 60)
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("gemini_model", "gemini-2.5-flash-lite")
	v.SetDefault("gemini_api_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_model", "gpt-4o-mini")
	v.SetDefault("openai_base_url", "")
	v.SetDefault("llm_timeout", "30s")
	v.SetDefault("llm_max_attempts", 3)
	v.SetDefault("llm_backoff_min", "2s")
	v.SetDefault("llm_backoff_max", "10s")
	v.SetDefault("llm_failure_threshold", 5)
	v.SetDefault("llm_recovery_timeout", 60)
	v.SetDefault("min_llm_response_length", 5)
	v.SetDefault("embedding_model", "text-embedding-004")
	v.SetDefault("embedding_api_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("embedding_api_key", "")
	v.SetDefault("embedding_timeout", "15s")
	v.SetDefault("embedding_dimension", 768)
	v.SetDefault("embedding_batch_size", 10)
	v.SetDefault("embedding_cache_path", ".cache/embeddings.json")
	v.SetDefault("knowledge_docs_path", "")
	v.SetDefault("similarity_threshold", 0.75)
	v.SetDefault("ecommerce_api_url", "")
	v.SetDefault("ecommerce_api_key", "")
	v.SetDefault("ecommerce_timeout", "10s")
	v.SetDefault("ecommerce_failure_threshold", 3)
	v.SetDefault("ecommerce_recovery_timeout", 30)

	cfg := &EngineConfig{
		Port:             v.GetInt("engine_port"),
		MetricsProtected: v.GetBool("metrics_protected"),
		RuntimeConfigDir: v.GetString("runtime_config_dir"),
		Logging:          LoggingConfig{Level: v.GetString("log_level")},
		Redis:            RedisConfig{URL: v.GetString("redis_url")},
		Postgres: PostgresConfig{
			URL:             v.GetString("database_url"),
			MaxConnections:  v.GetInt("db_max_connections"),
			IdleConnections: v.GetInt("db_idle_connections"),
			MaxLifetime:     durationKey(v, "db_max_lifetime", 5*time.Minute),
		},
		Auth: AuthConfig{
			APIKey:     v.GetString("internal_api_key"),
			APIKeyHash: v.GetString("internal_api_key_hash"),
			JWTSecret:  v.GetString("internal_jwt_secret"),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool("tracing_enabled"),
			Endpoint:    v.GetString("otlp_endpoint"),
			ServiceName: "replygate-engine",
		},
		Conversation: ConversationConfig{
			TTL:      secondsKey(v, "conversation_ttl_seconds", time.Hour),
			MaxTurns: v.GetInt("max_history_turns"),
		},
		Cache: CacheConfig{
			TTL:     secondsKey(v, "cache_ttl", 300*time.Second),
			Version: v.GetString("cache_version"),
		},
		Pipeline: PipelineConfig{
			MaxMessageLength:      v.GetInt("max_message_length"),
			MaxConsecutiveChars:   v.GetInt("max_consecutive_chars"),
			MaxConcurrentRequests: v.GetInt("max_concurrent_requests"),
			MaxProductsToShow:     v.GetInt("max_products_to_show"),
			FuzzyThreshold:        v.GetInt("fuzzy_threshold"),
			ConfidenceThreshold:   v.GetFloat64("confidence_threshold"),
		},
		RateLimit: RateLimitConfig{
			Requests: v.GetInt("rate_limit_requests"),
			Window:   secondsKey(v, "rate_limit_window", time.Minute),
		},
		Gemini: ProviderConfig{
			APIKey:  v.GetString("gemini_api_key"),
			Model:   v.GetString("gemini_model"),
			BaseURL: strings.TrimRight(v.GetString("gemini_api_url"), "/"),
		},
		OpenAI: ProviderConfig{
			APIKey:  v.GetString("openai_api_key"),
			Model:   v.GetString("openai_model"),
			BaseURL: strings.TrimRight(v.GetString("openai_base_url"), "/"),
		},
		LLM: LLMConfig{
			Timeout:           durationKey(v, "llm_timeout", 30*time.Second),
			MaxAttempts:       v.GetInt("llm_max_attempts"),
			BackoffMin:        durationKey(v, "llm_backoff_min", 2*time.Second),
			BackoffMax:        durationKey(v, "llm_backoff_max", 10*time.Second),
			MinResponseLength: v.GetInt("min_llm_response_length"),
			FailureThreshold:  v.GetInt("llm_failure_threshold"),
			RecoveryTimeout:   secondsKey(v, "llm_recovery_timeout", time.Minute),
		},
		Embedding: EmbeddingConfig{
			Model:     v.GetString("embedding_model"),
			APIURL:    strings.TrimRight(v.GetString("embedding_api_url"), "/"),
			APIKey:    v.GetString("embedding_api_key"),
			Timeout:   durationKey(v, "embedding_timeout", 15*time.Second),
			Dimension: v.GetInt("embedding_dimension"),
			BatchSize: v.GetInt("embedding_batch_size"),
			CachePath: v.GetString("embedding_cache_path"),
		},
		Knowledge: KnowledgeConfig{
			DocsPath:            v.GetString("knowledge_docs_path"),
			SimilarityThreshold: v.GetFloat64("similarity_threshold"),
		},
		Ecommerce: EcommerceConfig{
			APIURL:           strings.TrimRight(v.GetString("ecommerce_api_url"), "/"),
			APIKey:           v.GetString("ecommerce_api_key"),
			Timeout:          durationKey(v, "ecommerce_timeout", 10*time.Second),
			FailureThreshold: v.GetInt("ecommerce_failure_threshold"),
			RecoveryTimeout:  secondsKey(v, "ecommerce_recovery_timeout", 30*time.Second),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks the settings the gateway cannot run without.
func (c *GatewayConfig) Validate() error {
	var missing []string
	if c.Webhook.VerifyToken == "" {
		missing = append(missing, "WEBHOOK_VERIFY_TOKEN")
	}
	if c.Webhook.Secret == "" {
		missing = append(missing, "WEBHOOK_SECRET")
	}
	if c.Postgres.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Port)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit must be positive: %d per %s", c.RateLimit.Requests, c.RateLimit.Window)
	}
	return nil
}

// Validate checks the engine's numeric bounds. Provider keys are optional;
// the failover chain ends in a static response.
func (c *EngineConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid engine port: %d", c.Port)
	}
	if c.Pipeline.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max concurrent requests must be positive, got %d", c.Pipeline.MaxConcurrentRequests)
	}
	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold out of range: %f", c.Pipeline.ConfidenceThreshold)
	}
	if c.Knowledge.SimilarityThreshold < 0 || c.Knowledge.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold out of range: %f", c.Knowledge.SimilarityThreshold)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit must be positive: %d per %s", c.RateLimit.Requests, c.RateLimit.Window)
	}
	return nil
}

// durationKey reads a Go-style duration, accepting bare integers as seconds.
func durationKey(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	raw := v.GetString(key)
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// secondsKey reads a value documented as whole seconds.
func secondsKey(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	return durationKey(v, key, fallback)
}
