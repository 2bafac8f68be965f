package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultOrchestratorAddr  = ":8080"
	DefaultGatewayAddr       = ":8081"
	DefaultRequestDeadline   = 30 * time.Second
	DefaultPGPoolSize        = 16
	DefaultOutboundAttempts  = 5
	DefaultIngestAttempts    = 5
	DefaultTenantConcurrency = 4
	DefaultDrainDeadline     = 30 * time.Second
	DefaultPolicyCacheTTL    = 30 * time.Second
	DefaultCredentialTTL     = 60 * time.Second
	DefaultVisibilityTimeout = 5 * time.Minute
)

type Config struct {
	Log         LogConfig         `toml:"log"`
	Server      ServerConfig      `toml:"server"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	Kafka       KafkaConfig       `toml:"kafka"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	Qdrant      QdrantConfig      `toml:"qdrant"`
	LLM         LLMConfig         `toml:"llm"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	Admin       AdminConfig       `toml:"admin"`
	Gateway     GatewayConfig     `toml:"gateway"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Ingestion   IngestionConfig   `toml:"ingestion"`
	Automation  AutomationConfig  `toml:"automation"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	OrchestratorAddr string `toml:"orchestrator_addr"`
	GatewayAddr      string `toml:"gateway_addr"`
	IngestionAddr    string `toml:"ingestion_addr"`
	AutomationAddr   string `toml:"automation_addr"`
	DrainDeadline    string `toml:"drain_deadline"`
}

type PostgresConfig struct {
	URL      string `toml:"url" validate:"required"`
	PoolSize int    `toml:"pool_size" validate:"gt=0"`
}

type RedisConfig struct {
	OutboundStreamURL string `toml:"outbound_stream_url" validate:"required"`
	IngestQueueURL    string `toml:"ingest_queue_url" validate:"required"`
}

type KafkaConfig struct {
	EventBusURL string `toml:"event_bus_url" validate:"required"`
	EventsTopic string `toml:"events_topic"`
}

type ObjectStoreConfig struct {
	Endpoint  string `toml:"endpoint" validate:"required"`
	Bucket    string `toml:"bucket" validate:"required"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
	UseSSL    bool   `toml:"use_ssl"`
}

type QdrantConfig struct {
	URL    string `toml:"url" validate:"required"`
	APIKey string `toml:"api_key"`
}

type LLMConfig struct {
	ProviderURL    string `toml:"provider_url" validate:"required"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model" validate:"required"`
	FallbackModel  string `toml:"fallback_model"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type EmbeddingConfig struct {
	Provider       string `toml:"provider" validate:"oneof=primary fallback"`
	PrimaryURL     string `toml:"primary_url" validate:"required"`
	FallbackURL    string `toml:"fallback_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	Dimensions     int    `toml:"dimensions"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type AdminConfig struct {
	JWTSecret     string `toml:"jwt_secret" validate:"required"`
	JWTIssuer     string `toml:"jwt_issuer"`
	JWTAudience   string `toml:"jwt_audience"`
	JWTTTLSeconds int    `toml:"jwt_ttl_seconds"`
}

type GatewayConfig struct {
	OrchestratorURL     string            `toml:"orchestrator_url" validate:"required"`
	WebhookSecrets      map[string]string `toml:"webhook_secrets"`
	MaxDeliveryAttempts int               `toml:"max_delivery_attempts" validate:"gt=0"`
	CredentialCacheTTL  string            `toml:"credential_cache_ttl"`
}

type PipelineConfig struct {
	RequestDeadlineMS int    `toml:"request_deadline_ms" validate:"gt=0"`
	PolicyCacheTTL    string `toml:"policy_cache_ttl"`
	DedupeTTL         string `toml:"dedupe_ttl"`
	HistoryTurns      int    `toml:"history_turns"`
}

type IngestionConfig struct {
	MaxAttempts       int    `toml:"max_attempts" validate:"gt=0"`
	VisibilityTimeout string `toml:"visibility_timeout"`
	ChunkSize         int    `toml:"chunk_size"`
	ChunkOverlap      int    `toml:"chunk_overlap"`
	EmbedBatchSize    int    `toml:"embed_batch_size"`
}

type AutomationConfig struct {
	MaxConcurrencyPerTenant int `toml:"max_concurrency_per_tenant" validate:"gt=0"`
}

// Load reads the TOML config at path (optional), applies environment
// overrides, and validates the result. Unknown TOML keys and invalid values
// are fatal.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
		}
	}

	applyEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			OrchestratorAddr: DefaultOrchestratorAddr,
			GatewayAddr:      DefaultGatewayAddr,
			IngestionAddr:    ":8082",
			AutomationAddr:   ":8083",
			DrainDeadline:    DefaultDrainDeadline.String(),
		},
		Postgres: PostgresConfig{PoolSize: DefaultPGPoolSize},
		Kafka:    KafkaConfig{EventsTopic: "converse.events"},
		LLM:      LLMConfig{TimeoutSeconds: 30},
		Embedding: EmbeddingConfig{
			Provider:       "primary",
			Model:          "text-embedding-3-small",
			Dimensions:     1536,
			TimeoutSeconds: 10,
		},
		Admin: AdminConfig{JWTTTLSeconds: 3600},
		Gateway: GatewayConfig{
			OrchestratorURL:     "http://localhost" + DefaultOrchestratorAddr,
			MaxDeliveryAttempts: DefaultOutboundAttempts,
			CredentialCacheTTL:  DefaultCredentialTTL.String(),
			WebhookSecrets:      map[string]string{},
		},
		Pipeline: PipelineConfig{
			RequestDeadlineMS: int(DefaultRequestDeadline / time.Millisecond),
			PolicyCacheTTL:    DefaultPolicyCacheTTL.String(),
			DedupeTTL:         "10m",
			HistoryTurns:      6,
		},
		Ingestion: IngestionConfig{
			MaxAttempts:       DefaultIngestAttempts,
			VisibilityTimeout: DefaultVisibilityTimeout.String(),
			ChunkSize:         512,
			ChunkOverlap:      64,
			EmbedBatchSize:    64,
		},
		Automation: AutomationConfig{MaxConcurrencyPerTenant: DefaultTenantConcurrency},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Postgres.URL, "DB_URL")
	setInt(&cfg.Postgres.PoolSize, "DB_POOL_SIZE")
	setString(&cfg.Redis.OutboundStreamURL, "OUTBOUND_STREAM_URL")
	setString(&cfg.Redis.IngestQueueURL, "INGEST_QUEUE_URL")
	setString(&cfg.Kafka.EventBusURL, "EVENT_BUS_URL")
	setString(&cfg.ObjectStore.Endpoint, "OBJECT_STORE_ENDPOINT")
	setString(&cfg.ObjectStore.Bucket, "OBJECT_STORE_BUCKET")
	setString(&cfg.ObjectStore.AccessKey, "OBJECT_STORE_ACCESS")
	setString(&cfg.ObjectStore.SecretKey, "OBJECT_STORE_SECRET")
	setString(&cfg.ObjectStore.Region, "OBJECT_STORE_REGION")
	setString(&cfg.Qdrant.URL, "VECTOR_STORE_URL")
	setString(&cfg.Qdrant.APIKey, "VECTOR_STORE_API_KEY")
	setString(&cfg.LLM.ProviderURL, "LLM_PROVIDER_URL")
	setString(&cfg.LLM.APIKey, "LLM_API_KEY")
	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.FallbackModel, "LLM_FALLBACK_MODEL")
	setString(&cfg.Embedding.Provider, "EMBEDDING_PROVIDER")
	setString(&cfg.Embedding.APIKey, "EMBEDDING_API_KEY")
	setString(&cfg.Admin.JWTSecret, "ADMIN_JWT_SECRET")
	setString(&cfg.Admin.JWTIssuer, "ADMIN_JWT_ISSUER")
	setString(&cfg.Admin.JWTAudience, "ADMIN_JWT_AUDIENCE")
	setInt(&cfg.Admin.JWTTTLSeconds, "ADMIN_JWT_TTL_SECONDS")
	setInt(&cfg.Pipeline.RequestDeadlineMS, "REQUEST_DEADLINE_MS")
	setInt(&cfg.Gateway.MaxDeliveryAttempts, "OUTBOUND_MAX_ATTEMPTS")
	setInt(&cfg.Ingestion.MaxAttempts, "INGEST_MAX_ATTEMPTS")
	setInt(&cfg.Automation.MaxConcurrencyPerTenant, "AUTOMATION_MAX_CONCURRENCY_PER_TENANT")

	// WEBHOOK_SECRET_<channel> seeds per-channel secrets for channels that
	// have no database row yet (local development, the hosted web widget).
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, "WEBHOOK_SECRET_") {
			continue
		}
		channel := strings.ToLower(strings.TrimPrefix(key, "WEBHOOK_SECRET_"))
		if channel != "" && value != "" {
			if cfg.Gateway.WebhookSecrets == nil {
				cfg.Gateway.WebhookSecrets = map[string]string{}
			}
			cfg.Gateway.WebhookSecrets[channel] = value
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// RequestDeadline returns the orchestrator per-request deadline.
func (c PipelineConfig) RequestDeadline() time.Duration {
	return time.Duration(c.RequestDeadlineMS) * time.Millisecond
}

// ParseDuration parses a config duration string, falling back to def when
// the value is empty or malformed.
func ParseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
