// Package config provides configuration management for the gateway.
// Scalar settings come from environment variables (optionally via a .env
// file); the provider/model catalog comes from a YAML file because it is
// structured and read once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Storage   StorageConfig
	Usage     UsageConfig
	Cache     CacheConfig
	Auth      AuthConfig
	Dispatch  DispatchConfig
	Metrics   MetricsConfig
	Providers []ProviderConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port          string
	BodySizeLimit int64
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Format string // "json" or "pretty"
	Level  string
}

// StorageConfig selects the database backend shared by all stores.
type StorageConfig struct {
	Type string // "sqlite", "postgresql" or "mongodb"

	SQLitePath       string
	PostgresURL      string
	PostgresMaxConns int
	MongoURL         string
	MongoDatabase    string
}

// UsageConfig controls the append-only usage recorder.
type UsageConfig struct {
	Enabled       bool
	BufferSize    int
	FlushInterval time.Duration
	RetentionDays int
}

// CacheConfig controls the rendered-prompt cache.
type CacheConfig struct {
	Backend  string // "memory" or "redis"
	RedisURL string
	TTL      time.Duration
}

// AuthConfig holds token issuing and verification settings.
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// DispatchConfig holds dispatcher policy settings.
type DispatchConfig struct {
	// ProviderTimeout bounds every adapter call; expiry is treated as a
	// transient provider failure.
	ProviderTimeout time.Duration

	// RecordPreProviderFailures controls whether failures before the
	// provider is invoked (auth, resolution, template) still produce a
	// usage row.
	RecordPreProviderFailures bool

	// RootPrompt, when set, is prepended by the template renderer to every
	// rendered system prompt.
	RootPrompt string
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool
	Endpoint string
}

// ProviderConfig describes one configured provider and its model catalog.
type ProviderConfig struct {
	// Name is the registry key callers use in the "provider" field.
	Name string `yaml:"name"`
	// Type selects the adapter implementation; defaults to Name.
	Type string `yaml:"type"`
	// APIKeyEnv names the environment variable holding the gateway-level
	// key; defaults to <NAME>_API_KEY.
	APIKeyEnv string `yaml:"api_key_env"`
	// BaseURL overrides the adapter's default endpoint (used in tests and
	// for self-hosted deployments).
	BaseURL string `yaml:"base_url"`
	// Models is the static model catalog with per-model metadata.
	Models []ModelConfig `yaml:"models"`

	// APIKey is resolved from APIKeyEnv at load time, never from YAML.
	APIKey string `yaml:"-"`
}

// ModelConfig holds registry metadata for one model.
type ModelConfig struct {
	Name               string  `yaml:"name"`
	MaxTokens          int     `yaml:"max_tokens"`
	SupportsStreaming  *bool   `yaml:"supports_streaming"`
	InputPricePerMTok  float64 `yaml:"input_price_per_mtok"`
	OutputPricePerMTok float64 `yaml:"output_price_per_mtok"`
}

// Streaming reports whether the model supports incremental delivery.
// Unset means true; buffered-only providers opt out per model.
func (m ModelConfig) Streaming() bool {
	return m.SupportsStreaming == nil || *m.SupportsStreaming
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: 10 * 1024 * 1024,
		},
		Logging: LoggingConfig{Format: "json", Level: "info"},
		Storage: StorageConfig{
			Type:             "sqlite",
			SQLitePath:       "data/unigate.db",
			PostgresMaxConns: 10,
			MongoDatabase:    "unigate",
		},
		Usage: UsageConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			RetentionDays: 90,
		},
		Cache: CacheConfig{Backend: "memory", TTL: 24 * time.Hour},
		Auth:  AuthConfig{TokenTTL: 2 * time.Hour},
		Dispatch: DispatchConfig{
			ProviderTimeout:           5 * time.Minute,
			RecordPreProviderFailures: true,
		},
		Metrics: MetricsConfig{Enabled: false, Endpoint: "/metrics"},
	}
}

// Load reads configuration from the environment and the providers file.
// A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	cfg.Server.Port = getEnv("UNIGATE_PORT", cfg.Server.Port)
	cfg.Server.BodySizeLimit = getEnvInt64("UNIGATE_BODY_SIZE_LIMIT", cfg.Server.BodySizeLimit)

	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)

	cfg.Storage.Type = getEnv("UNIGATE_STORAGE_TYPE", cfg.Storage.Type)
	cfg.Storage.SQLitePath = getEnv("UNIGATE_SQLITE_PATH", cfg.Storage.SQLitePath)
	cfg.Storage.PostgresURL = getEnv("UNIGATE_POSTGRES_URL", cfg.Storage.PostgresURL)
	cfg.Storage.PostgresMaxConns = getEnvInt("UNIGATE_POSTGRES_MAX_CONNS", cfg.Storage.PostgresMaxConns)
	cfg.Storage.MongoURL = getEnv("UNIGATE_MONGODB_URL", cfg.Storage.MongoURL)
	cfg.Storage.MongoDatabase = getEnv("UNIGATE_MONGODB_DATABASE", cfg.Storage.MongoDatabase)

	cfg.Usage.Enabled = getEnvBool("UNIGATE_USAGE_ENABLED", cfg.Usage.Enabled)
	cfg.Usage.BufferSize = getEnvInt("UNIGATE_USAGE_BUFFER_SIZE", cfg.Usage.BufferSize)
	cfg.Usage.FlushInterval = getEnvDuration("UNIGATE_USAGE_FLUSH_INTERVAL", cfg.Usage.FlushInterval)
	cfg.Usage.RetentionDays = getEnvInt("UNIGATE_USAGE_RETENTION_DAYS", cfg.Usage.RetentionDays)

	cfg.Cache.Backend = getEnv("UNIGATE_CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.RedisURL = getEnv("UNIGATE_REDIS_URL", cfg.Cache.RedisURL)
	cfg.Cache.TTL = getEnvDuration("UNIGATE_CACHE_TTL", cfg.Cache.TTL)

	cfg.Auth.JWTSecret = getEnv("UNIGATE_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.TokenTTL = getEnvDuration("UNIGATE_TOKEN_TTL", cfg.Auth.TokenTTL)

	cfg.Dispatch.ProviderTimeout = getEnvDuration("UNIGATE_PROVIDER_TIMEOUT", cfg.Dispatch.ProviderTimeout)
	cfg.Dispatch.RecordPreProviderFailures = getEnvBool("UNIGATE_RECORD_PRE_PROVIDER_FAILURES", cfg.Dispatch.RecordPreProviderFailures)
	cfg.Dispatch.RootPrompt = getEnv("UNIGATE_ROOT_PROMPT", cfg.Dispatch.RootPrompt)

	cfg.Metrics.Enabled = getEnvBool("UNIGATE_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Endpoint = getEnv("UNIGATE_METRICS_ENDPOINT", cfg.Metrics.Endpoint)

	providersFile := getEnv("UNIGATE_PROVIDERS_FILE", "providers.yaml")
	providers, err := LoadProviders(providersFile)
	if err != nil {
		return nil, err
	}
	cfg.Providers = providers

	return cfg, nil
}

// LoadProviders parses the provider catalog file and resolves API keys from
// the environment. A missing file is not an error: the gateway can start
// with zero providers and serve only the management endpoints.
func LoadProviders(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var doc struct {
		Providers []ProviderConfig `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %s: %w", path, err)
	}

	for i := range doc.Providers {
		p := &doc.Providers[i]
		if p.Name == "" {
			return nil, fmt.Errorf("providers file %s: provider #%d has no name", path, i)
		}
		if p.Type == "" {
			p.Type = p.Name
		}
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = strings.ToUpper(p.Name) + "_API_KEY"
		}
		p.APIKey = os.Getenv(p.APIKeyEnv)
	}

	return doc.Providers, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func getEnvInt64(key string, defaultVal int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultVal
	}
	return parsed
}

// getEnvDuration accepts either plain integers (seconds) or Go duration
// strings such as "10m" or "1h30m".
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return defaultVal
}
