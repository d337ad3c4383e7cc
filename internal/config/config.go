// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.lorekeep/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - RAG: retrieval tuning (top-K bounds, similarity floor, chunking)
//   - Embedding: provider, model, target dimensions, fallback, retry policy
//   - Queue: indexing job queue tuning
//   - Upload: size cap and accepted MIME types
//   - Storage: PostgreSQL connection and blob directory (see storage.go)
//
// Error Handling:
//   - Connection settings are validated fail-fast with sentinel errors.
//   - RAG tuning values are never fatal: out-of-range values are replaced by
//     hard-coded safe defaults with a logged warning (see validation.go), so a
//     malformed tuning file cannot take retrieval down.
//
// Security: sensitive data (passwords, API keys) are masked in MarshalJSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidProvider indicates the embedding provider is not supported.
	ErrInvalidProvider = errors.New("invalid embedding provider")

	// ErrInvalidEmbeddingModel indicates the embedding model is empty.
	ErrInvalidEmbeddingModel = errors.New("invalid embedding model")

	// ErrInvalidBlobDir indicates the blob storage directory is invalid.
	ErrInvalidBlobDir = errors.New("invalid blob directory")
)

// Embedding provider identifiers used in EmbeddingConfig.Provider.
const (
	// ProviderLocal is an OpenAI-compatible endpoint served locally
	// (Ollama, LM Studio, llama.cpp server).
	ProviderLocal = "local"

	// ProviderOpenAI is the hosted OpenAI API.
	ProviderOpenAI = "openai"
)

// RAGConfig holds retrieval and chunking tuning parameters.
// All fields are clamped to safe defaults by sanitize() when out of range.
type RAGConfig struct {
	ChunkSize          int     `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap       int     `mapstructure:"chunk_overlap" json:"chunk_overlap"`
	DefaultTopK        int     `mapstructure:"default_top_k" json:"default_top_k"`
	MaxTopK            int     `mapstructure:"max_top_k" json:"max_top_k"`
	MinScore           float64 `mapstructure:"min_score" json:"min_score"`
	LowPriorityPenalty float64 `mapstructure:"low_priority_penalty" json:"low_priority_penalty"`
}

// EmbeddingConfig holds the embedding provider chain and retry policy.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider" json:"provider"` // "local" (default) or "openai"
	BaseURL    string `mapstructure:"base_url" json:"base_url"`
	Model      string `mapstructure:"model" json:"model"`
	Dimensions int    `mapstructure:"dimensions" json:"dimensions"` // target vector dimensionality

	// Optional fallback provider, tried after the primary exhausts its retries.
	FallbackProvider string `mapstructure:"fallback_provider" json:"fallback_provider"`
	FallbackBaseURL  string `mapstructure:"fallback_base_url" json:"fallback_base_url"`
	FallbackModel    string `mapstructure:"fallback_model" json:"fallback_model"`

	// APIKey authenticates against cloud providers; unused for local endpoints.
	APIKey string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON

	RetryAttempts  int           `mapstructure:"retry_attempts" json:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" json:"retry_base_delay"`

	// Concurrency bounds the batch embedding window. Deliberately conservative:
	// locally hosted models degrade badly under parallel load.
	Concurrency int `mapstructure:"concurrency" json:"concurrency"`
}

// QueueConfig holds indexing job queue tuning.
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout" json:"job_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts" json:"max_attempts"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" json:"retry_delay"`
	Expiry       time.Duration `mapstructure:"expiry" json:"expiry"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" json:"drain_timeout"`
}

// UploadConfig bounds what the knowledge base accepts.
type UploadConfig struct {
	MaxBytes     int64    `mapstructure:"max_bytes" json:"max_bytes"`
	AllowedMIMEs []string `mapstructure:"allowed_mimes" json:"allowed_mimes"`
}

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	RAG       RAGConfig       `mapstructure:"rag" json:"rag"`
	Embedding EmbeddingConfig `mapstructure:"embedding" json:"embedding"`
	Queue     QueueConfig     `mapstructure:"queue" json:"queue"`
	Upload    UploadConfig    `mapstructure:"upload" json:"upload"`

	// Blob storage root for uploaded files
	BlobDir string `mapstructure:"blob_dir" json:"blob_dir"`

	// Storage configuration (see storage.go for documentation)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
//
// Connection settings fail fast on validation errors. RAG tuning values are
// sanitized in place: anything out of range is replaced by its default and
// logged, never propagated to callers.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".lorekeep")

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".") // Also support current directory

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Parse DATABASE_URL if set (highest priority for PostgreSQL config)
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// Fail fast on connection settings; clamp tuning values to defaults.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	cfg.sanitize(slog.Default())

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// RAG tuning defaults
	viper.SetDefault("rag.chunk_size", DefaultChunkSize)
	viper.SetDefault("rag.chunk_overlap", DefaultChunkOverlap)
	viper.SetDefault("rag.default_top_k", DefaultTopK)
	viper.SetDefault("rag.max_top_k", DefaultMaxTopK)
	viper.SetDefault("rag.min_score", DefaultMinScore)
	viper.SetDefault("rag.low_priority_penalty", DefaultLowPriorityPenalty)

	// Embedding defaults (local OpenAI-compatible endpoint, e.g. Ollama)
	viper.SetDefault("embedding.provider", ProviderLocal)
	viper.SetDefault("embedding.base_url", "http://localhost:11434/v1")
	viper.SetDefault("embedding.model", "nomic-embed-text")
	viper.SetDefault("embedding.dimensions", DefaultDimensions)
	viper.SetDefault("embedding.retry_attempts", DefaultRetryAttempts)
	viper.SetDefault("embedding.retry_base_delay", DefaultRetryBaseDelay)
	viper.SetDefault("embedding.concurrency", DefaultEmbedConcurrency)

	// Queue defaults
	viper.SetDefault("queue.poll_interval", 2*time.Second)
	viper.SetDefault("queue.job_timeout", 10*time.Minute)
	viper.SetDefault("queue.max_attempts", 3)
	viper.SetDefault("queue.retry_delay", 30*time.Second)
	viper.SetDefault("queue.expiry", 15*time.Minute)
	viper.SetDefault("queue.drain_timeout", 30*time.Second)

	// Upload defaults
	viper.SetDefault("upload.max_bytes", DefaultUploadMaxBytes)
	viper.SetDefault("upload.allowed_mimes", []string{
		"text/plain", "text/markdown", "text/csv", "text/html",
		"application/json", "application/xml",
		"application/pdf",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	})

	// Blob storage default
	viper.SetDefault("blob_dir", defaultBlobDir())

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "lorekeep")
	viper.SetDefault("postgres_password", "lorekeep_dev_password")
	viper.SetDefault("postgres_db_name", "lorekeep")
	viper.SetDefault("postgres_ssl_mode", "disable")
}

// bindEnvVariables binds environment variables explicitly.
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail)
	// If this panics, it's a BUG in our code, not a runtime error
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	// Embedding provider overrides
	mustBind("embedding.provider", "LOREKEEP_EMBEDDING_PROVIDER")
	mustBind("embedding.base_url", "LOREKEEP_EMBEDDING_BASE_URL")
	mustBind("embedding.model", "LOREKEEP_EMBEDDING_MODEL")
	mustBind("embedding.api_key", "OPENAI_API_KEY")

	// Blob storage override
	mustBind("blob_dir", "LOREKEEP_BLOB_DIR")

	// NOTE: DATABASE_URL is parsed separately in parseDatabaseURL(),
	// taking priority over the individual postgres_* settings.
}

// defaultBlobDir returns the default upload storage root under the user's home.
func defaultBlobDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./uploads"
	}
	return filepath.Join(home, ".lorekeep", "uploads")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid accidental substring matches against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Shows first 2 and last 2 characters, masks the rest.
// Secrets of 8 chars or fewer are fully masked to prevent substring leaks.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	prefix := make([]byte, 2)
	suffix := make([]byte, 2)
	copy(prefix, s[:2])
	copy(suffix, s[len(s)-2:])
	return string(prefix) + "<" + maskedValue + ">" + string(suffix)
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - PostgresPassword
//   - Embedding.APIKey
//
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.Embedding.APIKey = maskSecret(a.Embedding.APIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
