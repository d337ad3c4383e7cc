package config

import (
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// Hard-coded safe defaults for RAG tuning. sanitize() falls back to these
// when a configured value is out of range, so retrieval keeps working even
// with a malformed tuning file.
const (
	DefaultChunkSize          = 1000
	DefaultChunkOverlap       = 200
	DefaultTopK               = 6
	DefaultMaxTopK            = 20
	DefaultMinScore           = 0.3
	DefaultLowPriorityPenalty = 0.15

	DefaultDimensions       = 768
	DefaultRetryAttempts    = 3
	DefaultRetryBaseDelay   = 500 * time.Millisecond
	DefaultEmbedConcurrency = 2

	DefaultUploadMaxBytes = 10 << 20 // 10 MiB

	// MaxChunkSize bounds chunk size to keep a single chunk inside typical
	// embedding model context windows.
	MaxChunkSize = 8000
)

// Validate validates connection and provider settings.
// Returns sentinel errors that can be checked with errors.Is().
//
// RAG tuning values are deliberately NOT validated here — they are clamped
// to defaults by sanitize() instead, per the never-fatal tuning policy.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// 1. Embedding provider validation
	validProviders := []string{ProviderLocal, ProviderOpenAI}
	if !slices.Contains(validProviders, c.Embedding.Provider) {
		return fmt.Errorf("%w: %q, must be one of: local, openai", ErrInvalidProvider, c.Embedding.Provider)
	}
	if c.Embedding.FallbackProvider != "" && !slices.Contains(validProviders, c.Embedding.FallbackProvider) {
		return fmt.Errorf("%w: fallback %q, must be one of: local, openai", ErrInvalidProvider, c.Embedding.FallbackProvider)
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("%w: embedding.model cannot be empty", ErrInvalidEmbeddingModel)
	}

	// 2. Blob storage validation
	if c.BlobDir == "" {
		return fmt.Errorf("%w: blob_dir cannot be empty", ErrInvalidBlobDir)
	}

	// 3. PostgreSQL configuration validation
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set in config.yaml", ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "lorekeep_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q, must be one of: %v", ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}

// sanitize clamps RAG tuning, embedding retry, queue and upload values to
// safe defaults. Every replacement is logged at warn level; nothing here
// ever fails.
func (c *Config) sanitize(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	clampInt := func(name string, v *int, def, min, max int) {
		if *v < min || *v > max {
			logger.Warn("invalid RAG tuning value, using default", "key", name, "got", *v, "default", def)
			*v = def
		}
	}
	clampFloat := func(name string, v *float64, def, min, max float64) {
		if *v < min || *v > max {
			logger.Warn("invalid RAG tuning value, using default", "key", name, "got", *v, "default", def)
			*v = def
		}
	}
	clampDuration := func(name string, v *time.Duration, def time.Duration) {
		if *v <= 0 {
			logger.Warn("invalid duration, using default", "key", name, "got", *v, "default", def)
			*v = def
		}
	}

	clampInt("rag.chunk_size", &c.RAG.ChunkSize, DefaultChunkSize, 100, MaxChunkSize)
	clampInt("rag.chunk_overlap", &c.RAG.ChunkOverlap, DefaultChunkOverlap, 0, c.RAG.ChunkSize/2)
	clampInt("rag.default_top_k", &c.RAG.DefaultTopK, DefaultTopK, 1, 100)
	clampInt("rag.max_top_k", &c.RAG.MaxTopK, DefaultMaxTopK, 1, 100)
	clampFloat("rag.min_score", &c.RAG.MinScore, DefaultMinScore, 0, 1)
	clampFloat("rag.low_priority_penalty", &c.RAG.LowPriorityPenalty, DefaultLowPriorityPenalty, 0, 1)

	// DefaultTopK above MaxTopK would make every query clamp; keep them ordered.
	if c.RAG.DefaultTopK > c.RAG.MaxTopK {
		logger.Warn("rag.default_top_k exceeds rag.max_top_k, clamping",
			"default_top_k", c.RAG.DefaultTopK, "max_top_k", c.RAG.MaxTopK)
		c.RAG.DefaultTopK = c.RAG.MaxTopK
	}

	clampInt("embedding.dimensions", &c.Embedding.Dimensions, DefaultDimensions, 1, 8192)
	clampInt("embedding.retry_attempts", &c.Embedding.RetryAttempts, DefaultRetryAttempts, 1, 10)
	clampDuration("embedding.retry_base_delay", &c.Embedding.RetryBaseDelay, DefaultRetryBaseDelay)
	clampInt("embedding.concurrency", &c.Embedding.Concurrency, DefaultEmbedConcurrency, 1, 16)

	clampDuration("queue.poll_interval", &c.Queue.PollInterval, 2*time.Second)
	clampDuration("queue.job_timeout", &c.Queue.JobTimeout, 10*time.Minute)
	clampInt("queue.max_attempts", &c.Queue.MaxAttempts, 3, 1, 10)
	clampDuration("queue.retry_delay", &c.Queue.RetryDelay, 30*time.Second)
	clampDuration("queue.expiry", &c.Queue.Expiry, 15*time.Minute)
	clampDuration("queue.drain_timeout", &c.Queue.DrainTimeout, 30*time.Second)

	if c.Upload.MaxBytes <= 0 {
		logger.Warn("invalid upload.max_bytes, using default", "got", c.Upload.MaxBytes, "default", int64(DefaultUploadMaxBytes))
		c.Upload.MaxBytes = DefaultUploadMaxBytes
	}
}
