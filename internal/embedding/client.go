// Package embedding converts text into fixed-dimension vectors through a
// chain of OpenAI-compatible providers.
//
// The primary provider is tried first under a retry-with-backoff policy; if
// it exhausts its attempts and a fallback provider is configured, the same
// retry loop runs against the fallback. When both exhaust, the primary's
// error propagates.
//
// Every returned vector is normalized to the configured target
// dimensionality: truncated if longer, zero-padded if shorter. Both are lossy
// compatibility shims and are logged as warnings.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/lorekeep/lorekeep/internal/config"
)

var (
	// ErrUnavailable indicates the provider could not be reached at all,
	// as opposed to reaching it and having the request fail.
	ErrUnavailable = errors.New("embedding service unavailable")

	// ErrMissingCredential indicates a cloud provider without an API key.
	ErrMissingCredential = errors.New("missing embedding API credential")

	// ErrMalformedResponse indicates a 2xx response whose body did not
	// contain a usable embedding vector.
	ErrMalformedResponse = errors.New("malformed embedding response")
)

// availabilityProbeTimeout bounds the /models probe for local providers.
const availabilityProbeTimeout = 5 * time.Second

// Result is the outcome of embedding one text. Ephemeral: consumed
// immediately by the indexing pipeline or the retrieval engine.
type Result struct {
	Vector     []float32
	Provider   string
	Model      string
	Dimensions int
}

// Status reports provider availability, distinguishing "reachable" from
// "credentialed" and noting when only the fallback is usable.
type Status struct {
	Available     bool
	Provider      string
	Latency       time.Duration
	UsingFallback bool
	Reason        string
}

// provider is one entry in the ordered fallback chain.
type provider struct {
	name   string // config.ProviderLocal or config.ProviderOpenAI
	model  string
	local  bool
	hasKey bool
	api    *openai.Client
}

// Client embeds text via an ordered provider chain.
// Safe for concurrent use by multiple goroutines.
type Client struct {
	providers   []provider
	target      int
	policy      RetryPolicy
	concurrency int
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewClient builds the provider chain from config. The fallback provider is
// appended only when configured.
func NewClient(cfg config.EmbeddingConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}

	providers := []provider{newProvider(cfg.Provider, cfg.BaseURL, cfg.Model, cfg.APIKey)}
	if cfg.FallbackProvider != "" && cfg.FallbackModel != "" {
		providers = append(providers,
			newProvider(cfg.FallbackProvider, cfg.FallbackBaseURL, cfg.FallbackModel, cfg.APIKey))
	}

	policy := DefaultRetryPolicy()
	if cfg.RetryAttempts > 0 {
		policy.Attempts = cfg.RetryAttempts
	}
	if cfg.RetryBaseDelay > 0 {
		policy.BaseDelay = cfg.RetryBaseDelay
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = config.DefaultEmbedConcurrency
	}

	target := cfg.Dimensions
	if target <= 0 {
		target = config.DefaultDimensions
	}

	return &Client{
		providers:   providers,
		target:      target,
		policy:      policy,
		concurrency: concurrency,
		// One burst-capable token bucket shared across all callers; local
		// embedding servers fall over under unbounded request rates.
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		logger:  logger,
	}, nil
}

func newProvider(name, baseURL, model, apiKey string) provider {
	apiCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		apiCfg.BaseURL = baseURL
	}
	return provider{
		name:   name,
		model:  model,
		local:  name == config.ProviderLocal,
		hasKey: apiKey != "",
		api:    openai.NewClientWithConfig(apiCfg),
	}
}

// Generate embeds a single text. Providers are tried in chain order, each
// under the retry policy; if every provider exhausts, the primary's error
// propagates.
func (c *Client) Generate(ctx context.Context, text string) (Result, error) {
	var primaryErr error

	for i, p := range c.providers {
		result, err := retry(ctx, c.policy, c.logger, func() (Result, error) {
			return c.embedOnce(ctx, p, text)
		}, retryable)
		if err == nil {
			return result, nil
		}

		if i == 0 {
			primaryErr = err
		}
		if i < len(c.providers)-1 {
			c.logger.Warn("embedding provider exhausted retries, trying fallback",
				"provider", p.name, "model", p.model, "error", err)
		}
	}

	return Result{}, primaryErr
}

// GenerateBatch embeds texts in fixed-size concurrent windows, preserving
// input order in the output. concurrency <= 0 uses the configured default
// (deliberately conservative for locally hosted models).
func (c *Client) GenerateBatch(ctx context.Context, texts []string, concurrency int) ([]Result, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if concurrency <= 0 {
		concurrency = c.concurrency
	}

	results := make([]Result, len(texts))
	errs := make([]error, len(texts))

	for base := 0; base < len(texts); base += concurrency {
		end := min(base+concurrency, len(texts))

		var wg sync.WaitGroup
		for i := base; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = c.Generate(ctx, texts[i])
			}(i)
		}
		wg.Wait()
	}

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("embedding text %d of %d: %w", i+1, len(texts), err)
		}
	}
	return results, nil
}

// CheckAvailability probes the primary provider. Local providers get a
// short-timeout model-listing probe with measured latency; cloud providers
// are available iff a credential is present. When the primary is down and a
// fallback is configured with its credential satisfied, the fallback is
// reported instead.
func (c *Client) CheckAvailability(ctx context.Context) Status {
	primary := c.providers[0]

	status := c.probe(ctx, primary)
	if status.Available || len(c.providers) < 2 {
		return status
	}

	fallback := c.providers[1]
	fbStatus := c.probe(ctx, fallback)
	if fbStatus.Available {
		fbStatus.UsingFallback = true
		fbStatus.Reason = fmt.Sprintf("primary %s unavailable: %s", primary.name, status.Reason)
		return fbStatus
	}

	return status
}

// probe checks a single provider.
func (c *Client) probe(ctx context.Context, p provider) Status {
	if !p.local {
		if !p.hasKey {
			return Status{Provider: p.name, Reason: ErrMissingCredential.Error()}
		}
		return Status{Available: true, Provider: p.name}
	}

	probeCtx, cancel := context.WithTimeout(ctx, availabilityProbeTimeout)
	defer cancel()

	start := time.Now()
	if _, err := p.api.ListModels(probeCtx); err != nil {
		return Status{Provider: p.name, Reason: err.Error()}
	}
	return Status{Available: true, Provider: p.name, Latency: time.Since(start)}
}

// embedOnce performs one provider call and normalizes the result.
func (c *Client) embedOnce(ctx context.Context, p provider, text string) (Result, error) {
	if !p.local && !p.hasKey {
		return Result{}, fmt.Errorf("%w: provider %s", ErrMissingCredential, p.name)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := p.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: []string{text},
	})
	if err != nil {
		return Result{}, classifyProviderError(p, err)
	}

	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return Result{}, fmt.Errorf("%w: provider %s returned no vector", ErrMalformedResponse, p.name)
	}

	vector := c.normalize(resp.Data[0].Embedding, p)

	return Result{
		Vector:     vector,
		Provider:   p.name,
		Model:      p.model,
		Dimensions: len(vector),
	}, nil
}

// normalize forces the vector to the target dimensionality. Truncation and
// zero-padding both corrupt embedding semantics; they exist so mismatched
// provider/schema dimensionalities degrade instead of erroring, and every
// occurrence is logged.
func (c *Client) normalize(vec []float32, p provider) []float32 {
	switch {
	case len(vec) == c.target:
		return vec
	case len(vec) > c.target:
		c.logger.Warn("truncating embedding to target dimensionality",
			"provider", p.name, "model", p.model, "got", len(vec), "target", c.target)
		return vec[:c.target]
	default:
		c.logger.Warn("zero-padding embedding to target dimensionality",
			"provider", p.name, "model", p.model, "got", len(vec), "target", c.target)
		padded := make([]float32, c.target)
		copy(padded, vec)
		return padded
	}
}

// classifyProviderError maps SDK errors onto the package taxonomy:
// unreachable endpoints become ErrUnavailable, HTTP failures keep their
// status and body.
func classifyProviderError(p provider, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("provider %s request failed (status %d): %s: %w",
			p.name, apiErr.HTTPStatusCode, apiErr.Message, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode > 0 {
			return fmt.Errorf("provider %s request failed (status %d): %w", p.name, reqErr.HTTPStatusCode, err)
		}
		return fmt.Errorf("%w: provider %s: %v", ErrUnavailable, p.name, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: provider %s: %v", ErrUnavailable, p.name, err)
	}

	return fmt.Errorf("provider %s: %w", p.name, err)
}

// retryablePermanentStatuses are HTTP statuses that will not improve on retry.
var retryablePermanentStatuses = []int{400, 401, 403, 404, 422}

// retryable reports whether a provider error is transient. Missing
// credentials and malformed bodies never improve on retry; 4xx responses
// (except 429) are permanent; everything else — network failures, 5xx,
// rate limiting — gets another attempt.
func retryable(err error) bool {
	if errors.Is(err, ErrMissingCredential) || errors.Is(err, ErrMalformedResponse) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return !slices.Contains(retryablePermanentStatuses, apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return !slices.Contains(retryablePermanentStatuses, reqErr.HTTPStatusCode)
	}

	return true
}
