package testutil

import (
	"encoding/json"
	"hash/fnv"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// FakeEmbedder is an in-process OpenAI-compatible embedding provider. It
// serves POST /v1/embeddings and GET /v1/models, returning deterministic
// unit vectors derived from the input text, so the same text always embeds
// to the same vector and different texts land apart.
//
// Tests that need controlled similarity can pin exact vectors per input
// with SetVector.
type FakeEmbedder struct {
	srv  *httptest.Server
	dims int

	mu      sync.Mutex
	pinned  map[string][]float32
	calls   int
	failAll bool
}

// NewFakeEmbedder starts the fake provider. The server is shut down via
// t.Cleanup.
func NewFakeEmbedder(t *testing.T, dims int) *FakeEmbedder {
	t.Helper()

	f := &FakeEmbedder{
		dims:   dims,
		pinned: map[string][]float32{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", f.handleEmbeddings)
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]any{{"id": "fake-embed", "object": "model"}},
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// BaseURL returns the provider base URL, suitable for
// config.EmbeddingConfig.BaseURL.
func (f *FakeEmbedder) BaseURL() string {
	return f.srv.URL + "/v1"
}

// SetVector pins the vector returned for an exact input text.
func (f *FakeEmbedder) SetVector(text string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned[text] = vec
}

// FailAll makes every embedding request return HTTP 500 until re-enabled.
func (f *FakeEmbedder) FailAll(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = fail
}

// Calls returns the number of embedding requests served so far.
func (f *FakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeEmbedder) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
		Input any    `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"message":"bad request body"}}`, http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls++
	failing := f.failAll
	f.mu.Unlock()

	if failing {
		http.Error(w, `{"error":{"message":"fake provider failure"}}`, http.StatusInternalServerError)
		return
	}

	inputs := collectInputs(req.Input)
	if len(inputs) == 0 {
		http.Error(w, `{"error":{"message":"no input"}}`, http.StatusBadRequest)
		return
	}

	data := make([]map[string]any, len(inputs))
	for i, text := range inputs {
		data[i] = map[string]any{
			"object":    "embedding",
			"index":     i,
			"embedding": f.vectorFor(text),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
		"model":  req.Model,
		"usage":  map[string]int{"prompt_tokens": len(inputs), "total_tokens": len(inputs)},
	})
}

func (f *FakeEmbedder) vectorFor(text string) []float32 {
	f.mu.Lock()
	pinned, ok := f.pinned[text]
	f.mu.Unlock()
	if ok {
		return pinned
	}
	return DeterministicVector(text, f.dims)
}

// collectInputs handles both the single-string and string-array forms of the
// embeddings input field.
func collectInputs(input any) []string {
	switch v := input.(type) {
	case string:
		return []string{v}
	case []any:
		var texts []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				texts = append(texts, s)
			}
		}
		return texts
	}
	return nil
}

// DeterministicVector derives a unit vector from text via FNV hashing, so
// equal texts embed identically.
func DeterministicVector(text string, dims int) []float32 {
	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		h := fnv.New64a()
		_, _ = h.Write([]byte(text))
		_, _ = h.Write([]byte{byte(i), byte(i >> 8)})
		// Map the hash to [-1, 1).
		vec[i] = float32(int64(h.Sum64())%1000) / 1000
		norm += float64(vec[i]) * float64(vec[i])
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
