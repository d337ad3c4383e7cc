package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/embedding"
	"github.com/lorekeep/lorekeep/internal/knowledge"
)

// Searcher is the memory-item search the Retriever depends on.
// *knowledge.Store satisfies it.
type Searcher interface {
	Search(ctx context.Context, params knowledge.SearchParams) ([]*knowledge.MemoryItem, error)
}

// QueryEmbedder embeds query text. *embedding.Client satisfies it.
type QueryEmbedder interface {
	Generate(ctx context.Context, text string) (embedding.Result, error)
}

// RetrievalResult carries the ranked memories for one query plus the query
// echo and the effective top-K actually applied.
type RetrievalResult struct {
	Memories []*knowledge.MemoryItem
	Query    string
	TopK     int
}

// Retriever runs ranked similarity retrieval for conversational turns.
//
// Retriever is safe for concurrent use by multiple goroutines.
type Retriever struct {
	store    Searcher
	embedder QueryEmbedder
	cfg      config.RAGConfig
	logger   *slog.Logger
}

// NewRetriever creates a Retriever.
func NewRetriever(store Searcher, embedder QueryEmbedder, cfg config.RAGConfig, logger *slog.Logger) (*Retriever, error) {
	if store == nil || embedder == nil {
		return nil, fmt.Errorf("store and embedder are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, embedder: embedder, cfg: cfg, logger: logger}, nil
}

// RetrieveRelevantMemories embeds the query and returns the top memories in
// scope for the user (and character, when given), honoring the RAG mode.
//
// characterID is accepted as a raw string because the upstream field is
// loosely typed; anything that does not parse as a UUID is treated as
// absent rather than raising. Retrieval never hard-fails: embedding or
// query errors degrade to an empty result so the surrounding chat turn can
// proceed without memory context.
func (r *Retriever) RetrieveRelevantMemories(ctx context.Context, userID uuid.UUID,
	characterID, query string, topK int, mode Mode, tagFilters []string) RetrievalResult {

	if mode == ModeIgnore {
		return RetrievalResult{Memories: []*knowledge.MemoryItem{}, Query: query, TopK: 0}
	}

	effectiveTopK := r.effectiveTopK(topK, mode)
	empty := RetrievalResult{Memories: []*knowledge.MemoryItem{}, Query: query, TopK: effectiveTopK}

	if strings.TrimSpace(query) == "" {
		return empty
	}

	var charID *uuid.UUID
	if characterID != "" {
		parsed, err := uuid.Parse(characterID)
		if err != nil {
			r.logger.Warn("malformed character id ignored", "character_id", characterID)
		} else {
			charID = &parsed
		}
	}

	result, err := r.embedder.Generate(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, retrieval degraded to empty", "error", err)
		return empty
	}

	memories, err := r.store.Search(ctx, knowledge.SearchParams{
		UserID:             userID,
		CharacterID:        charID,
		Vector:             result.Vector,
		TopK:               effectiveTopK,
		MinScore:           r.cfg.MinScore,
		LowPriorityPenalty: r.cfg.LowPriorityPenalty,
		TagFilters:         tagFilters,
	})
	if err != nil {
		r.logger.Warn("memory search failed, retrieval degraded to empty", "error", err)
		return empty
	}

	return RetrievalResult{Memories: memories, Query: query, TopK: effectiveTopK}
}

// effectiveTopK applies the mode adjustment and the configured cap.
func (r *Retriever) effectiveTopK(topK int, mode Mode) int {
	if topK <= 0 {
		topK = r.cfg.DefaultTopK
	}
	if mode == ModeLight {
		topK = int(math.Round(float64(topK) / 2))
		if topK < 1 {
			topK = 1
		}
	}
	if r.cfg.MaxTopK > 0 && topK > r.cfg.MaxTopK {
		topK = r.cfg.MaxTopK
	}
	return topK
}

// Excerpt length bounds for FormatMemoriesForPrompt. Higher-relevance items
// are allowed longer excerpts.
const (
	minExcerptLen = 200
	maxExcerptLen = 600

	memoriesHeader = "--- Relevant memories ---"
	memoriesFooter = "--- End memories ---"
)

// FormatMemoriesForPrompt renders memories as a delimited context block for
// injection into a system prompt. Each memory is attributed with its
// identifier, source label, relevance and visible tags; internal control
// tags are never rendered. Returns "" for an empty input.
func FormatMemoriesForPrompt(memories []*knowledge.MemoryItem) string {
	if len(memories) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(memoriesHeader)
	b.WriteByte('\n')

	for _, m := range memories {
		fmt.Fprintf(&b, "[memory %s | source: %s | relevance: %.2f", m.ID, m.SourceType, m.Similarity)
		if visible := knowledge.VisibleTags(m.Tags); len(visible) > 0 {
			fmt.Fprintf(&b, " | tags: %s", strings.Join(visible, ", "))
		}
		b.WriteString("]\n")
		b.WriteString(excerpt(m.Content, m.Similarity))
		b.WriteByte('\n')
	}

	b.WriteString(memoriesFooter)
	return b.String()
}

// excerpt caps content length in proportion to relevance: a similarity of 0
// allows minExcerptLen characters, a similarity of 1 allows maxExcerptLen.
func excerpt(content string, similarity float64) string {
	similarity = math.Max(0, math.Min(1, similarity))
	limit := minExcerptLen + int(similarity*float64(maxExcerptLen-minExcerptLen))

	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "..."
}

// MemoryItemIDs projects memories to their identifiers, preserving order.
// Used for auditing which memories informed a response.
func MemoryItemIDs(memories []*knowledge.MemoryItem) []uuid.UUID {
	ids := make([]uuid.UUID, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
	}
	return ids
}
