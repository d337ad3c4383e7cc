package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/chunker"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/embedding"
	"github.com/lorekeep/lorekeep/internal/knowledge"
)

// Indexing failure causes. Durable: the file record is marked failed with
// the cause logged, so outcomes are visible without inspecting returns.
var (
	ErrFileNotFound    = errors.New("file not found")
	ErrNoTextContent   = errors.New("no text content extracted")
	ErrAllChunksFailed = errors.New("all chunks failed to embed")
)

// FileStore is the file-record access the Indexer depends on.
// *knowledge.FileStore satisfies it.
type FileStore interface {
	Get(ctx context.Context, id uuid.UUID) (*knowledge.File, error)
	SetStatus(ctx context.Context, id uuid.UUID, status knowledge.FileStatus) error
}

// ItemStore is the memory-item swap the Indexer depends on.
// *knowledge.Store satisfies it.
type ItemStore interface {
	ReplaceForFile(ctx context.Context, fileID uuid.UUID, items []knowledge.MemoryItem) (int, error)
}

// Embedder is the embedding surface the Indexer depends on.
// *embedding.Client satisfies it.
type Embedder interface {
	Generate(ctx context.Context, text string) (embedding.Result, error)
	CheckAvailability(ctx context.Context) embedding.Status
}

// BlobReader reads stored file bytes. blob.Store satisfies it.
type BlobReader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// IndexResult reports the outcome of one indexing run.
type IndexResult struct {
	Success       bool
	ChunksCreated int
	TotalChunks   int

	// Warning is set when some, but not all, chunks failed to embed.
	Warning string
}

// Indexer turns an uploaded file into searchable memory items: extract,
// chunk, embed each chunk independently, then swap the file's items in one
// transaction.
//
// Indexer is safe for concurrent use, though the worker runs one job at a
// time by design.
type Indexer struct {
	files    FileStore
	items    ItemStore
	embedder Embedder
	blobs    BlobReader
	cfg      config.RAGConfig
	logger   *slog.Logger
}

// NewIndexer creates an Indexer.
func NewIndexer(files FileStore, items ItemStore, embedder Embedder, blobs BlobReader,
	cfg config.RAGConfig, logger *slog.Logger) (*Indexer, error) {
	if files == nil || items == nil || embedder == nil || blobs == nil {
		return nil, fmt.Errorf("files, items, embedder and blobs are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{files: files, items: items, embedder: embedder, blobs: blobs, cfg: cfg, logger: logger}, nil
}

// IndexFile runs the full indexing pipeline for one file.
//
// Chunk embedding is not all-or-nothing: individual chunk failures are
// tolerated and reported as a warning, and the run only fails when every
// chunk fails. The delete-then-insert swap of memory items is a single
// transaction, so concurrent retrieval never observes a half-indexed file.
//
// Cancellation is cooperative, checked at phase boundaries (before the
// fetch, before the embedding loop, before the transaction). A cancelled
// run returns a non-success result without mutating file status beyond what
// already completed.
func (idx *Indexer) IndexFile(ctx context.Context, fileID uuid.UUID) (IndexResult, error) {
	if err := ctx.Err(); err != nil {
		return IndexResult{}, err
	}

	file, err := idx.files.Get(ctx, fileID)
	if errors.Is(err, knowledge.ErrFileNotFound) {
		return IndexResult{}, ErrFileNotFound
	}
	if err != nil {
		return IndexResult{}, fmt.Errorf("fetching file record: %w", err)
	}

	// Never queue work against a dead dependency: probe first, fail the
	// file durably if no provider is reachable.
	status := idx.embedder.CheckAvailability(ctx)
	if !status.Available {
		idx.markFailed(ctx, fileID, status.Reason)
		return IndexResult{}, fmt.Errorf("embedding provider %s unavailable: %s", status.Provider, status.Reason)
	}

	if err := idx.files.SetStatus(ctx, fileID, knowledge.StatusIndexing); err != nil {
		return IndexResult{}, fmt.Errorf("marking file indexing: %w", err)
	}

	data, err := idx.blobs.Read(ctx, file.StoragePath)
	if err != nil {
		idx.markFailed(ctx, fileID, err.Error())
		return IndexResult{}, fmt.Errorf("reading stored file: %w", err)
	}

	text := chunker.ExtractText(data, file.MIMEType)
	chunks := chunker.ChunkText(text, idx.cfg.ChunkSize, idx.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		idx.markFailed(ctx, fileID, ErrNoTextContent.Error())
		return IndexResult{}, ErrNoTextContent
	}

	if err := ctx.Err(); err != nil {
		return IndexResult{TotalChunks: len(chunks)}, err
	}

	ownerType, ownerID := file.Owner()
	items := make([]knowledge.MemoryItem, 0, len(chunks))
	var failed []int
	for _, chunk := range chunks {
		result, err := idx.embedder.Generate(ctx, chunk.Content)
		if err != nil {
			failed = append(failed, chunk.Index)
			idx.logger.Warn("chunk embedding failed",
				"file_id", fileID, "chunk", chunk.Index, "error", err)
			continue
		}
		chunkIndex := chunk.Index
		items = append(items, knowledge.MemoryItem{
			OwnerType:  ownerType,
			OwnerID:    ownerID,
			SourceType: knowledge.SourceFile,
			Content:    chunk.Content,
			Embedding:  result.Vector,
			Tags:       file.Tags,
			ChunkIndex: &chunkIndex,
		})
	}

	if len(items) == 0 {
		idx.markFailed(ctx, fileID, ErrAllChunksFailed.Error())
		return IndexResult{TotalChunks: len(chunks)}, ErrAllChunksFailed
	}

	if err := ctx.Err(); err != nil {
		return IndexResult{TotalChunks: len(chunks)}, err
	}

	created, err := idx.items.ReplaceForFile(ctx, fileID, items)
	if err != nil {
		idx.markFailed(ctx, fileID, err.Error())
		return IndexResult{TotalChunks: len(chunks)}, fmt.Errorf("storing memory items: %w", err)
	}

	if err := idx.files.SetStatus(ctx, fileID, knowledge.StatusReady); err != nil {
		return IndexResult{ChunksCreated: created, TotalChunks: len(chunks)},
			fmt.Errorf("marking file ready: %w", err)
	}

	result := IndexResult{Success: true, ChunksCreated: created, TotalChunks: len(chunks)}
	if len(failed) > 0 {
		result.Warning = fmt.Sprintf("%d of %d chunks failed to embed", len(failed), len(chunks))
		idx.logger.Warn("file indexed with partial failures",
			"file_id", fileID, "created", created, "failed_chunks", failed)
	} else {
		idx.logger.Info("file indexed",
			"file_id", fileID, "chunks", created)
	}
	return result, nil
}

// markFailed moves the file to failed, logging rather than propagating any
// secondary error so the original failure stays primary.
func (idx *Indexer) markFailed(ctx context.Context, fileID uuid.UUID, cause string) {
	if err := idx.files.SetStatus(ctx, fileID, knowledge.StatusFailed); err != nil {
		idx.logger.Error("failed to mark file failed",
			"file_id", fileID, "cause", cause, "error", err)
		return
	}
	idx.logger.Warn("file indexing failed", "file_id", fileID, "cause", cause)
}
