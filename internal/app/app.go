// Package app provides application initialization and dependency injection.
//
// App is the container that wires the full stack: configuration, the
// PostgreSQL pool, blob storage, the embedding client, the knowledge
// stores, the indexing queue and the RAG components. Components receive
// their dependencies through constructors; nothing reaches for globals.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorekeep/lorekeep/db"
	"github.com/lorekeep/lorekeep/internal/blob"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/database"
	"github.com/lorekeep/lorekeep/internal/embedding"
	"github.com/lorekeep/lorekeep/internal/knowledge"
	"github.com/lorekeep/lorekeep/internal/queue"
	"github.com/lorekeep/lorekeep/internal/rag"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	DBPool   *pgxpool.Pool
	Blobs    *blob.Local
	Embedder *embedding.Client
	Files    *knowledge.FileStore
	Items    *knowledge.Store
	Queue    *queue.Queue

	System    *rag.System
	Indexer   *rag.Indexer
	Retriever *rag.Retriever
	Worker    *queue.Worker
}

// New loads configuration, runs pending migrations and constructs every
// component. The returned App owns the database pool; call Close when done.
func New(ctx context.Context, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return NewWithConfig(ctx, cfg, logger)
}

// NewWithConfig constructs the App from an already-loaded configuration.
// Useful when the caller validates or overrides settings first.
func NewWithConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	app, err := assemble(cfg, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return app, nil
}

// assemble wires the components on top of an established pool.
func assemble(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*App, error) {
	blobs, err := blob.NewLocal(cfg.BlobDir, logger.With("component", "blob"))
	if err != nil {
		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	embedder, err := embedding.NewClient(cfg.Embedding, logger.With("component", "embedding"))
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}

	files, err := knowledge.NewFileStore(pool, logger.With("component", "files"))
	if err != nil {
		return nil, fmt.Errorf("creating file store: %w", err)
	}
	items, err := knowledge.NewStore(pool, logger.With("component", "memory"))
	if err != nil {
		return nil, fmt.Errorf("creating memory store: %w", err)
	}

	q, err := queue.New(pool, cfg.Queue, logger.With("component", "queue"))
	if err != nil {
		return nil, fmt.Errorf("creating queue: %w", err)
	}

	indexer, err := rag.NewIndexer(files, items, embedder, blobs, cfg.RAG, logger.With("component", "indexer"))
	if err != nil {
		return nil, fmt.Errorf("creating indexer: %w", err)
	}
	retriever, err := rag.NewRetriever(items, embedder, cfg.RAG, logger.With("component", "retriever"))
	if err != nil {
		return nil, fmt.Errorf("creating retriever: %w", err)
	}
	system, err := rag.NewSystem(cfg, blobs, files, items, q, logger.With("component", "rag"))
	if err != nil {
		return nil, fmt.Errorf("creating rag system: %w", err)
	}

	worker, err := queue.NewWorker(q, func(ctx context.Context, payload queue.IndexPayload) error {
		_, err := indexer.IndexFile(ctx, payload.FileID)
		return err
	}, cfg.Queue, logger.With("component", "worker"))
	if err != nil {
		return nil, fmt.Errorf("creating worker: %w", err)
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		DBPool:    pool,
		Blobs:     blobs,
		Embedder:  embedder,
		Files:     files,
		Items:     items,
		Queue:     q,
		System:    system,
		Indexer:   indexer,
		Retriever: retriever,
		Worker:    worker,
	}, nil
}

// Close releases the resources the App owns. The worker must already have
// been stopped (its Run context cancelled) before Close is called.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger.Info("database pool closed")
	}
	return nil
}
