package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrFileNotFound indicates the knowledge-base file does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidTransition indicates a file status change the lifecycle
	// does not permit.
	ErrInvalidTransition = errors.New("invalid file status transition")
)

// fileCols is the standard SELECT column list for scanFile.
const fileCols = `id, user_id, character_id, file_name, mime_type, size_bytes,
	storage_path, status, tags, created_at, updated_at`

// FileStore manages knowledge-base file records.
//
// FileStore is safe for concurrent use by multiple goroutines.
type FileStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewFileStore creates a FileStore.
func NewFileStore(pool *pgxpool.Pool, logger *slog.Logger) (*FileStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{pool: pool, logger: logger}, nil
}

// Create inserts a new file record in status pending and fills in the
// generated identifier and timestamps.
func (s *FileStore) Create(ctx context.Context, f *File) error {
	if f.UserID == uuid.Nil {
		return fmt.Errorf("user ID is required")
	}
	if f.FileName == "" || f.StoragePath == "" {
		return fmt.Errorf("file name and storage path are required")
	}
	if f.Tags == nil {
		f.Tags = []string{}
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO kb_files (user_id, character_id, file_name, mime_type, size_bytes, storage_path, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, status, created_at, updated_at`,
		f.UserID, f.CharacterID, f.FileName, f.MIMEType, f.SizeBytes, f.StoragePath, f.Tags,
	).Scan(&f.ID, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating file record: %w", err)
	}
	return nil
}

// Get fetches one file by id. Returns ErrFileNotFound if absent.
func (s *FileStore) Get(ctx context.Context, id uuid.UUID) (*File, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+fileCols+` FROM kb_files WHERE id = $1`, id)
	return scanFile(row)
}

// ListByUser returns all of a user's files, newest first.
func (s *FileStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*File, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileCols+` FROM kb_files WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

// SetStatus moves a file to the given lifecycle status, enforcing the
// transition rules. Returns ErrInvalidTransition when the lifecycle does
// not permit the move, ErrFileNotFound when the file is gone.
func (s *FileStore) SetStatus(ctx context.Context, id uuid.UUID, status FileStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(ctx, tx, s.logger)

	var current FileStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM kb_files WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrFileNotFound
	}
	if err != nil {
		return fmt.Errorf("locking file row: %w", err)
	}

	if current == status {
		return tx.Commit(ctx)
	}
	if !current.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE kb_files SET status = $2, updated_at = now() WHERE id = $1`, id, status); err != nil {
		return fmt.Errorf("updating file status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing status change: %w", err)
	}

	s.logger.Debug("file status changed", "file_id", id, "from", current, "to", status)
	return nil
}

// Pause takes a file out of retrieval until Resume. Not permitted while a
// file is mid-index.
func (s *FileStore) Pause(ctx context.Context, id uuid.UUID) error {
	return s.SetStatus(ctx, id, StatusPaused)
}

// Delete removes a file record and all memory items indexed from it, in one
// transaction. The file's storage path is returned so the caller can remove
// the stored blob after the commit.
func (s *FileStore) Delete(ctx context.Context, id uuid.UUID) (storagePath string, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(ctx, tx, s.logger)

	err = tx.QueryRow(ctx,
		`DELETE FROM kb_files WHERE id = $1 RETURNING storage_path`, id).Scan(&storagePath)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrFileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("deleting file record: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM memory_items WHERE source_type = $1 AND source_id = $2`, SourceFile, id)
	if err != nil {
		return "", fmt.Errorf("deleting file memory items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing file deletion: %w", err)
	}

	s.logger.Info("file deleted", "file_id", id, "memory_items_removed", tag.RowsAffected())
	return storagePath, nil
}

// CharacterStats aggregates file and chunk counts for one character's
// knowledge base.
func (s *FileStore) CharacterStats(ctx context.Context, characterID uuid.UUID) (CharacterStats, error) {
	var stats CharacterStats
	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE status = 'ready'),
		        count(*) FILTER (WHERE status = 'indexing'),
		        count(*) FILTER (WHERE status = 'failed'),
		        count(*) FILTER (WHERE status = 'paused'),
		        coalesce((SELECT count(*) FROM memory_items m
		                  WHERE m.source_type = 'file'
		                    AND m.source_id IN (SELECT id FROM kb_files WHERE character_id = $1)), 0)
		 FROM kb_files WHERE character_id = $1`,
		characterID,
	).Scan(&stats.TotalFiles, &stats.ReadyFiles, &stats.IndexingFiles,
		&stats.FailedFiles, &stats.PausedFiles, &stats.TotalChunks)
	if err != nil {
		return CharacterStats{}, fmt.Errorf("aggregating character stats: %w", err)
	}
	return stats, nil
}

// rollback discards tx unless it already committed.
func rollback(ctx context.Context, tx pgx.Tx, logger *slog.Logger) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logger.Debug("transaction rollback", "error", err)
	}
}

func scanFile(row pgx.Row) (*File, error) {
	var f File
	err := row.Scan(&f.ID, &f.UserID, &f.CharacterID, &f.FileName, &f.MIMEType,
		&f.SizeBytes, &f.StoragePath, &f.Status, &f.Tags, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning file row: %w", err)
	}
	return &f, nil
}

func scanFiles(rows pgx.Rows) ([]*File, error) {
	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating file rows: %w", err)
	}
	return files, nil
}
