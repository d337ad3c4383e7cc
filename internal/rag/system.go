package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/blob"
	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/knowledge"
)

// Upload validation failures, surfaced to the API layer as user errors.
var (
	ErrFileTooLarge    = errors.New("file exceeds upload size limit")
	ErrUnsupportedMIME = errors.New("unsupported file type")
	ErrEmptyUpload     = errors.New("empty upload")
)

// ErrBlobMissing reports that a file record points at stored bytes that no
// longer exist, so a fresh indexing run could never succeed.
var ErrBlobMissing = errors.New("stored file bytes missing")

// Enqueuer submits indexing jobs. *queue.Queue satisfies it.
type Enqueuer interface {
	EnqueueIndexFile(ctx context.Context, fileID, userID uuid.UUID, priority int) error
}

// FileLifecycleStore is the file-record surface the facade depends on.
// *knowledge.FileStore satisfies it.
type FileLifecycleStore interface {
	Create(ctx context.Context, f *knowledge.File) error
	Get(ctx context.Context, id uuid.UUID) (*knowledge.File, error)
	SetStatus(ctx context.Context, id uuid.UUID, status knowledge.FileStatus) error
	Pause(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) (string, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*knowledge.File, error)
	CharacterStats(ctx context.Context, characterID uuid.UUID) (knowledge.CharacterStats, error)
}

// FeedbackStore is the memory-item surface the facade depends on.
// *knowledge.Store satisfies it.
type FeedbackStore interface {
	CountByFile(ctx context.Context, fileID uuid.UUID) (int64, error)
	DeleteByFile(ctx context.Context, fileID uuid.UUID) (int64, error)
	SetVisibility(ctx context.Context, id uuid.UUID, visibility knowledge.Visibility) error
	MarkLowPriority(ctx context.Context, id uuid.UUID) error
	RestorePriority(ctx context.Context, id uuid.UUID) error
}

// System is the facade the application layer talks to: it accepts uploads,
// manages file lifecycle actions and delegates retrieval. Indexing itself
// happens asynchronously in the queue worker.
type System struct {
	cfg    *config.Config
	blobs  blob.Store
	files  FileLifecycleStore
	items  FeedbackStore
	queue  Enqueuer
	logger *slog.Logger
}

// NewSystem creates the RAG facade.
func NewSystem(cfg *config.Config, blobs blob.Store, files FileLifecycleStore,
	items FeedbackStore, queue Enqueuer, logger *slog.Logger) (*System, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if blobs == nil || files == nil || items == nil || queue == nil {
		return nil, fmt.Errorf("blobs, files, items and queue are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &System{cfg: cfg, blobs: blobs, files: files, items: items, queue: queue, logger: logger}, nil
}

// UploadFile validates an upload against the configured size and type
// limits, stores the bytes, creates the file record and enqueues an
// indexing job. The returned file is in status pending; indexing happens
// asynchronously.
func (s *System) UploadFile(ctx context.Context, userID uuid.UUID, characterID *uuid.UUID,
	fileName, mimeType string, data []byte, tags []string) (*knowledge.File, error) {

	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}
	if max := s.cfg.Upload.MaxBytes; max > 0 && int64(len(data)) > max {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, len(data), max)
	}
	if !s.mimeAllowed(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMIME, mimeType)
	}

	storagePath, err := s.blobs.Write(ctx, fileName, data)
	if err != nil {
		return nil, fmt.Errorf("storing upload: %w", err)
	}

	file := &knowledge.File{
		UserID:      userID,
		CharacterID: characterID,
		FileName:    fileName,
		MIMEType:    mimeType,
		SizeBytes:   int64(len(data)),
		StoragePath: storagePath,
		Tags:        cleanTags(tags),
	}
	if err := s.files.Create(ctx, file); err != nil {
		// Best effort: don't leave an orphaned blob behind.
		if delErr := s.blobs.Delete(ctx, storagePath); delErr != nil {
			s.logger.Warn("orphaned blob left after failed file create",
				"path", storagePath, "error", delErr)
		}
		return nil, err
	}

	if err := s.queue.EnqueueIndexFile(ctx, file.ID, userID, 0); err != nil {
		// The record exists in pending; a later re-index can recover it.
		s.logger.Error("failed to enqueue indexing job",
			"file_id", file.ID, "error", err)
		return file, fmt.Errorf("enqueueing indexing job: %w", err)
	}

	s.logger.Info("file uploaded",
		"file_id", file.ID, "name", fileName, "bytes", len(data))
	return file, nil
}

// mimeAllowed checks the declared type against the configured allow-list.
// An empty allow-list accepts everything (extraction falls back to UTF-8
// for unknown types).
func (s *System) mimeAllowed(mimeType string) bool {
	allowed := s.cfg.Upload.AllowedMIMEs
	if len(allowed) == 0 {
		return true
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	for _, m := range allowed {
		m = strings.ToLower(m)
		if m == mimeType {
			return true
		}
		// "text/*" style wildcard.
		if prefix, ok := strings.CutSuffix(m, "/*"); ok && strings.HasPrefix(mimeType, prefix+"/") {
			return true
		}
	}
	return false
}

// PauseFile takes a file out of retrieval until resumed.
func (s *System) PauseFile(ctx context.Context, fileID uuid.UUID) error {
	return s.files.Pause(ctx, fileID)
}

// ResumeFile returns a paused file to pending and queues a fresh indexing
// run.
func (s *System) ResumeFile(ctx context.Context, fileID uuid.UUID) error {
	file, err := s.files.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if err := s.files.SetStatus(ctx, fileID, knowledge.StatusPending); err != nil {
		return err
	}
	return s.queue.EnqueueIndexFile(ctx, fileID, file.UserID, 0)
}

// ReindexFile queues a fresh indexing run. The run replaces the file's
// memory items wholesale. Allowed from any status except paused: a file
// stranded in indexing (job timed out without retry, worker crashed mid-run)
// is recovered this way, since a new run re-enters indexing as a no-op and
// proceeds normally.
func (s *System) ReindexFile(ctx context.Context, fileID uuid.UUID) error {
	file, err := s.files.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if file.Status == knowledge.StatusPaused {
		return fmt.Errorf("%w: cannot re-index a %s file", knowledge.ErrInvalidTransition, file.Status)
	}
	exists, err := s.blobs.Exists(ctx, file.StoragePath)
	if err != nil {
		return fmt.Errorf("checking stored bytes for file %s: %w", fileID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrBlobMissing, file.StoragePath)
	}
	return s.queue.EnqueueIndexFile(ctx, fileID, file.UserID, 0)
}

// DeleteFile removes the file record, its memory items and its stored
// bytes. The record and items go in one transaction; the blob is removed
// after commit, best effort.
func (s *System) DeleteFile(ctx context.Context, fileID uuid.UUID) error {
	storagePath, err := s.files.Delete(ctx, fileID)
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, storagePath); err != nil {
		s.logger.Warn("stored bytes not removed after file deletion",
			"file_id", fileID, "path", storagePath, "error", err)
	}
	return nil
}

// ListFiles returns a user's knowledge-base files, newest first.
func (s *System) ListFiles(ctx context.Context, userID uuid.UUID) ([]*knowledge.File, error) {
	return s.files.ListByUser(ctx, userID)
}

// GetFile fetches one file record.
func (s *System) GetFile(ctx context.Context, fileID uuid.UUID) (*knowledge.File, error) {
	return s.files.Get(ctx, fileID)
}

// FileMemoryItemCount reports how many memory items a file contributed.
func (s *System) FileMemoryItemCount(ctx context.Context, fileID uuid.UUID) (int64, error) {
	return s.items.CountByFile(ctx, fileID)
}

// DeleteFileMemoryItems removes a file's memory items without touching the
// file record, returning the number removed.
func (s *System) DeleteFileMemoryItems(ctx context.Context, fileID uuid.UUID) (int64, error) {
	return s.items.DeleteByFile(ctx, fileID)
}

// CharacterStats aggregates a character's knowledge base.
func (s *System) CharacterStats(ctx context.Context, characterID uuid.UUID) (knowledge.CharacterStats, error) {
	return s.files.CharacterStats(ctx, characterID)
}

// ExcludeMemoryItem removes one item from retrieval permanently, without
// deleting it. User feedback: "never bring this up again".
func (s *System) ExcludeMemoryItem(ctx context.Context, itemID uuid.UUID) error {
	return s.items.SetVisibility(ctx, itemID, knowledge.VisibilityExcluded)
}

// DemoteMemoryItem applies the low-priority penalty to one item. User
// feedback: "this keeps coming up too often".
func (s *System) DemoteMemoryItem(ctx context.Context, itemID uuid.UUID) error {
	return s.items.MarkLowPriority(ctx, itemID)
}

// RestoreMemoryItem undoes prior feedback on one item.
func (s *System) RestoreMemoryItem(ctx context.Context, itemID uuid.UUID) error {
	return s.items.RestorePriority(ctx, itemID)
}
