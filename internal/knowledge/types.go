// Package knowledge persists knowledge-base files and their embedded memory
// items in PostgreSQL + pgvector, and runs the ranked similarity search that
// retrieval is built on.
package knowledge

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// OwnerType discriminates the polymorphic (ownerType, ownerID) scoping pair
// on memory items. It is not a foreign key: the pair is matched explicitly
// by the search query.
type OwnerType string

const (
	OwnerUser         OwnerType = "user"
	OwnerCharacter    OwnerType = "character"
	OwnerRelationship OwnerType = "relationship"
)

// Valid reports whether t is a known owner type.
func (t OwnerType) Valid() bool {
	switch t {
	case OwnerUser, OwnerCharacter, OwnerRelationship:
		return true
	}
	return false
}

// SourceType records where a memory item's content came from.
type SourceType string

const (
	SourceMessage SourceType = "message"
	SourceFile    SourceType = "file"
	SourceManual  SourceType = "manual"
)

// Visibility is the retrieval policy on a memory item. Excluded items are
// never returned by search regardless of similarity.
type Visibility string

const (
	VisibilityNormal    Visibility = "normal"
	VisibilitySensitive Visibility = "sensitive"
	VisibilityExcluded  Visibility = "exclude_from_rag"
)

// Valid reports whether v is a known visibility policy.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityNormal, VisibilitySensitive, VisibilityExcluded:
		return true
	}
	return false
}

// FileStatus is the lifecycle state of a knowledge-base file.
type FileStatus string

const (
	StatusPending  FileStatus = "pending"
	StatusIndexing FileStatus = "indexing"
	StatusReady    FileStatus = "ready"
	StatusFailed   FileStatus = "failed"
	StatusPaused   FileStatus = "paused"
)

// Valid reports whether s is a known file status.
func (s FileStatus) Valid() bool {
	switch s {
	case StatusPending, StatusIndexing, StatusReady, StatusFailed, StatusPaused:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle permits moving from s to
// next. Transitions are monotonic except for re-indexing, which re-enters
// indexing from ready or failed. Pausing is an external action and is not
// permitted mid-index; resuming returns a paused file to pending so it can
// be re-queued. A move to failed is allowed before indexing starts because
// the availability probe aborts a run before the file is marked indexing.
func (s FileStatus) CanTransitionTo(next FileStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusIndexing || next == StatusFailed || next == StatusPaused
	case StatusIndexing:
		return next == StatusReady || next == StatusFailed
	case StatusReady:
		return next == StatusIndexing || next == StatusFailed || next == StatusPaused
	case StatusFailed:
		return next == StatusIndexing || next == StatusPaused
	case StatusPaused:
		return next == StatusPending
	}
	return false
}

// File is one uploaded source document in the knowledge base.
type File struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	CharacterID *uuid.UUID
	FileName    string
	MIMEType    string
	SizeBytes   int64
	StoragePath string
	Status      FileStatus
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Owner derives the memory-item owner scope for items indexed from this
// file: character-owned when the file is attached to a character, otherwise
// user-owned.
func (f *File) Owner() (OwnerType, uuid.UUID) {
	if f.CharacterID != nil {
		return OwnerCharacter, *f.CharacterID
	}
	return OwnerUser, f.UserID
}

// MemoryItem is one embedded, independently retrievable text fragment.
// Embedding is write-only here: search ranks in the database and never
// loads vectors back.
type MemoryItem struct {
	ID         uuid.UUID
	OwnerType  OwnerType
	OwnerID    uuid.UUID
	SourceType SourceType
	SourceID   *uuid.UUID
	Content    string
	Embedding  []float32
	Tags       []string
	Visibility Visibility
	ChunkIndex *int
	CreatedAt  time.Time

	// Similarity is populated by Search only: 1 - cosine_distance, with
	// the low-priority penalty already applied.
	Similarity float64
}

// CharacterStats summarizes a character's knowledge base.
type CharacterStats struct {
	TotalFiles    int64
	ReadyFiles    int64
	IndexingFiles int64
	FailedFiles   int64
	PausedFiles   int64
	TotalChunks   int64
}

// internalTagPrefix marks control tags managed by the system itself. They
// drive ranking and scoping and are stripped from any user-facing rendering.
const internalTagPrefix = "_rag_"

// TagLowPriority demotes an item in the ranking without excluding it.
// Applied and removed by user feedback.
const TagLowPriority = internalTagPrefix + "low_priority"

// RelationshipTag returns the control tag that scopes a relationship-owned
// memory item to one character.
func RelationshipTag(characterID uuid.UUID) string {
	return internalTagPrefix + "character:" + characterID.String()
}

// IsInternalTag reports whether tag is a system control tag.
func IsInternalTag(tag string) bool {
	return strings.HasPrefix(tag, internalTagPrefix)
}

// VisibleTags filters out internal control tags, preserving order.
func VisibleTags(tags []string) []string {
	visible := make([]string, 0, len(tags))
	for _, tag := range tags {
		if !IsInternalTag(tag) {
			visible = append(visible, tag)
		}
	}
	return visible
}
