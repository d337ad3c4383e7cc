package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ErrItemNotFound indicates the memory item does not exist.
var ErrItemNotFound = errors.New("memory item not found")

// itemCols is the standard SELECT column list for scanItem. The embedding
// column is deliberately absent: vectors are ranked in the database and
// never read back.
const itemCols = `id, owner_type, owner_id, source_type, source_id, content,
	tags, visibility, chunk_index, created_at`

// Store manages memory items backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a memory-item Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// ReplaceForFile atomically swaps a file's memory items: every existing item
// sourced from the file is deleted, then one row per given item is inserted,
// all in a single transaction. Retrieval queries running concurrently never
// observe a window where the file has zero items.
//
// Each item's owner scope, source and tags are taken from the item itself;
// callers derive them from the file record before the swap.
func (s *Store) ReplaceForFile(ctx context.Context, fileID uuid.UUID, items []MemoryItem) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(ctx, tx, s.logger)

	tag, err := tx.Exec(ctx,
		`DELETE FROM memory_items WHERE source_type = $1 AND source_id = $2`, SourceFile, fileID)
	if err != nil {
		return 0, fmt.Errorf("deleting existing memory items: %w", err)
	}

	inserted := 0
	for i := range items {
		item := &items[i]
		if !item.OwnerType.Valid() {
			return 0, fmt.Errorf("invalid owner type %q", item.OwnerType)
		}
		if item.Visibility == "" {
			item.Visibility = VisibilityNormal
		}
		if item.Tags == nil {
			item.Tags = []string{}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO memory_items (owner_type, owner_id, source_type, source_id, content, embedding, tags, visibility, chunk_index)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			item.OwnerType, item.OwnerID, SourceFile, fileID, item.Content,
			pgvector.NewVector(item.Embedding), item.Tags, item.Visibility, item.ChunkIndex)
		if err != nil {
			return 0, fmt.Errorf("inserting memory item %d: %w", i, err)
		}
		inserted++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing memory item swap: %w", err)
	}

	s.logger.Debug("memory items replaced",
		"file_id", fileID, "deleted", tag.RowsAffected(), "inserted", inserted)
	return inserted, nil
}

// DeleteByFile removes every memory item sourced from the given file and
// returns the number removed.
func (s *Store) DeleteByFile(ctx context.Context, fileID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memory_items WHERE source_type = $1 AND source_id = $2`, SourceFile, fileID)
	if err != nil {
		return 0, fmt.Errorf("deleting memory items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByFile returns the number of memory items sourced from the given file.
func (s *Store) CountByFile(ctx context.Context, fileID uuid.UUID) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM memory_items WHERE source_type = $1 AND source_id = $2`,
		SourceFile, fileID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting memory items: %w", err)
	}
	return count, nil
}

// SearchParams scopes and tunes one similarity search. Vector is the
// embedded query; TopK, MinScore and LowPriorityPenalty come from the
// retrieval policy.
type SearchParams struct {
	UserID             uuid.UUID
	CharacterID        *uuid.UUID
	Vector             []float32
	TopK               int
	MinScore           float64
	LowPriorityPenalty float64
	TagFilters         []string
}

// Search ranks eligible memory items by cosine similarity to the query
// vector and returns the top K.
//
// Eligibility is a three-way owner scope: items owned by the user directly,
// items owned by the given character, and relationship items belonging to
// the user that carry the character's relationship tag. Items excluded from
// retrieval, items whose source message sits in an archived conversation,
// and items sourced from paused files are filtered out before ranking. Items
// carrying the low-priority tag have a fixed penalty subtracted from their
// similarity in both the floor check and the ordering, demoting them without
// excluding them.
func (s *Store) Search(ctx context.Context, params SearchParams) ([]*MemoryItem, error) {
	if params.TopK <= 0 {
		return []*MemoryItem{}, nil
	}

	relationshipTag := ""
	if params.CharacterID != nil {
		relationshipTag = RelationshipTag(*params.CharacterID)
	}
	var tagFilters []string
	if len(params.TagFilters) > 0 {
		tagFilters = params.TagFilters
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+itemCols+`,
		        1 - (embedding <=> $1) - CASE WHEN $2 = ANY(tags) THEN $3::float8 ELSE 0 END AS similarity
		 FROM memory_items m
		 WHERE m.embedding IS NOT NULL
		   AND m.visibility <> 'exclude_from_rag'
		   AND (
		         (m.owner_type = 'user' AND m.owner_id = $4)
		      OR ($5::uuid IS NOT NULL AND m.owner_type = 'character' AND m.owner_id = $5)
		      OR ($5::uuid IS NOT NULL AND m.owner_type = 'relationship' AND m.owner_id = $4 AND $6 = ANY(m.tags))
		   )
		   AND NOT EXISTS (
		         SELECT 1 FROM conversation_messages msg
		         JOIN conversations c ON c.id = msg.conversation_id
		         WHERE m.source_type = 'message' AND msg.id = m.source_id AND c.archived
		   )
		   AND NOT EXISTS (
		         SELECT 1 FROM kb_files f
		         WHERE m.source_type = 'file' AND f.id = m.source_id AND f.status = 'paused'
		   )
		   AND ($7::text[] IS NULL OR m.tags && $7)
		   AND 1 - (m.embedding <=> $1) - CASE WHEN $2 = ANY(m.tags) THEN $3::float8 ELSE 0 END >= $8
		 ORDER BY (m.embedding <=> $1) + CASE WHEN $2 = ANY(m.tags) THEN $3::float8 ELSE 0 END
		 LIMIT $9`,
		pgvector.NewVector(params.Vector), TagLowPriority, params.LowPriorityPenalty,
		params.UserID, params.CharacterID, relationshipTag,
		tagFilters, params.MinScore, params.TopK,
	)
	if err != nil {
		return nil, fmt.Errorf("searching memory items: %w", err)
	}
	defer rows.Close()

	return scanItemsWithScore(rows)
}

// SetVisibility changes one item's retrieval policy. Used by the feedback
// path to exclude an item from retrieval without deleting it.
func (s *Store) SetVisibility(ctx context.Context, id uuid.UUID, visibility Visibility) error {
	if !visibility.Valid() {
		return fmt.Errorf("invalid visibility %q", visibility)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE memory_items SET visibility = $2 WHERE id = $1`, id, visibility)
	if err != nil {
		return fmt.Errorf("updating visibility: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

// MarkLowPriority adds the low-priority control tag to one item. Idempotent.
func (s *Store) MarkLowPriority(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memory_items SET tags = array_append(tags, $2)
		 WHERE id = $1 AND NOT ($2 = ANY(tags))`, id, TagLowPriority)
	if err != nil {
		return fmt.Errorf("marking item low priority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either already tagged or missing; distinguish for the caller.
		return s.exists(ctx, id)
	}
	return nil
}

// RestorePriority removes the low-priority tag and restores normal
// visibility, undoing prior feedback. Idempotent.
func (s *Store) RestorePriority(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memory_items SET tags = array_remove(tags, $2), visibility = $3
		 WHERE id = $1`, id, TagLowPriority, VisibilityNormal)
	if err != nil {
		return fmt.Errorf("restoring item priority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (s *Store) exists(ctx context.Context, id uuid.UUID) error {
	var found bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM memory_items WHERE id = $1)`, id).Scan(&found)
	if err != nil {
		return fmt.Errorf("checking memory item: %w", err)
	}
	if !found {
		return ErrItemNotFound
	}
	return nil
}

func scanItemsWithScore(rows pgx.Rows) ([]*MemoryItem, error) {
	items := []*MemoryItem{}
	for rows.Next() {
		var item MemoryItem
		err := rows.Scan(&item.ID, &item.OwnerType, &item.OwnerID, &item.SourceType,
			&item.SourceID, &item.Content, &item.Tags, &item.Visibility,
			&item.ChunkIndex, &item.CreatedAt, &item.Similarity)
		if err != nil {
			return nil, fmt.Errorf("scanning memory item row: %w", err)
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memory item rows: %w", err)
	}
	return items, nil
}
