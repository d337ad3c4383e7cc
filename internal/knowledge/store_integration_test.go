package knowledge

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/lorekeep/lorekeep/internal/log"
	"github.com/lorekeep/lorekeep/internal/testutil"
)

const testDims = 768

// unit returns a 768-dim unit vector with 1 at position i.
func unit(i int) []float32 {
	vec := make([]float32, testDims)
	vec[i] = 1
	return vec
}

// mix returns a unit vector whose cosine similarity with unit(0) is exactly a.
func mix(a float64) []float32 {
	vec := make([]float32, testDims)
	vec[0] = float32(a)
	vec[1] = float32(math.Sqrt(1 - a*a))
	return vec
}

func insertCharacter(t *testing.T, pool *pgxpool.Pool, userID uuid.UUID) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		`INSERT INTO characters (user_id, name) VALUES ($1, 'test character') RETURNING id`,
		userID).Scan(&id)
	if err != nil {
		t.Fatalf("inserting character: %v", err)
	}
	return id
}

func insertConversation(t *testing.T, pool *pgxpool.Pool, userID uuid.UUID, archived bool) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		`INSERT INTO conversations (user_id, archived) VALUES ($1, $2) RETURNING id`,
		userID, archived).Scan(&id)
	if err != nil {
		t.Fatalf("inserting conversation: %v", err)
	}
	return id
}

func insertMessage(t *testing.T, pool *pgxpool.Pool, conversationID uuid.UUID) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		`INSERT INTO conversation_messages (conversation_id, role, content)
		 VALUES ($1, 'user', 'hello') RETURNING id`,
		conversationID).Scan(&id)
	if err != nil {
		t.Fatalf("inserting message: %v", err)
	}
	return id
}

// insertItem writes a memory item directly, bypassing Store, for search
// scenarios that need message- or manual-sourced rows.
func insertItem(t *testing.T, pool *pgxpool.Pool, item MemoryItem) uuid.UUID {
	t.Helper()
	if item.Tags == nil {
		item.Tags = []string{}
	}
	if item.Visibility == "" {
		item.Visibility = VisibilityNormal
	}
	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		`INSERT INTO memory_items (owner_type, owner_id, source_type, source_id, content, embedding, tags, visibility)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		item.OwnerType, item.OwnerID, item.SourceType, item.SourceID, item.Content,
		pgvector.NewVector(item.Embedding), item.Tags, item.Visibility).Scan(&id)
	if err != nil {
		t.Fatalf("inserting memory item: %v", err)
	}
	return id
}

func createTestFile(t *testing.T, files *FileStore, userID uuid.UUID, characterID *uuid.UUID) *File {
	t.Helper()
	f := &File{
		UserID:      userID,
		CharacterID: characterID,
		FileName:    "lore.txt",
		MIMEType:    "text/plain",
		SizeBytes:   64,
		StoragePath: "/tmp/" + uuid.NewString(),
		Tags:        []string{"lore"},
	}
	if err := files.Create(context.Background(), f); err != nil {
		t.Fatalf("creating file: %v", err)
	}
	return f
}

func fileItems(owner OwnerType, ownerID uuid.UUID, vecs ...[]float32) []MemoryItem {
	items := make([]MemoryItem, len(vecs))
	for i, vec := range vecs {
		idx := i
		items[i] = MemoryItem{
			OwnerType:  owner,
			OwnerID:    ownerID,
			Content:    "chunk content",
			Embedding:  vec,
			ChunkIndex: &idx,
		}
	}
	return items
}

func baseParams(userID uuid.UUID, vec []float32) SearchParams {
	return SearchParams{
		UserID:             userID,
		Vector:             vec,
		TopK:               10,
		MinScore:           0.3,
		LowPriorityPenalty: 0.15,
	}
}

func TestFileStoreIntegration(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	files, err := NewFileStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	items, err := NewStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	t.Run("create and get", func(t *testing.T) {
		userID := uuid.New()
		f := createTestFile(t, files, userID, nil)
		if f.ID == uuid.Nil || f.Status != StatusPending {
			t.Fatalf("created file = %+v, want generated id and pending status", f)
		}

		got, err := files.Get(ctx, f.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.FileName != "lore.txt" || got.Status != StatusPending || len(got.Tags) != 1 {
			t.Errorf("Get() = %+v, want created record", got)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		if _, err := files.Get(ctx, uuid.New()); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("Get(missing) error = %v, want ErrFileNotFound", err)
		}
	})

	t.Run("status lifecycle", func(t *testing.T) {
		f := createTestFile(t, files, uuid.New(), nil)

		for _, status := range []FileStatus{StatusIndexing, StatusReady, StatusPaused, StatusPending, StatusIndexing, StatusFailed} {
			if err := files.SetStatus(ctx, f.ID, status); err != nil {
				t.Fatalf("SetStatus(%s) error = %v", status, err)
			}
		}

		// failed can re-enter indexing but cannot jump straight to ready.
		if err := files.SetStatus(ctx, f.ID, StatusReady); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("SetStatus(failed -> ready) error = %v, want ErrInvalidTransition", err)
		}
		// Same-status set is a no-op, not an error.
		if err := files.SetStatus(ctx, f.ID, StatusFailed); err != nil {
			t.Errorf("SetStatus(same) error = %v, want nil", err)
		}
	})

	t.Run("cannot pause mid-index", func(t *testing.T) {
		f := createTestFile(t, files, uuid.New(), nil)
		if err := files.SetStatus(ctx, f.ID, StatusIndexing); err != nil {
			t.Fatalf("SetStatus(indexing) error = %v", err)
		}
		if err := files.Pause(ctx, f.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Pause(indexing file) error = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("set status missing file", func(t *testing.T) {
		if err := files.SetStatus(ctx, uuid.New(), StatusIndexing); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("SetStatus(missing) error = %v, want ErrFileNotFound", err)
		}
	})

	t.Run("delete cascades to memory items", func(t *testing.T) {
		userID := uuid.New()
		f := createTestFile(t, files, userID, nil)
		if _, err := items.ReplaceForFile(ctx, f.ID, fileItems(OwnerUser, userID, unit(0), unit(1))); err != nil {
			t.Fatalf("ReplaceForFile() error = %v", err)
		}

		storagePath, err := files.Delete(ctx, f.ID)
		if err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if storagePath != f.StoragePath {
			t.Errorf("Delete() storage path = %q, want %q", storagePath, f.StoragePath)
		}

		count, err := items.CountByFile(ctx, f.ID)
		if err != nil {
			t.Fatalf("CountByFile() error = %v", err)
		}
		if count != 0 {
			t.Errorf("memory items after delete = %d, want 0", count)
		}
		if _, err := files.Get(ctx, f.ID); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("Get(deleted) error = %v, want ErrFileNotFound", err)
		}
	})

	t.Run("list by user", func(t *testing.T) {
		userID := uuid.New()
		createTestFile(t, files, userID, nil)
		createTestFile(t, files, userID, nil)
		createTestFile(t, files, uuid.New(), nil)

		list, err := files.ListByUser(ctx, userID)
		if err != nil {
			t.Fatalf("ListByUser() error = %v", err)
		}
		if len(list) != 2 {
			t.Errorf("ListByUser() returned %d files, want 2", len(list))
		}
	})

	t.Run("character stats", func(t *testing.T) {
		userID := uuid.New()
		charID := insertCharacter(t, db.Pool, userID)

		ready := createTestFile(t, files, userID, &charID)
		if err := files.SetStatus(ctx, ready.ID, StatusIndexing); err != nil {
			t.Fatal(err)
		}
		if _, err := items.ReplaceForFile(ctx, ready.ID, fileItems(OwnerCharacter, charID, unit(0), unit(1), unit(2))); err != nil {
			t.Fatal(err)
		}
		if err := files.SetStatus(ctx, ready.ID, StatusReady); err != nil {
			t.Fatal(err)
		}
		createTestFile(t, files, userID, &charID) // stays pending

		stats, err := files.CharacterStats(ctx, charID)
		if err != nil {
			t.Fatalf("CharacterStats() error = %v", err)
		}
		if stats.TotalFiles != 2 || stats.ReadyFiles != 1 || stats.TotalChunks != 3 {
			t.Errorf("CharacterStats() = %+v, want 2 total, 1 ready, 3 chunks", stats)
		}
	})
}

func TestStoreSearchIntegration(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	files, err := NewFileStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	store, err := NewStore(db.Pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	t.Run("replace is idempotent", func(t *testing.T) {
		userID := uuid.New()
		f := createTestFile(t, files, userID, nil)

		if _, err := store.ReplaceForFile(ctx, f.ID, fileItems(OwnerUser, userID, unit(0), unit(1), unit(2))); err != nil {
			t.Fatalf("first ReplaceForFile() error = %v", err)
		}
		inserted, err := store.ReplaceForFile(ctx, f.ID, fileItems(OwnerUser, userID, unit(3), unit(4)))
		if err != nil {
			t.Fatalf("second ReplaceForFile() error = %v", err)
		}
		if inserted != 2 {
			t.Errorf("second ReplaceForFile() inserted %d, want 2", inserted)
		}

		count, err := store.CountByFile(ctx, f.ID)
		if err != nil {
			t.Fatalf("CountByFile() error = %v", err)
		}
		if count != 2 {
			t.Errorf("item count after re-index = %d, want 2 (replaced, not accumulated)", count)
		}
	})

	t.Run("three-way owner scope", func(t *testing.T) {
		userID := uuid.New()
		charID := insertCharacter(t, db.Pool, userID)
		otherCharID := insertCharacter(t, db.Pool, userID)

		userItem := insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerUser, OwnerID: userID, SourceType: SourceManual,
			Content: "user memory", Embedding: mix(0.9)})
		charItem := insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerCharacter, OwnerID: charID, SourceType: SourceManual,
			Content: "character memory", Embedding: mix(0.8)})
		relItem := insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerRelationship, OwnerID: userID, SourceType: SourceManual,
			Content: "relationship memory", Embedding: mix(0.7),
			Tags: []string{RelationshipTag(charID)}})
		// Out of scope: other character, other character's relationship.
		insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerCharacter, OwnerID: otherCharID, SourceType: SourceManual,
			Content: "other character memory", Embedding: mix(0.95)})
		insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerRelationship, OwnerID: userID, SourceType: SourceManual,
			Content: "other relationship memory", Embedding: mix(0.95),
			Tags: []string{RelationshipTag(otherCharID)}})

		params := baseParams(userID, unit(0))
		params.CharacterID = &charID
		got, err := store.Search(ctx, params)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		wantIDs := []uuid.UUID{userItem, charItem, relItem}
		if len(got) != len(wantIDs) {
			t.Fatalf("Search() returned %d items, want %d", len(got), len(wantIDs))
		}
		for i, want := range wantIDs {
			if got[i].ID != want {
				t.Errorf("result[%d].ID = %s, want %s (descending similarity)", i, got[i].ID, want)
			}
		}

		// Without a character, only the user's own items are in scope.
		got, err = store.Search(ctx, baseParams(userID, unit(0)))
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != userItem {
			t.Errorf("user-only Search() = %d items, want just the user item", len(got))
		}
	})

	t.Run("exclusions", func(t *testing.T) {
		userID := uuid.New()

		// exclude_from_rag is never returned regardless of similarity.
		insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerUser, OwnerID: userID, SourceType: SourceManual,
			Content: "excluded", Embedding: mix(0.99), Visibility: VisibilityExcluded})

		// Messages in archived conversations are excluded.
		archivedConv := insertConversation(t, db.Pool, userID, true)
		archivedMsg := insertMessage(t, db.Pool, archivedConv)
		insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerUser, OwnerID: userID, SourceType: SourceMessage, SourceID: &archivedMsg,
			Content: "archived message memory", Embedding: mix(0.98)})

		// Items from paused files are excluded.
		pausedFile := createTestFile(t, files, userID, nil)
		if _, err := store.ReplaceForFile(ctx, pausedFile.ID, fileItems(OwnerUser, userID, mix(0.97))); err != nil {
			t.Fatal(err)
		}
		if err := files.Pause(ctx, pausedFile.ID); err != nil {
			t.Fatal(err)
		}

		// Live items remain visible.
		liveConv := insertConversation(t, db.Pool, userID, false)
		liveMsg := insertMessage(t, db.Pool, liveConv)
		liveItem := insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerUser, OwnerID: userID, SourceType: SourceMessage, SourceID: &liveMsg,
			Content: "live message memory", Embedding: mix(0.9)})

		got, err := store.Search(ctx, baseParams(userID, unit(0)))
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != liveItem {
			t.Fatalf("Search() = %d items, want only the live message item", len(got))
		}
	})

	t.Run("tag filter intersection", func(t *testing.T) {
		userID := uuid.New()
		tagged := insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerUser, OwnerID: userID, SourceType: SourceManual,
			Content: "tagged", Embedding: mix(0.8), Tags: []string{"lore", "history"}})
		insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerUser, OwnerID: userID, SourceType: SourceManual,
			Content: "untagged", Embedding: mix(0.9)})

		params := baseParams(userID, unit(0))
		params.TagFilters = []string{"history", "geography"}
		got, err := store.Search(ctx, params)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != tagged {
			t.Errorf("tag-filtered Search() = %d items, want only the tagged item", len(got))
		}

		// No filters: both are eligible.
		got, err = store.Search(ctx, baseParams(userID, unit(0)))
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("unfiltered Search() = %d items, want 2", len(got))
		}
	})

	t.Run("low priority penalty demotes and floors", func(t *testing.T) {
		userID := uuid.New()
		demoted := insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerUser, OwnerID: userID, SourceType: SourceManual,
			Content: "demoted", Embedding: mix(0.9), Tags: []string{TagLowPriority}})
		normal := insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerUser, OwnerID: userID, SourceType: SourceManual,
			Content: "normal", Embedding: mix(0.8)})
		// 0.4 - 0.15 penalty = 0.25, below the 0.3 floor.
		insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerUser, OwnerID: userID, SourceType: SourceManual,
			Content: "floored", Embedding: mix(0.4), Tags: []string{TagLowPriority}})

		got, err := store.Search(ctx, baseParams(userID, unit(0)))
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("Search() = %d items, want 2 (penalized item below floor dropped)", len(got))
		}
		// The raw 0.9 item ranks below the raw 0.8 item once penalized.
		if got[0].ID != normal || got[1].ID != demoted {
			t.Errorf("ranking = [%s %s], want normal before demoted", got[0].Content, got[1].Content)
		}
		if got[1].Similarity >= got[0].Similarity {
			t.Errorf("penalized similarity %v >= normal %v", got[1].Similarity, got[0].Similarity)
		}
	})

	t.Run("min score and top-k", func(t *testing.T) {
		userID := uuid.New()
		for _, a := range []float64{0.9, 0.7, 0.5, 0.2} {
			insertItem(t, db.Pool, MemoryItem{
				OwnerType: OwnerUser, OwnerID: userID, SourceType: SourceManual,
				Content: "item", Embedding: mix(a)})
		}

		params := baseParams(userID, unit(0))
		got, err := store.Search(ctx, params)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(got) != 3 {
			t.Errorf("Search() = %d items, want 3 (0.2 below floor)", len(got))
		}

		params.TopK = 2
		got, err = store.Search(ctx, params)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("Search(topK=2) = %d items, want 2", len(got))
		}
		if len(got) == 2 && got[0].Similarity < got[1].Similarity {
			t.Error("results not in descending similarity order")
		}
	})

	t.Run("feedback operations", func(t *testing.T) {
		userID := uuid.New()
		id := insertItem(t, db.Pool, MemoryItem{
			OwnerType: OwnerUser, OwnerID: userID, SourceType: SourceManual,
			Content: "feedback target", Embedding: mix(0.9)})

		if err := store.MarkLowPriority(ctx, id); err != nil {
			t.Fatalf("MarkLowPriority() error = %v", err)
		}
		// Idempotent: tagging twice doesn't duplicate the tag.
		if err := store.MarkLowPriority(ctx, id); err != nil {
			t.Fatalf("second MarkLowPriority() error = %v", err)
		}

		got, err := store.Search(ctx, baseParams(userID, unit(0)))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("Search() = %d items, want 1", len(got))
		}
		lowPriorityTags := 0
		for _, tag := range got[0].Tags {
			if tag == TagLowPriority {
				lowPriorityTags++
			}
		}
		if lowPriorityTags != 1 {
			t.Errorf("low-priority tag count = %d, want 1", lowPriorityTags)
		}

		if err := store.SetVisibility(ctx, id, VisibilityExcluded); err != nil {
			t.Fatalf("SetVisibility() error = %v", err)
		}
		got, err = store.Search(ctx, baseParams(userID, unit(0)))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 0 {
			t.Errorf("Search() after exclusion = %d items, want 0", len(got))
		}

		if err := store.RestorePriority(ctx, id); err != nil {
			t.Fatalf("RestorePriority() error = %v", err)
		}
		got, err = store.Search(ctx, baseParams(userID, unit(0)))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || len(got[0].Tags) != 0 {
			t.Errorf("Search() after restore = %+v, want 1 untagged item", got)
		}

		if err := store.SetVisibility(ctx, uuid.New(), VisibilityNormal); !errors.Is(err, ErrItemNotFound) {
			t.Errorf("SetVisibility(missing) error = %v, want ErrItemNotFound", err)
		}
		if err := store.MarkLowPriority(ctx, uuid.New()); !errors.Is(err, ErrItemNotFound) {
			t.Errorf("MarkLowPriority(missing) error = %v, want ErrItemNotFound", err)
		}
	})

	t.Run("zero top-k returns empty", func(t *testing.T) {
		got, err := store.Search(ctx, SearchParams{UserID: uuid.New(), Vector: unit(0)})
		if err != nil || len(got) != 0 {
			t.Errorf("Search(topK=0) = %v, %v; want empty, nil", got, err)
		}
	})
}
