package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/config"
	"github.com/lorekeep/lorekeep/internal/embedding"
	"github.com/lorekeep/lorekeep/internal/knowledge"
	"github.com/lorekeep/lorekeep/internal/log"
)

type fakeFiles struct {
	files       map[uuid.UUID]*knowledge.File
	transitions []knowledge.FileStatus
}

func newFakeFiles(files ...*knowledge.File) *fakeFiles {
	m := map[uuid.UUID]*knowledge.File{}
	for _, f := range files {
		m[f.ID] = f
	}
	return &fakeFiles{files: m}
}

func (f *fakeFiles) Get(_ context.Context, id uuid.UUID) (*knowledge.File, error) {
	file, ok := f.files[id]
	if !ok {
		return nil, knowledge.ErrFileNotFound
	}
	copied := *file
	return &copied, nil
}

func (f *fakeFiles) SetStatus(_ context.Context, id uuid.UUID, status knowledge.FileStatus) error {
	file, ok := f.files[id]
	if !ok {
		return knowledge.ErrFileNotFound
	}
	file.Status = status
	f.transitions = append(f.transitions, status)
	return nil
}

type fakeItems struct {
	replaced []knowledge.MemoryItem
	swaps    int
	err      error
}

func (f *fakeItems) ReplaceForFile(_ context.Context, _ uuid.UUID, items []knowledge.MemoryItem) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.swaps++
	f.replaced = items
	return len(items), nil
}

// fakeChunkEmbedder fails the first failFirst Generate calls, then succeeds.
type fakeChunkEmbedder struct {
	available bool
	failFirst int
	calls     int
}

func (f *fakeChunkEmbedder) Generate(_ context.Context, _ string) (embedding.Result, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return embedding.Result{}, errors.New("embed failed")
	}
	return embedding.Result{Vector: make([]float32, 8), Provider: "local", Dimensions: 8}, nil
}

func (f *fakeChunkEmbedder) CheckAvailability(_ context.Context) embedding.Status {
	if !f.available {
		return embedding.Status{Available: false, Provider: "local", Reason: "connection refused"}
	}
	return embedding.Status{Available: true, Provider: "local"}
}

type fakeBlobs struct {
	data map[string][]byte
}

func (f *fakeBlobs) Read(_ context.Context, path string) ([]byte, error) {
	data, ok := f.data[path]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}

func testFile(content string) (*knowledge.File, *fakeBlobs) {
	id := uuid.New()
	path := "blobs/" + id.String()
	file := &knowledge.File{
		ID:          id,
		UserID:      uuid.New(),
		FileName:    "lore.txt",
		MIMEType:    "text/plain",
		SizeBytes:   int64(len(content)),
		StoragePath: path,
		Status:      knowledge.StatusPending,
		Tags:        []string{"lore"},
	}
	return file, &fakeBlobs{data: map[string][]byte{path: []byte(content)}}
}

// indexerCfg chunks 400-char unbroken text into exactly five chunks
// (size 100, step 80).
func indexerCfg() config.RAGConfig {
	return config.RAGConfig{ChunkSize: 100, ChunkOverlap: 20, DefaultTopK: 6, MaxTopK: 20, MinScore: 0.3, LowPriorityPenalty: 0.15}
}

func newTestIndexer(t *testing.T, files FileStore, items ItemStore, embedder Embedder, blobs BlobReader) *Indexer {
	t.Helper()
	idx, err := NewIndexer(files, items, embedder, blobs, indexerCfg(), log.NewNop())
	if err != nil {
		t.Fatalf("NewIndexer() error = %v", err)
	}
	return idx
}

func TestIndexFile_SmallFileSingleChunk(t *testing.T) {
	file, blobs := testFile("The northern kingdom fell in the third age.")
	files := newFakeFiles(file)
	items := &fakeItems{}
	idx := newTestIndexer(t, files, items, &fakeChunkEmbedder{available: true}, blobs)

	result, err := idx.IndexFile(context.Background(), file.ID)
	if err != nil {
		t.Fatalf("IndexFile() error = %v", err)
	}
	if !result.Success || result.ChunksCreated != 1 || result.TotalChunks != 1 {
		t.Errorf("result = %+v, want success with 1/1 chunks", result)
	}
	if files.files[file.ID].Status != knowledge.StatusReady {
		t.Errorf("file status = %s, want ready", files.files[file.ID].Status)
	}
	if len(items.replaced) != 1 {
		t.Fatalf("stored %d memory items, want 1", len(items.replaced))
	}
	item := items.replaced[0]
	if item.OwnerType != knowledge.OwnerUser || item.OwnerID != file.UserID {
		t.Errorf("item owner = %s/%s, want user/%s", item.OwnerType, item.OwnerID, file.UserID)
	}
	if len(item.Tags) != 1 || item.Tags[0] != "lore" {
		t.Errorf("item tags = %v, want copied from file", item.Tags)
	}
}

func TestIndexFile_CharacterOwnedFile(t *testing.T) {
	file, blobs := testFile("Character backstory text.")
	charID := uuid.New()
	file.CharacterID = &charID
	files := newFakeFiles(file)
	items := &fakeItems{}
	idx := newTestIndexer(t, files, items, &fakeChunkEmbedder{available: true}, blobs)

	if _, err := idx.IndexFile(context.Background(), file.ID); err != nil {
		t.Fatalf("IndexFile() error = %v", err)
	}
	item := items.replaced[0]
	if item.OwnerType != knowledge.OwnerCharacter || item.OwnerID != charID {
		t.Errorf("item owner = %s/%s, want character/%s", item.OwnerType, item.OwnerID, charID)
	}
}

func TestIndexFile_FileNotFound(t *testing.T) {
	idx := newTestIndexer(t, newFakeFiles(), &fakeItems{}, &fakeChunkEmbedder{available: true}, &fakeBlobs{})

	_, err := idx.IndexFile(context.Background(), uuid.New())
	if !errors.Is(err, ErrFileNotFound) {
		t.Errorf("IndexFile(missing) error = %v, want ErrFileNotFound", err)
	}
}

func TestIndexFile_ProviderUnavailable(t *testing.T) {
	file, blobs := testFile("some content")
	files := newFakeFiles(file)
	emb := &fakeChunkEmbedder{available: false}
	idx := newTestIndexer(t, files, &fakeItems{}, emb, blobs)

	_, err := idx.IndexFile(context.Background(), file.ID)
	if err == nil || !strings.Contains(err.Error(), "local") {
		t.Fatalf("IndexFile() error = %v, want error naming the unavailable provider", err)
	}
	if files.files[file.ID].Status != knowledge.StatusFailed {
		t.Errorf("file status = %s, want failed", files.files[file.ID].Status)
	}
	if emb.calls != 0 {
		t.Errorf("embed calls = %d, want 0 when the provider is down", emb.calls)
	}
}

func TestIndexFile_NoTextContent(t *testing.T) {
	file, blobs := testFile("   \n\t  ")
	files := newFakeFiles(file)
	idx := newTestIndexer(t, files, &fakeItems{}, &fakeChunkEmbedder{available: true}, blobs)

	_, err := idx.IndexFile(context.Background(), file.ID)
	if !errors.Is(err, ErrNoTextContent) {
		t.Fatalf("IndexFile() error = %v, want ErrNoTextContent", err)
	}
	if files.files[file.ID].Status != knowledge.StatusFailed {
		t.Errorf("file status = %s, want failed", files.files[file.ID].Status)
	}
}

func TestIndexFile_AllChunksFail(t *testing.T) {
	file, blobs := testFile(strings.Repeat("abcdefghij", 40))
	files := newFakeFiles(file)
	items := &fakeItems{}
	idx := newTestIndexer(t, files, items, &fakeChunkEmbedder{available: true, failFirst: 1000}, blobs)

	result, err := idx.IndexFile(context.Background(), file.ID)
	if !errors.Is(err, ErrAllChunksFailed) {
		t.Fatalf("IndexFile() error = %v, want ErrAllChunksFailed", err)
	}
	if result.TotalChunks != 5 {
		t.Errorf("TotalChunks = %d, want 5", result.TotalChunks)
	}
	if files.files[file.ID].Status != knowledge.StatusFailed {
		t.Errorf("file status = %s, want failed", files.files[file.ID].Status)
	}
	if items.swaps != 0 {
		t.Error("memory items were stored despite total embedding failure")
	}
}

func TestIndexFile_PartialFailureTolerated(t *testing.T) {
	file, blobs := testFile(strings.Repeat("abcdefghij", 40))
	files := newFakeFiles(file)
	items := &fakeItems{}
	// First two of five chunk embeddings fail.
	idx := newTestIndexer(t, files, items, &fakeChunkEmbedder{available: true, failFirst: 2}, blobs)

	result, err := idx.IndexFile(context.Background(), file.ID)
	if err != nil {
		t.Fatalf("IndexFile() error = %v", err)
	}
	if !result.Success || result.ChunksCreated != 3 || result.TotalChunks != 5 {
		t.Errorf("result = %+v, want success with 3/5 chunks", result)
	}
	if result.Warning == "" {
		t.Error("Warning is empty, want a partial-failure note")
	}
	if files.files[file.ID].Status != knowledge.StatusReady {
		t.Errorf("file status = %s, want ready", files.files[file.ID].Status)
	}
	if len(items.replaced) != 3 {
		t.Errorf("stored %d memory items, want 3", len(items.replaced))
	}
}

func TestIndexFile_CancelledBeforeStart(t *testing.T) {
	file, blobs := testFile("content")
	files := newFakeFiles(file)
	idx := newTestIndexer(t, files, &fakeItems{}, &fakeChunkEmbedder{available: true}, blobs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := idx.IndexFile(ctx, file.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("IndexFile() error = %v, want context.Canceled", err)
	}
	if result.Success {
		t.Error("cancelled run reported success")
	}
	// No status mutation happened before the first phase boundary.
	if len(files.transitions) != 0 {
		t.Errorf("status transitions = %v, want none", files.transitions)
	}
}

func TestIndexFile_StoreFailureMarksFailed(t *testing.T) {
	file, blobs := testFile("content worth indexing")
	files := newFakeFiles(file)
	items := &fakeItems{err: errors.New("deadlock detected")}
	idx := newTestIndexer(t, files, items, &fakeChunkEmbedder{available: true}, blobs)

	_, err := idx.IndexFile(context.Background(), file.ID)
	if err == nil {
		t.Fatal("IndexFile() expected error from store failure")
	}
	if files.files[file.ID].Status != knowledge.StatusFailed {
		t.Errorf("file status = %s, want failed", files.files[file.ID].Status)
	}
}
