package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func newTestStore(t *testing.T, dim int) *KnowledgeStore {
	t.Helper()

	path := fmt.Sprintf("/tmp/test_knowledge_%d.db", time.Now().UnixNano())
	config := DefaultConfig()
	config.Path = path
	config.VectorDim = dim

	store, err := Open(context.Background(), config)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		_ = os.Remove(path)
		_ = os.Remove(path + "-wal")
		_ = os.Remove(path + "-shm")
	})
	return store
}

func TestOpenValidation(t *testing.T) {
	ctx := context.Background()

	if _, err := Open(ctx, Config{}); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := Open(ctx, Config{Path: "/tmp/x.db", VectorDim: -1}); err == nil {
		t.Error("expected error for negative dimension")
	}
}

func TestMigrationVersion(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()

	var version int
	if err := store.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations").Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}

	// Reopening an up-to-date store must not error.
	config := DefaultConfig()
	config.Path = store.Path()
	config.VectorDim = 3
	second, err := Open(ctx, config)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	_ = second.Close()
}

func TestInsertAndGet(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()

	entry := &Entry{
		Content:   "prefer table-driven tests for parser changes",
		Type:      TypeLesson,
		Embedding: []float32{1, 2, 3},
		Metadata:  map[string]any{"source": "review"},
	}
	res, err := store.Insert(ctx, entry)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if res.ID <= 0 {
		t.Fatalf("expected positive id, got %d", res.ID)
	}
	if res.ContentHash != ContentHash(entry.Content) {
		t.Error("content hash mismatch")
	}

	got, err := store.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Content != entry.Content {
		t.Errorf("content = %q, want %q", got.Content, entry.Content)
	}
	if got.Type != TypeLesson {
		t.Errorf("type = %q, want %q", got.Type, TypeLesson)
	}
	if got.TTL != TTLPermanent {
		t.Errorf("lesson should default to permanent, got %q", got.TTL)
	}
	if got.ExpiresAt != nil {
		t.Error("permanent entry should have no expiry")
	}
	if len(got.Embedding) != 3 {
		t.Fatalf("embedding length = %d, want 3", len(got.Embedding))
	}
	if got.Metadata["source"] != "review" {
		t.Error("metadata not preserved")
	}
	if got.Metadata[MetaCanonicalHash] != CanonicalHash(entry.Content) {
		t.Error("canonical hash not stamped")
	}

	// Stored embedding must be L2-normalized.
	var norm float64
	for _, v := range got.Embedding {
		norm += float64(v) * float64(v)
	}
	if norm < 0.999 || norm > 1.001 {
		t.Errorf("embedding norm = %f, want 1", norm)
	}
}

func TestInsertPairedIdentity(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()

	res, err := store.Insert(ctx, &Entry{
		Content:   "decision: keep the wire format little-endian",
		Type:      TypeDecision,
		Embedding: []float32{0.5, 0.5, 0.5},
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	var vectorID int64
	err = store.db.QueryRowContext(ctx, "SELECT id FROM entry_vectors WHERE id = ?", res.ID).Scan(&vectorID)
	if err != nil {
		t.Fatalf("vector row missing: %v", err)
	}
	if vectorID != res.ID {
		t.Errorf("vector id = %d, want %d", vectorID, res.ID)
	}
}

func TestInsertDimensionMismatch(t *testing.T) {
	store := newTestStore(t, 3)

	_, err := store.Insert(context.Background(), &Entry{
		Content:   "wrong width",
		Type:      TypeTempNote,
		Embedding: []float32{1, 2},
	})
	if !errors.Is(err, ErrInvalidDimension) {
		t.Errorf("expected ErrInvalidDimension, got %v", err)
	}
}

func TestInsertWithoutVectorCapability(t *testing.T) {
	path := fmt.Sprintf("/tmp/test_knowledge_%d.db", time.Now().UnixNano())
	config := DefaultConfig()
	config.Path = path
	config.VectorDim = 3
	config.DisableVector = true

	store, err := Open(context.Background(), config)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		_ = store.Close()
		_ = os.Remove(path)
	}()

	if store.VectorEnabled() {
		t.Fatal("vector capability should be off")
	}

	// Embedding is dropped, entry still lands.
	res, err := store.Insert(context.Background(), &Entry{
		Content:   "still stored",
		Type:      TypeSummary,
		Embedding: []float32{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	got, err := store.Get(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Embedding) != 0 {
		t.Error("embedding should have been dropped")
	}
}

func TestGetByHash(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	content := "summary of the planning session"
	if _, err := store.Insert(ctx, &Entry{Content: content, Type: TypeSummary}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByHash(ctx, ContentHash(content))
	if err != nil {
		t.Fatalf("GetByHash failed: %v", err)
	}
	if got.Content != content {
		t.Errorf("content = %q, want %q", got.Content, content)
	}

	if _, err := store.GetByHash(ctx, ContentHash("nope")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetByTypeExcludesExpired(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	live, err := store.Insert(ctx, &Entry{Content: "live note", Type: TypeTempNote})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	dead, err := store.Insert(ctx, &Entry{Content: "dead note", Type: TypeTempNote})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Backdate the second entry's expiry.
	past := time.Now().Add(-time.Hour).Unix()
	if _, err := store.db.ExecContext(ctx, "UPDATE entries SET expires_at = ? WHERE id = ?", past, dead.ID); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	entries, err := store.GetByType(ctx, TypeTempNote, 0)
	if err != nil {
		t.Fatalf("GetByType failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != live.ID {
		t.Errorf("expected only the live entry, got %d entries", len(entries))
	}
}

func TestGetByTypeOrdersByAccess(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	popular, err := store.Insert(ctx, &Entry{Content: "decision: keep migrations forward-only", Type: TypeDecision})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	recent, err := store.Insert(ctx, &Entry{Content: "decision: prefer integer timestamps", Type: TypeDecision})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := store.TrackAccess(ctx, popular.ID); err != nil {
			t.Fatalf("TrackAccess failed: %v", err)
		}
	}

	entries, err := store.GetByType(ctx, TypeDecision, 0)
	if err != nil {
		t.Fatalf("GetByType failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ID != popular.ID {
		t.Errorf("heavily-read entry should rank first, got id %d", entries[0].ID)
	}
	if entries[1].ID != recent.ID {
		t.Errorf("expected id %d second, got %d", recent.ID, entries[1].ID)
	}
}

func TestUpdate(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()

	res, err := store.Insert(ctx, &Entry{
		Content:   "original",
		Type:      TypeDecision,
		Embedding: []float32{1, 0, 0},
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	newContent := "revised"
	if err := store.Update(ctx, res.ID, UpdateRequest{
		Content:  &newContent,
		Metadata: map[string]any{"confidence": 0.8},
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Content != newContent {
		t.Errorf("content = %q, want %q", got.Content, newContent)
	}
	if got.ContentHash != ContentHash(newContent) {
		t.Error("content hash not recomputed")
	}
	if got.Metadata["confidence"] != 0.8 {
		t.Error("metadata merge lost confidence")
	}
	if len(got.Embedding) != 3 {
		t.Error("embedding should be untouched by update")
	}
}

func TestUpdateRejectsEmbedding(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()

	res, err := store.Insert(ctx, &Entry{Content: "x", Type: TypeLesson, Embedding: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	err = store.Update(ctx, res.ID, UpdateRequest{Embedding: []float32{0, 1, 0}})
	if !errors.Is(err, ErrEmbeddingImmutable) {
		t.Errorf("expected ErrEmbeddingImmutable, got %v", err)
	}
}

func TestUpdateMissing(t *testing.T) {
	store := newTestStore(t, 0)
	c := "whatever"
	if err := store.Update(context.Background(), 99999, UpdateRequest{Content: &c}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()

	res, err := store.Insert(ctx, &Entry{Content: "to delete", Type: TypeTempNote, Embedding: []float32{1, 1, 1}})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Delete(ctx, res.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// Vector row must go with the entry.
	var n int
	if err := store.db.QueryRowContext(ctx, "SELECT count(*) FROM entry_vectors WHERE id = ?", res.ID).Scan(&n); err != nil {
		t.Fatalf("count vectors: %v", err)
	}
	if n != 0 {
		t.Error("vector row survived delete")
	}

	if err := store.Delete(ctx, res.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRefreshTTL(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	res, err := store.Insert(ctx, &Entry{Content: "short lived", Type: TypeTempNote})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	before, err := store.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if before.ExpiresAt == nil {
		t.Fatal("temp_note should expire")
	}

	if err := store.RefreshTTL(ctx, res.ID, TTLLongTerm); err != nil {
		t.Fatalf("RefreshTTL failed: %v", err)
	}
	after, err := store.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if after.TTL != TTLLongTerm {
		t.Errorf("ttl = %q, want %q", after.TTL, TTLLongTerm)
	}
	if after.ExpiresAt == nil || !after.ExpiresAt.After(*before.ExpiresAt) {
		t.Error("expiry should have moved forward")
	}

	if err := store.RefreshTTL(ctx, res.ID, "bogus"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestClosedStore(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	if _, err := store.Insert(ctx, &Entry{Content: "x"}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Insert: expected ErrStoreClosed, got %v", err)
	}
	if _, err := store.Get(ctx, 1); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Get: expected ErrStoreClosed, got %v", err)
	}
	if _, _, err := store.Search(ctx, "x", nil, SearchOptions{}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Search: expected ErrStoreClosed, got %v", err)
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Insert(ctx, &Entry{
			Content:   fmt.Sprintf("lesson %d", i),
			Type:      TypeLesson,
			Embedding: []float32{float32(i), 1, 0},
		}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if _, err := store.Insert(ctx, &Entry{Content: "a summary", Type: TypeSummary}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Count != 4 {
		t.Errorf("count = %d, want 4", stats.Count)
	}
	if stats.CountByType[TypeLesson] != 3 {
		t.Errorf("lesson count = %d, want 3", stats.CountByType[TypeLesson])
	}
	if stats.Vectors != 3 {
		t.Errorf("vectors = %d, want 3", stats.Vectors)
	}
}

func TestDefaultTTLForType(t *testing.T) {
	tests := []struct {
		entryType string
		want      TTLCategory
	}{
		{TypeLesson, TTLPermanent},
		{TypeDecision, TTLLongTerm},
		{TypeSummary, TTLShortTerm},
		{TypeTempNote, TTLEphemeral},
		{"custom", TTLLongTerm},
	}
	for _, tt := range tests {
		if got := DefaultTTLForType(tt.entryType); got != tt.want {
			t.Errorf("DefaultTTLForType(%q) = %q, want %q", tt.entryType, got, tt.want)
		}
	}
}
