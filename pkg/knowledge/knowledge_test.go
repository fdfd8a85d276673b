package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lorekeep/lorekeep/pkg/core"
)

// hashEmbedder is a deterministic test embedder: it spreads characters
// across a fixed-width vector so similar strings get similar vectors.
type hashEmbedder struct {
	dim  int
	fail bool
}

func (h *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if h.fail {
		return nil, errors.New("provider down")
	}
	vec := make([]float32, h.dim)
	for i, r := range strings.ToLower(text) {
		vec[i%h.dim] += float32(r % 13)
	}
	return vec, nil
}

func (h *hashEmbedder) Dim() int { return h.dim }

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithProjectRoot(t.TempDir())}, opts...)
	svc := New(core.DefaultConfig(), opts...)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestAddAndSearch(t *testing.T) {
	svc := newTestService(t, WithEmbedder(&hashEmbedder{dim: 8}))
	ctx := context.Background()

	added, err := svc.Add(ctx, core.ScopeProject, "decision: pin the schema version at open", core.TypeDecision, nil)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if added.Skipped {
		t.Fatalf("unexpected skip: %s", added.Reason)
	}
	if added.Action != core.DedupCreated {
		t.Errorf("action = %q, want created", added.Action)
	}
	if added.OpID == "" {
		t.Error("missing operation id")
	}

	got, err := svc.Search(ctx, core.ScopeProject, "schema version", core.SearchOptions{TopK: 5})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if got.Skipped {
		t.Fatalf("unexpected skip: %s", got.Reason)
	}
	if len(got.Results) == 0 {
		t.Fatal("expected a hit")
	}
	if got.Results[0].Entry.ID != added.ID {
		t.Error("top hit should be the added entry")
	}

	// Search tracked the access.
	entry, _, err := svc.Get(ctx, core.ScopeProject, added.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.AccessCount != 1 {
		t.Errorf("access count = %d, want 1", entry.AccessCount)
	}
}

func TestGetTracksAccess(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, core.ScopeProject, "lesson: reads feed the ranking boost", core.TypeLesson, nil)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if _, _, err := svc.Get(ctx, core.ScopeProject, added.ID); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	entry, _, err := svc.Get(ctx, core.ScopeProject, added.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.AccessCount != 1 {
		t.Errorf("access count after one prior read = %d, want 1", entry.AccessCount)
	}
	if entry.LastAccessed == nil {
		t.Error("last_accessed not stamped by read")
	}
}

func TestAddDuplicateSkips(t *testing.T) {
	svc := newTestService(t, WithEmbedder(&hashEmbedder{dim: 8}))
	ctx := context.Background()

	first, err := svc.Add(ctx, core.ScopeProject, "lesson: always run the linter", core.TypeLesson, nil)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	second, err := svc.Add(ctx, core.ScopeProject, "lesson: always run the linter", core.TypeLesson, nil)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if second.Action != core.DedupSkipped {
		t.Errorf("action = %q, want skipped", second.Action)
	}
	if second.ID != first.ID {
		t.Error("duplicate should reference the first entry")
	}
}

func TestAddEmptyContent(t *testing.T) {
	svc := newTestService(t)
	res, err := svc.Add(context.Background(), core.ScopeProject, "", core.TypeLesson, nil)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !res.Skipped {
		t.Error("empty content should be skipped")
	}
}

func TestDegradedBackend(t *testing.T) {
	// No project root: project scope can never resolve.
	svc := New(core.DefaultConfig())
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	res, err := svc.Add(ctx, core.ScopeProject, "anything", core.TypeLesson, nil)
	if err != nil {
		t.Fatalf("Add should degrade, not error: %v", err)
	}
	if !res.Skipped || res.Reason == "" {
		t.Errorf("expected skip with reason, got %+v", res.Status)
	}

	search, err := svc.Search(ctx, core.ScopeProject, "anything", core.SearchOptions{})
	if err != nil {
		t.Fatalf("Search should degrade, not error: %v", err)
	}
	if !search.Skipped {
		t.Error("search should be skipped")
	}

	if svc.IsAvailable(ctx, core.ScopeProject) {
		t.Error("project scope should be unavailable")
	}
}

func TestEmbedderFailureDegrades(t *testing.T) {
	svc := newTestService(t, WithEmbedder(&hashEmbedder{dim: 8, fail: true}))
	ctx := context.Background()

	res, err := svc.Add(ctx, core.ScopeProject, "content survives embedding outage", core.TypeLesson, nil)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if res.Skipped {
		t.Fatalf("write should not be skipped: %s", res.Reason)
	}

	// Keyword search still finds it.
	got, err := svc.Search(ctx, core.ScopeProject, "outage", core.SearchOptions{TopK: 5})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(got.Results))
	}
	if got.Results[0].VectorHit {
		t.Error("hit should be keyword-only")
	}
}

func TestNoEmbedderKeywordOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Add(ctx, core.ScopeProject, "keyword only entry", core.TypeSummary, nil); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	got, err := svc.Search(ctx, core.ScopeProject, "keyword", core.SearchOptions{TopK: 3})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(got.Results))
	}
}

func TestUpdateAndDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	added, err := svc.Add(ctx, core.ScopeProject, "initial text", core.TypeDecision, nil)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	revised := "revised text"
	if _, err := svc.Update(ctx, core.ScopeProject, added.ID, core.UpdateRequest{Content: &revised}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	entry, _, err := svc.Get(ctx, core.ScopeProject, added.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.Content != revised {
		t.Errorf("content = %q, want %q", entry.Content, revised)
	}

	if _, err := svc.Update(ctx, core.ScopeProject, added.ID, core.UpdateRequest{Embedding: []float32{1}}); !errors.Is(err, core.ErrEmbeddingImmutable) {
		t.Errorf("expected ErrEmbeddingImmutable, got %v", err)
	}

	if _, err := svc.Delete(ctx, core.ScopeProject, added.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, _, err := svc.Get(ctx, core.ScopeProject, added.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetByTypeAndCleanup(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, c := range []string{"first summary", "second summary"} {
		if _, err := svc.Add(ctx, core.ScopeProject, c, core.TypeSummary, nil); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	list, err := svc.GetByType(ctx, core.ScopeProject, core.TypeSummary, 0)
	if err != nil {
		t.Fatalf("GetByType failed: %v", err)
	}
	if len(list.Entries) != 2 {
		t.Errorf("got %d entries, want 2", len(list.Entries))
	}

	swept, err := svc.Cleanup(ctx, core.ScopeProject)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if swept.Removed != 0 {
		t.Errorf("nothing should be expired yet, removed %d", swept.Removed)
	}
}
