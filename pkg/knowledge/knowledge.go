// Package knowledge is the consumer-facing surface of lorekeep: typed
// Add/Search/Update/Delete operations over per-scope stores, with
// duplicate detection on the write path. Operations against an
// unavailable backend come back with Skipped set instead of failing,
// so callers never need a working database to stay healthy.
package knowledge

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/pkg/core"
)

// Service routes operations to per-scope stores through a shared
// StoreManager. Safe for concurrent use.
type Service struct {
	manager     *core.StoreManager
	embedder    Embedder
	logger      core.Logger
	projectRoot string
}

// Option is a functional option for configuring the Service.
type Option func(*Service)

// WithEmbedder wires an embedding provider into the service. Without
// one, writes store no vectors and searches run keyword-only.
func WithEmbedder(e Embedder) Option {
	return func(s *Service) { s.embedder = e }
}

// WithLogger sets the service logger.
func WithLogger(l core.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithProjectRoot sets the directory that anchors project-scoped
// stores. Without it, project-scope operations report Skipped.
func WithProjectRoot(root string) Option {
	return func(s *Service) { s.projectRoot = root }
}

// New builds a Service. config is the per-store template; its Path is
// resolved per scope. When an embedder is supplied and config leaves
// VectorDim unset, the embedder's dimension pins it.
func New(config core.Config, opts ...Option) *Service {
	s := &Service{logger: config.Logger}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = core.NopLogger()
	}
	if config.VectorDim == 0 && s.embedder != nil {
		config.VectorDim = s.embedder.Dim()
	}
	config.Logger = s.logger
	s.manager = core.NewStoreManager(config)
	return s
}

// Status is the degrade envelope shared by every operation result.
// Skipped means the operation did not run against a store; Reason says
// why.
type Status struct {
	OpID    string
	Skipped bool
	Reason  string
}

// AddResult reports what happened to added content.
type AddResult struct {
	Status
	ID         int64
	Action     core.DedupAction
	Similarity float64
}

// SearchResultSet is a ranked result list plus pass health.
type SearchResultSet struct {
	Status
	Results []core.SearchResult
	Info    core.SearchInfo
}

// EntryList wraps GetByType results.
type EntryList struct {
	Status
	Entries []*core.Entry
}

// CleanupResult reports a manual expiry sweep.
type CleanupResult struct {
	Status
	Removed int64
	IDs     []int64
}

func skipped(opID, format string, args ...any) Status {
	return Status{OpID: opID, Skipped: true, Reason: fmt.Sprintf(format, args...)}
}

// open resolves the scope's store, or reports why it cannot.
func (s *Service) open(ctx context.Context, scope core.Scope) (*core.KnowledgeStore, string) {
	store, err := s.manager.Open(ctx, scope, s.projectRoot)
	if err != nil {
		s.logger.Warn("store unavailable", "scope", scope, "error", err)
		return nil, fmt.Sprintf("store unavailable: %v", err)
	}
	return store, ""
}

// Add stores content through the dedup cascade: exact duplicates are
// skipped, near-duplicates evolve an existing entry, everything else
// creates one. When an embedder is configured the content is embedded
// first; embedding failure degrades the write to keyword-only rather
// than losing it.
func (s *Service) Add(ctx context.Context, scope core.Scope, content, entryType string, metadata map[string]any) (AddResult, error) {
	opID := uuid.NewString()
	if content == "" {
		return AddResult{Status: skipped(opID, "empty content")}, nil
	}

	store, reason := s.open(ctx, scope)
	if store == nil {
		return AddResult{Status: skipped(opID, "%s", reason)}, nil
	}

	entry := &core.Entry{
		Content:  content,
		Type:     entryType,
		Metadata: metadata,
	}
	if s.embedder != nil && store.VectorEnabled() {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			s.logger.Warn("embedding failed, storing without vector", "op", opID, "error", err)
		} else {
			entry.Embedding = vec
		}
	}

	res, err := store.InsertDedup(ctx, entry)
	if err != nil {
		return AddResult{Status: Status{OpID: opID}}, err
	}
	return AddResult{
		Status:     Status{OpID: opID},
		ID:         res.ID,
		Action:     res.Action,
		Similarity: res.Similarity,
	}, nil
}

// Search runs the hybrid keyword+vector search for a scope. The query
// is embedded when an embedder is configured; otherwise (or when
// embedding fails) the vector pass is simply absent.
func (s *Service) Search(ctx context.Context, scope core.Scope, query string, opts core.SearchOptions) (SearchResultSet, error) {
	opID := uuid.NewString()
	store, reason := s.open(ctx, scope)
	if store == nil {
		return SearchResultSet{Status: skipped(opID, "%s", reason)}, nil
	}

	var embedding []float32
	if s.embedder != nil && store.VectorEnabled() && query != "" {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			s.logger.Warn("query embedding failed, keyword pass only", "op", opID, "error", err)
		} else {
			embedding = vec
		}
	}

	results, info, err := store.Search(ctx, query, embedding, opts)
	if err != nil {
		return SearchResultSet{Status: Status{OpID: opID}}, err
	}

	// Reading counts: successful retrieval bumps access stats so the
	// ranking boost reflects real usage.
	if len(results) > 0 {
		ids := make([]int64, len(results))
		for i, r := range results {
			ids[i] = r.Entry.ID
		}
		if err := store.TrackAccessBatch(ctx, ids); err != nil {
			s.logger.Warn("access tracking failed", "op", opID, "error", err)
		}
	}

	return SearchResultSet{Status: Status{OpID: opID}, Results: results, Info: info}, nil
}

// Get fetches one entry by id. Point reads count as access, same as
// search hits.
func (s *Service) Get(ctx context.Context, scope core.Scope, id int64) (*core.Entry, Status, error) {
	opID := uuid.NewString()
	store, reason := s.open(ctx, scope)
	if store == nil {
		return nil, skipped(opID, "%s", reason), nil
	}
	entry, err := store.Get(ctx, id)
	if err != nil {
		return nil, Status{OpID: opID}, err
	}
	if err := store.TrackAccess(ctx, id); err != nil {
		s.logger.Warn("access tracking failed", "op", opID, "error", err)
	}
	return entry, Status{OpID: opID}, nil
}

// GetByType lists live entries of one type, most-read first.
func (s *Service) GetByType(ctx context.Context, scope core.Scope, entryType string, limit int) (EntryList, error) {
	opID := uuid.NewString()
	store, reason := s.open(ctx, scope)
	if store == nil {
		return EntryList{Status: skipped(opID, "%s", reason)}, nil
	}
	entries, err := store.GetByType(ctx, entryType, limit)
	if err != nil {
		return EntryList{Status: Status{OpID: opID}}, err
	}
	return EntryList{Status: Status{OpID: opID}, Entries: entries}, nil
}

// Update applies an UpdateRequest to an entry. Embedding changes are
// rejected by the store with core.ErrEmbeddingImmutable.
func (s *Service) Update(ctx context.Context, scope core.Scope, id int64, req core.UpdateRequest) (Status, error) {
	opID := uuid.NewString()
	store, reason := s.open(ctx, scope)
	if store == nil {
		return skipped(opID, "%s", reason), nil
	}
	if err := store.Update(ctx, id, req); err != nil {
		return Status{OpID: opID}, err
	}
	return Status{OpID: opID}, nil
}

// Delete removes an entry and its vector.
func (s *Service) Delete(ctx context.Context, scope core.Scope, id int64) (Status, error) {
	opID := uuid.NewString()
	store, reason := s.open(ctx, scope)
	if store == nil {
		return skipped(opID, "%s", reason), nil
	}
	if err := store.Delete(ctx, id); err != nil {
		return Status{OpID: opID}, err
	}
	return Status{OpID: opID}, nil
}

// Cleanup sweeps expired entries for a scope on demand.
func (s *Service) Cleanup(ctx context.Context, scope core.Scope) (CleanupResult, error) {
	opID := uuid.NewString()
	store, reason := s.open(ctx, scope)
	if store == nil {
		return CleanupResult{Status: skipped(opID, "%s", reason)}, nil
	}
	removed, ids, err := store.CleanupExpired(ctx)
	if err != nil {
		return CleanupResult{Status: Status{OpID: opID}}, err
	}
	return CleanupResult{Status: Status{OpID: opID}, Removed: removed, IDs: ids}, nil
}

// IsAvailable reports whether the scope's store can be used.
func (s *Service) IsAvailable(ctx context.Context, scope core.Scope) bool {
	return s.manager.IsAvailable(ctx, scope, s.projectRoot)
}

// Close shuts down every store the service has opened.
func (s *Service) Close() error {
	return s.manager.CloseAll()
}
