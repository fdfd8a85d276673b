package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

// StoreManager caches one open KnowledgeStore per resolved database
// path. Callers ask for a scope; the manager resolves the path, opens
// the store on first use, and hands the same instance back afterwards.
type StoreManager struct {
	config Config // template; Path is filled per scope
	logger Logger

	mu     sync.Mutex
	stores map[string]*KnowledgeStore
	closed bool
}

// NewStoreManager builds a manager whose stores all share config
// (Path is overwritten per scope at open time).
func NewStoreManager(config Config) *StoreManager {
	logger := config.Logger
	if logger == nil {
		logger = NopLogger()
	}
	return &StoreManager{
		config: config,
		logger: logger,
		stores: make(map[string]*KnowledgeStore),
	}
}

// Open returns the store for a scope, opening it on first use.
// projectRoot is required for ScopeProject and ignored otherwise.
func (m *StoreManager) Open(ctx context.Context, scope Scope, projectRoot string) (*KnowledgeStore, error) {
	path, err := ResolvePath(scope, projectRoot)
	if err != nil {
		return nil, wrapError("manager_open", err)
	}
	return m.OpenPath(ctx, path)
}

// OpenPath returns the store for an explicit database path, opening it
// on first use.
func (m *StoreManager) OpenPath(ctx context.Context, path string) (*KnowledgeStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, wrapError("manager_open", ErrStoreClosed)
	}
	if store, ok := m.stores[path]; ok {
		return store, nil
	}

	config := m.config
	config.Path = path
	config.Logger = m.logger

	store, err := Open(ctx, config)
	if err != nil {
		return nil, err
	}
	m.stores[path] = store
	m.logger.Debug("store opened", "path", path)
	return store, nil
}

// IsAvailable reports whether the scope's store could be used, without
// opening it: no connection, no migrations, no expiry sweep. The check
// resolves the path and verifies the target is a usable file location.
func (m *StoreManager) IsAvailable(ctx context.Context, scope Scope, projectRoot string) bool {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return false
	}

	path, err := ResolvePath(scope, projectRoot)
	if err != nil {
		return false
	}

	m.mu.Lock()
	_, open := m.stores[path]
	m.mu.Unlock()
	if open {
		return true
	}

	// An existing database must be a regular file; a missing one is
	// fine as long as its directory exists (ResolvePath creates it).
	if info, err := os.Stat(path); err == nil {
		return info.Mode().IsRegular()
	}
	info, err := os.Stat(filepath.Dir(path))
	return err == nil && info.IsDir()
}

// Close closes and evicts the store for one scope. Closing a scope
// that was never opened is a no-op.
func (m *StoreManager) Close(scope Scope, projectRoot string) error {
	path, err := ResolvePath(scope, projectRoot)
	if err != nil {
		return wrapError("manager_close", err)
	}

	m.mu.Lock()
	store, ok := m.stores[path]
	delete(m.stores, path)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return store.Close()
}

// CloseAll closes every cached store and marks the manager closed.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	var firstErr error
	for path, store := range m.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.stores, path)
	}
	return firstErr
}
