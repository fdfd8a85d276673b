package core

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// KnowledgeStore is a single-file knowledge database. One instance owns
// one SQLite file; StoreManager hands out at most one per resolved path.
type KnowledgeStore struct {
	db            *sql.DB
	config        Config
	path          string
	mu            sync.RWMutex
	closed        bool
	similarityFn  SimilarityFunc
	logger        Logger
	vectorEnabled bool
	ftsEnabled    bool
}

// Open opens (creating if needed) the store at config.Path, applies
// pending migrations, probes optional capabilities, and runs the lazy
// expiry sweep. A store that cannot be opened or migrated is unusable
// and the error wraps ErrStoreUnavailable.
func Open(ctx context.Context, config Config) (*KnowledgeStore, error) {
	if config.Path == "" {
		return nil, wrapError("open", fmt.Errorf("%w: database path cannot be empty", ErrInvalidConfig))
	}
	if config.VectorDim < 0 {
		return nil, wrapError("open", fmt.Errorf("%w: vector dimension must be non-negative", ErrInvalidConfig))
	}
	if config.SimilarityFn == nil {
		config.SimilarityFn = CosineSimilarity
	}
	if config.Logger == nil {
		config.Logger = NopLogger()
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if config.CacheKB <= 0 {
		config.CacheKB = 2000
	}
	if config.RRFK <= 0 {
		config.RRFK = 60
	}

	s := &KnowledgeStore{
		config:       config,
		path:         config.Path,
		similarityFn: config.SimilarityFn,
		logger:       config.Logger.With("db", config.Path),
	}

	// _journal_mode=WAL: concurrent readers alongside the single writer
	// _synchronous=NORMAL: durable enough under WAL, much faster than FULL
	// _busy_timeout: wait for a lock instead of failing immediately
	// _cache_size: negative value means kilobytes
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_cache_size=-%d",
		config.Path, config.BusyTimeout.Milliseconds(), config.CacheKB)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapError("open", fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)
	s.db = db

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrapError("open", fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}

	// Cascading deletes keep entry and vector rows paired.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, wrapError("open", fmt.Errorf("%w: enable foreign keys: %v", ErrStoreUnavailable, err))
	}

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, wrapError("open", err)
	}

	s.probeCapabilities(ctx)

	// Lazy expiry: sweep on every open so readers never see dead rows.
	if removed, _, err := s.CleanupExpired(ctx); err != nil {
		s.logger.Warn("expiry sweep failed", "error", err)
	} else if removed > 0 {
		s.logger.Info("expired entries removed", "count", removed)
	}

	return s, nil
}

// migrations are applied in order at open; version N runs only when the
// persisted version is below N. Never reordered or removed.
var migrations = []string{
	// v1: base schema. entry_vectors.id doubles as the shared identity
	// with entries; ON DELETE CASCADE keeps the pairing atomic.
	`
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		ttl TEXT NOT NULL DEFAULT 'long_term',
		content_hash TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(type);
	CREATE INDEX IF NOT EXISTS idx_entries_hash ON entries(content_hash);
	CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at);

	CREATE TABLE IF NOT EXISTS entry_vectors (
		id INTEGER PRIMARY KEY REFERENCES entries(id) ON DELETE CASCADE,
		vector BLOB NOT NULL,
		dim INTEGER NOT NULL
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(content, content='entries', content_rowid='id');

	CREATE TRIGGER IF NOT EXISTS entries_ai AFTER INSERT ON entries BEGIN
	  INSERT INTO entries_fts(rowid, content) VALUES (new.id, new.content);
	END;
	CREATE TRIGGER IF NOT EXISTS entries_ad AFTER DELETE ON entries BEGIN
	  INSERT INTO entries_fts(entries_fts, rowid, content) VALUES('delete', old.id, old.content);
	END;
	CREATE TRIGGER IF NOT EXISTS entries_au AFTER UPDATE OF content ON entries BEGIN
	  INSERT INTO entries_fts(entries_fts, rowid, content) VALUES('delete', old.id, old.content);
	  INSERT INTO entries_fts(rowid, content) VALUES (new.id, new.content);
	END;
	`,
	// v2: canonical-hash lookup for the dedup cascade.
	`
	CREATE INDEX IF NOT EXISTS idx_entries_canonical
		ON entries(json_extract(metadata, '$.canonical_hash'));
	`,
}

// migrate applies forward-only migrations inside transactions, bumping
// schema_migrations.version as each lands.
func (s *KnowledgeStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER NOT NULL
		);
		INSERT INTO schema_migrations (version)
			SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM schema_migrations);
	`); err != nil {
		return fmt.Errorf("%w: init migrations table: %v", ErrStoreUnavailable, err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations").Scan(&version); err != nil {
		return fmt.Errorf("%w: read schema version: %v", ErrStoreUnavailable, err)
	}
	if version > len(migrations) {
		return fmt.Errorf("%w: schema version %d is newer than this build supports (%d)",
			ErrStoreUnavailable, version, len(migrations))
	}

	for v := version; v < len(migrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin migration %d: %v", ErrStoreUnavailable, v+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: apply migration %d: %v", ErrStoreUnavailable, v+1, err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: record migration %d: %v", ErrStoreUnavailable, v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit migration %d: %v", ErrStoreUnavailable, v+1, err)
		}
		s.logger.Info("migration applied", "version", v+1)
	}

	return nil
}

// probeCapabilities decides which search passes are available. Failures
// here degrade the store, they never fail the open.
func (s *KnowledgeStore) probeCapabilities(ctx context.Context) {
	// FTS pass: the virtual table must answer a trivial MATCH.
	if _, err := s.db.ExecContext(ctx, "SELECT count(*) FROM entries_fts WHERE entries_fts MATCH 'probe'"); err != nil {
		s.logger.Warn("keyword search unavailable", "error", err)
		s.ftsEnabled = false
	} else {
		s.ftsEnabled = true
	}

	// Vector pass: needs a pinned dimension that matches what is already
	// stored, and must not be disabled outright.
	if s.config.DisableVector || s.config.VectorDim == 0 {
		s.vectorEnabled = false
		if s.config.VectorDim == 0 && !s.config.DisableVector {
			s.logger.Info("vector search off", "reason", "no vector dimension configured")
		}
		return
	}

	var storedDim sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT dim FROM entry_vectors LIMIT 1").Scan(&storedDim)
	switch {
	case err == sql.ErrNoRows:
		s.vectorEnabled = true
	case err != nil:
		s.logger.Warn("vector search unavailable", "error", err)
		s.vectorEnabled = false
	case storedDim.Valid && int(storedDim.Int64) != s.config.VectorDim:
		s.logger.Warn("vector search unavailable",
			"reason", "dimension mismatch",
			"stored", storedDim.Int64, "configured", s.config.VectorDim)
		s.vectorEnabled = false
	default:
		s.vectorEnabled = true
	}
}

// VectorEnabled reports whether the vector pass and similarity dedup
// are active for this store.
func (s *KnowledgeStore) VectorEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorEnabled
}

// Path returns the resolved database file path.
func (s *KnowledgeStore) Path() string {
	return s.path
}

// Close closes the underlying database. Further calls are no-ops.
func (s *KnowledgeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.db.Close(); err != nil {
		return wrapError("close", err)
	}
	return nil
}

// Stats summarizes the store contents.
func (s *KnowledgeStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Stats{}, wrapError("stats", ErrStoreClosed)
	}

	stats := Stats{CountByType: make(map[string]int64)}
	now := time.Now().Unix()

	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM entries").Scan(&stats.Count); err != nil {
		return Stats{}, wrapError("stats", err)
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM entries WHERE expires_at IS NOT NULL AND expires_at <= ?", now,
	).Scan(&stats.Expired); err != nil {
		return Stats{}, wrapError("stats", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM entry_vectors").Scan(&stats.Vectors); err != nil {
		return Stats{}, wrapError("stats", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT type, count(*) FROM entries GROUP BY type")
	if err != nil {
		return Stats{}, wrapError("stats", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			continue
		}
		stats.CountByType[t] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, wrapError("stats", err)
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.SizeBytes = pageCount * pageSize
		}
	}

	return stats, nil
}
