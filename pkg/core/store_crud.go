package core

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lorekeep/lorekeep/internal/encoding"
)

const entryColumns = `e.id, e.content, e.type, e.ttl, e.content_hash, e.metadata,
	e.created_at, e.expires_at, e.access_count, e.last_accessed, v.vector`

// Insert stores a new entry together with its optional embedding. Both
// rows land in one transaction and share the same identity; a pairing
// failure rolls the whole insert back.
func (s *KnowledgeStore) Insert(ctx context.Context, e *Entry) (InsertResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return InsertResult{}, wrapError("insert", ErrStoreClosed)
	}
	if e == nil || e.Content == "" {
		return InsertResult{}, wrapError("insert", ErrEmptyContent)
	}

	if e.Type == "" {
		e.Type = TypeTempNote
	}
	if e.TTL == "" {
		e.TTL = DefaultTTLForType(e.Type)
	}
	if !e.TTL.Valid() {
		return InsertResult{}, wrapError("insert", fmt.Errorf("%w: unknown ttl category %q", ErrInvalidConfig, e.TTL))
	}
	if e.ContentHash == "" {
		e.ContentHash = ContentHash(e.Content)
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	if _, ok := e.Metadata[MetaCanonicalHash]; !ok {
		e.Metadata[MetaCanonicalHash] = CanonicalHash(e.Content)
	}

	var vectorBytes []byte
	if len(e.Embedding) > 0 {
		if !s.vectorEnabled {
			// Degrade: keep the entry, drop the vector.
			s.logger.Debug("dropping embedding, vector capability off")
			e.Embedding = nil
		} else {
			if err := encoding.ValidateVector(e.Embedding, s.config.VectorDim); err != nil {
				return InsertResult{}, wrapError("insert", fmt.Errorf("%w: %v", ErrInvalidDimension, err))
			}
			e.Embedding = encoding.Normalize(e.Embedding)
			var err error
			vectorBytes, err = encoding.EncodeVector(e.Embedding)
			if err != nil {
				return InsertResult{}, wrapError("insert", err)
			}
		}
	}

	metadataJSON, err := encoding.EncodeMetadata(e.Metadata)
	if err != nil {
		return InsertResult{}, wrapError("insert", err)
	}

	now := time.Now()
	e.CreatedAt = now
	var expiresAt sql.NullInt64
	if d := e.TTL.Duration(); d > 0 {
		t := now.Add(d)
		e.ExpiresAt = &t
		expiresAt = sql.NullInt64{Int64: t.Unix(), Valid: true}
	} else {
		e.ExpiresAt = nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, wrapError("insert", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO entries (content, type, ttl, content_hash, metadata, created_at, expires_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, e.Content, e.Type, string(e.TTL), e.ContentHash, metadataJSON, now.Unix(), expiresAt)
	if err != nil {
		return InsertResult{}, wrapError("insert", fmt.Errorf("failed to insert entry: %w", err))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return InsertResult{}, wrapError("insert", fmt.Errorf("failed to read entry id: %w", err))
	}

	if vectorBytes != nil {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO entry_vectors (id, vector, dim) VALUES (?, ?, ?)",
			id, vectorBytes, len(e.Embedding),
		); err != nil {
			return InsertResult{}, wrapError("insert", fmt.Errorf("failed to insert vector: %w", err))
		}

		// Verify the pairing before committing. A mismatch here means
		// the rows would diverge silently, so fail loudly instead.
		var pairedID int64
		err := tx.QueryRowContext(ctx, `
			SELECT v.id FROM entries e JOIN entry_vectors v ON e.id = v.id WHERE e.id = ?
		`, id).Scan(&pairedID)
		if err != nil || pairedID != id {
			return InsertResult{}, wrapError("insert", ErrIdentityMismatch)
		}
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, wrapError("insert", fmt.Errorf("failed to commit transaction: %w", err))
	}

	e.ID = id
	return InsertResult{ID: id, ContentHash: e.ContentHash}, nil
}

// Get returns the entry with the given id, embedding included when one
// is stored.
func (s *KnowledgeStore) Get(ctx context.Context, id int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("get", ErrStoreClosed)
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM entries e LEFT JOIN entry_vectors v ON e.id = v.id WHERE e.id = ?
	`, entryColumns), id)

	entry, err := s.scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, wrapError("get", ErrNotFound)
	}
	if err != nil {
		return nil, wrapError("get", err)
	}
	return entry, nil
}

// GetByHash returns the most recent entry with an exact content hash.
func (s *KnowledgeStore) GetByHash(ctx context.Context, hash string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("get_by_hash", ErrStoreClosed)
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM entries e LEFT JOIN entry_vectors v ON e.id = v.id
		WHERE e.content_hash = ? ORDER BY e.created_at DESC, e.id DESC LIMIT 1
	`, entryColumns), hash)

	entry, err := s.scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, wrapError("get_by_hash", ErrNotFound)
	}
	if err != nil {
		return nil, wrapError("get_by_hash", err)
	}
	return entry, nil
}

// getByCanonicalHash returns the most recent entry whose canonicalized
// content hashes to hash. Used by the dedup cascade.
func (s *KnowledgeStore) getByCanonicalHash(ctx context.Context, hash string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM entries e LEFT JOIN entry_vectors v ON e.id = v.id
		WHERE json_extract(e.metadata, '$.canonical_hash') = ?
		ORDER BY e.created_at DESC, e.id DESC LIMIT 1
	`, entryColumns), hash)

	entry, err := s.scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return entry, err
}

// GetByType lists live entries of one type, most-read first with
// recency as the tie-break. limit <= 0 means no limit.
func (s *KnowledgeStore) GetByType(ctx context.Context, entryType string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, wrapError("get_by_type", ErrStoreClosed)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM entries e LEFT JOIN entry_vectors v ON e.id = v.id
		WHERE e.type = ? AND (e.expires_at IS NULL OR e.expires_at > ?)
		ORDER BY e.access_count DESC, e.created_at DESC, e.id DESC
	`, entryColumns)
	args := []any{entryType, time.Now().Unix()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError("get_by_type", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		entry, err := s.scanEntry(rows)
		if err != nil {
			// Read path absorbs row-level damage.
			s.logger.Warn("skipping undecodable entry", "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("get_by_type", err)
	}
	return entries, nil
}

// Update mutates content, type, ttl, or metadata of an existing entry
// in one transaction. Attempts to change the embedding are rejected
// with ErrEmbeddingImmutable; delete and re-insert instead.
func (s *KnowledgeStore) Update(ctx context.Context, id int64, req UpdateRequest) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("update", ErrStoreClosed)
	}
	if len(req.Embedding) > 0 {
		return wrapError("update", ErrEmbeddingImmutable)
	}
	if req.Content != nil && *req.Content == "" {
		return wrapError("update", ErrEmptyContent)
	}
	if req.TTL != nil && !req.TTL.Valid() {
		return wrapError("update", fmt.Errorf("%w: unknown ttl category %q", ErrInvalidConfig, *req.TTL))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("update", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.getForUpdate(ctx, tx, id)
	if err != nil {
		return wrapError("update", err)
	}

	content := current.Content
	contentHash := current.ContentHash
	metadata := current.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}

	if req.Content != nil {
		content = *req.Content
		contentHash = ContentHash(content)
		metadata[MetaCanonicalHash] = CanonicalHash(content)
	}
	entryType := current.Type
	if req.Type != nil {
		entryType = *req.Type
	}
	ttl := current.TTL
	if req.TTL != nil {
		ttl = *req.TTL
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	var expiresAt sql.NullInt64
	if req.TTL != nil {
		// Changing the category re-anchors expiry at now.
		if d := ttl.Duration(); d > 0 {
			expiresAt = sql.NullInt64{Int64: time.Now().Add(d).Unix(), Valid: true}
		}
	} else if current.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: current.ExpiresAt.Unix(), Valid: true}
	}

	metadataJSON, err := encoding.EncodeMetadata(metadata)
	if err != nil {
		return wrapError("update", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entries SET content = ?, type = ?, ttl = ?, content_hash = ?, metadata = ?, expires_at = ?
		WHERE id = ?
	`, content, entryType, string(ttl), contentHash, metadataJSON, expiresAt, id); err != nil {
		return wrapError("update", fmt.Errorf("failed to update entry: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return wrapError("update", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Delete removes an entry and its paired vector row atomically.
func (s *KnowledgeStore) Delete(ctx context.Context, id int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("delete", ErrStoreClosed)
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	if err != nil {
		return wrapError("delete", fmt.Errorf("failed to delete entry: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapError("delete", fmt.Errorf("failed to get rows affected: %w", err))
	}
	if affected == 0 {
		return wrapError("delete", ErrNotFound)
	}
	return nil
}

// RefreshTTL recomputes an entry's expiry from now. An empty category
// keeps the stored one; otherwise the entry moves to the new category.
func (s *KnowledgeStore) RefreshTTL(ctx context.Context, id int64, ttl TTLCategory) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("refresh_ttl", ErrStoreClosed)
	}
	if ttl != "" && !ttl.Valid() {
		return wrapError("refresh_ttl", fmt.Errorf("%w: unknown ttl category %q", ErrInvalidConfig, ttl))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("refresh_ttl", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var stored string
	if err := tx.QueryRowContext(ctx, "SELECT ttl FROM entries WHERE id = ?", id).Scan(&stored); err != nil {
		if err == sql.ErrNoRows {
			return wrapError("refresh_ttl", ErrNotFound)
		}
		return wrapError("refresh_ttl", err)
	}
	if ttl == "" {
		ttl = TTLCategory(stored)
	}

	var expiresAt sql.NullInt64
	if d := ttl.Duration(); d > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(d).Unix(), Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE entries SET ttl = ?, expires_at = ? WHERE id = ?",
		string(ttl), expiresAt, id,
	); err != nil {
		return wrapError("refresh_ttl", fmt.Errorf("failed to refresh ttl: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return wrapError("refresh_ttl", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// getForUpdate loads an entry inside an open transaction.
func (s *KnowledgeStore) getForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*Entry, error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM entries e LEFT JOIN entry_vectors v ON e.id = v.id WHERE e.id = ?
	`, entryColumns), id)
	entry, err := s.scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return entry, err
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *KnowledgeStore) scanEntry(sc rowScanner) (*Entry, error) {
	var (
		e            Entry
		ttl          string
		metadataJSON sql.NullString
		createdAt    int64
		expiresAt    sql.NullInt64
		lastAccessed sql.NullInt64
		vectorBytes  []byte
	)

	if err := sc.Scan(&e.ID, &e.Content, &e.Type, &ttl, &e.ContentHash, &metadataJSON,
		&createdAt, &expiresAt, &e.AccessCount, &lastAccessed, &vectorBytes); err != nil {
		return nil, err
	}

	e.TTL = TTLCategory(ttl)
	e.CreatedAt = time.Unix(createdAt, 0)
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		e.ExpiresAt = &t
	}
	if lastAccessed.Valid {
		t := time.Unix(lastAccessed.Int64, 0)
		e.LastAccessed = &t
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		metadata, err := encoding.DecodeMetadata(metadataJSON.String)
		if err != nil {
			s.logger.Warn("undecodable metadata", "id", e.ID, "error", err)
		} else {
			e.Metadata = metadata
		}
	}

	if len(vectorBytes) > 0 {
		vector, err := encoding.DecodeVector(vectorBytes)
		if err != nil {
			s.logger.Warn("undecodable vector", "id", e.ID, "error", err)
		} else {
			e.Embedding = vector
		}
	}

	return &e, nil
}
