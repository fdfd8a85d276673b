package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CleanupExpired removes every entry whose expiry has passed, along
// with its vector row, in one transaction. Returns the removed count
// and ids. Open runs this automatically; callers may invoke it at any
// time.
func (s *KnowledgeStore) CleanupExpired(ctx context.Context) (int64, []int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, nil, wrapError("cleanup_expired", ErrStoreClosed)
	}

	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, wrapError("cleanup_expired", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := func() ([]int64, error) {
		rows, err := tx.QueryContext(ctx,
			"SELECT id FROM entries WHERE expires_at IS NOT NULL AND expires_at <= ?", now)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				continue
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	}()
	if err != nil {
		return 0, nil, wrapError("cleanup_expired", err)
	}

	if len(ids) == 0 {
		return 0, nil, tx.Commit()
	}

	result, err := tx.ExecContext(ctx,
		"DELETE FROM entries WHERE expires_at IS NOT NULL AND expires_at <= ?", now)
	if err != nil {
		return 0, nil, wrapError("cleanup_expired", fmt.Errorf("failed to delete expired entries: %w", err))
	}
	removed, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, nil, wrapError("cleanup_expired", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return removed, ids, nil
}

// TrackAccess bumps an entry's access count and stamps last_accessed.
func (s *KnowledgeStore) TrackAccess(ctx context.Context, id int64) error {
	return s.TrackAccessBatch(ctx, []int64{id})
}

// TrackAccessBatch records one access for each id in a single
// statement. Unknown ids are ignored.
func (s *KnowledgeStore) TrackAccessBatch(ctx context.Context, ids []int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapError("track_access", ErrStoreClosed)
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().Unix())
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE entries SET access_count = access_count + 1, last_accessed = ?
		WHERE id IN (%s)
	`, placeholders), args...); err != nil {
		return wrapError("track_access", fmt.Errorf("failed to track access: %w", err))
	}
	return nil
}

// stalenessReference is the age scale used for permanent entries,
// which have no TTL of their own.
var stalenessReference = TTLLongTerm.Duration()

// StalenessScore rates how stale an entry is in [0, 1). Age is
// measured from the last access (creation when never accessed) and
// scaled by the entry's TTL duration, so a short_term note goes stale
// far faster than a decision. Monotonic in age and asymptotic to 1.
func (s *KnowledgeStore) StalenessScore(ctx context.Context, id int64) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, wrapError("staleness", ErrStoreClosed)
	}

	var ttl string
	var createdAt int64
	var lastAccessed sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT ttl, created_at, last_accessed FROM entries WHERE id = ?", id,
	).Scan(&ttl, &createdAt, &lastAccessed)
	if err == sql.ErrNoRows {
		return 0, wrapError("staleness", ErrNotFound)
	}
	if err != nil {
		return 0, wrapError("staleness", err)
	}

	anchor := createdAt
	if lastAccessed.Valid && lastAccessed.Int64 > anchor {
		anchor = lastAccessed.Int64
	}

	age := time.Since(time.Unix(anchor, 0))
	if age < 0 {
		age = 0
	}

	ref := TTLCategory(ttl).Duration()
	if ref <= 0 {
		ref = stalenessReference
	}

	return float64(age) / float64(age+ref), nil
}
