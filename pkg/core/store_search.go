package core

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/encoding"
)

// overFetchFactor widens the vector pass so post-filtering still fills
// the requested result count.
const overFetchFactor = 3

// Search runs the two retrieval passes and fuses them: an FTS5 keyword
// pass ranked by bm25 and an in-process cosine pass over stored
// embeddings, combined with reciprocal rank fusion and re-ranked by
// type weight and access frequency. A failing pass degrades the search
// rather than failing it; SearchInfo says which passes were lost.
func (s *KnowledgeStore) Search(ctx context.Context, query string, embedding []float32, opts SearchOptions) ([]SearchResult, SearchInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, SearchInfo{}, wrapError("search", ErrStoreClosed)
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	var info SearchInfo
	var keywordRanked, vectorRanked []int64

	if strings.TrimSpace(query) != "" {
		if !s.ftsEnabled {
			info.KeywordDegraded = true
		} else {
			ids, err := s.searchKeyword(ctx, query, opts)
			if err != nil {
				s.logger.Warn("keyword pass failed", "error", err)
				info.KeywordDegraded = true
			} else {
				keywordRanked = ids
			}
		}
	}

	if len(embedding) > 0 {
		if !s.vectorEnabled {
			info.VectorDegraded = true
		} else {
			ids, err := s.searchVector(ctx, embedding, opts)
			if err != nil {
				s.logger.Warn("vector pass failed", "error", err)
				info.VectorDegraded = true
			} else {
				vectorRanked = ids
			}
		}
	}

	if len(keywordRanked) == 0 && len(vectorRanked) == 0 {
		return nil, info, nil
	}

	fused := rrfFuse(s.config.RRFK, keywordRanked, vectorRanked)

	results, err := s.rankFused(ctx, fused, keywordRanked, vectorRanked, opts)
	if err != nil {
		return nil, info, wrapError("search", err)
	}
	return results, info, nil
}

// searchKeyword runs the FTS5 pass, returning ids best-first.
// Expiry and type filters are applied in SQL.
func (s *KnowledgeStore) searchKeyword(ctx context.Context, query string, opts SearchOptions) ([]int64, error) {
	match := sanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	sqlQuery := `
		SELECT f.rowid FROM entries_fts f
		JOIN entries e ON e.id = f.rowid
		WHERE entries_fts MATCH ?
		  AND (e.expires_at IS NULL OR e.expires_at > ?)
	`
	args := []any{match, time.Now().Unix()}

	if len(opts.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opts.Types)), ",")
		sqlQuery += fmt.Sprintf(" AND e.type IN (%s)", placeholders)
		for _, t := range opts.Types {
			args = append(args, t)
		}
	}
	if opts.Project != "" {
		sqlQuery += " AND json_extract(e.metadata, '$.project_slug') = ?"
		args = append(args, opts.Project)
	}

	sqlQuery += " ORDER BY bm25(entries_fts) LIMIT ?"
	args = append(args, opts.TopK*overFetchFactor)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
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
}

// searchVector scans stored embeddings, scoring each against the
// normalized query, and returns ids best-first. Over-fetches so the
// fused result set survives filtering.
func (s *KnowledgeStore) searchVector(ctx context.Context, query []float32, opts SearchOptions) ([]int64, error) {
	if err := encoding.ValidateVector(query, s.config.VectorDim); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDimension, err)
	}
	query = encoding.Normalize(query)

	sqlQuery := `
		SELECT e.id, v.vector FROM entries e
		JOIN entry_vectors v ON e.id = v.id
		WHERE (e.expires_at IS NULL OR e.expires_at > ?)
	`
	args := []any{time.Now().Unix()}
	if len(opts.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opts.Types)), ",")
		sqlQuery += fmt.Sprintf(" AND e.type IN (%s)", placeholders)
		for _, t := range opts.Types {
			args = append(args, t)
		}
	}
	if opts.Project != "" {
		sqlQuery += " AND json_extract(e.metadata, '$.project_slug') = ?"
		args = append(args, opts.Project)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type scored struct {
		id    int64
		score float64
	}
	var candidates []scored
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		vector, err := encoding.DecodeVector(blob)
		if err != nil {
			s.logger.Warn("undecodable vector", "id", id, "error", err)
			continue
		}
		candidates = append(candidates, scored{id: id, score: s.similarityFn(query, vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	limit := opts.TopK * overFetchFactor
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids, nil
}

// rrfFuse merges ranked id lists with reciprocal rank fusion:
// score(id) = sum over lists of 1/(k + rank).
func rrfFuse(k float64, lists ...[]int64) map[int64]float64 {
	if k <= 0 {
		k = 60
	}
	fused := make(map[int64]float64)
	for _, list := range lists {
		for i, id := range list {
			fused[id] += 1.0 / (k + float64(i+1))
		}
	}
	return fused
}

// rankFused loads the fused candidates and applies the final ranking:
// rrf score scaled by type weight and access boost, deterministic
// tie-break on id.
func (s *KnowledgeStore) rankFused(ctx context.Context, fused map[int64]float64, keywordRanked, vectorRanked []int64, opts SearchOptions) ([]SearchResult, error) {
	if len(fused) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM entries e LEFT JOIN entry_vectors v ON e.id = v.id
		WHERE e.id IN (%s)
	`, entryColumns, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch fused candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keywordHit := make(map[int64]bool, len(keywordRanked))
	for _, id := range keywordRanked {
		keywordHit[id] = true
	}
	vectorHit := make(map[int64]bool, len(vectorRanked))
	for _, id := range vectorRanked {
		vectorHit[id] = true
	}

	var results []SearchResult
	for rows.Next() {
		entry, err := s.scanEntry(rows)
		if err != nil {
			s.logger.Warn("skipping undecodable entry", "error", err)
			continue
		}

		rrf := fused[entry.ID]
		boost := 1.0 + math.Log(1.0+float64(entry.AccessCount))
		score := rrf * s.config.typeWeight(entry.Type) * boost

		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}

		results = append(results, SearchResult{
			Entry:      *entry,
			Score:      score,
			RRFScore:   rrf,
			KeywordHit: keywordHit[entry.ID],
			VectorHit:  vectorHit[entry.ID],
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.ID < results[j].Entry.ID
	})

	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

// sanitizeFTSQuery turns free text into a safe FTS5 MATCH expression:
// each token is double-quoted and tokens are OR-joined. Returns the
// empty string when nothing queryable remains.
func sanitizeFTSQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case r == '_', r > 127:
			return false
		}
		return true
	})
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, " OR ")
}
