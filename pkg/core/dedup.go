package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/encoding"
)

// Dedup cascade thresholds. The same bands apply to every stage: an
// exact hash match scores 1.0, a canonical match 0.9, stage three uses
// raw cosine similarity.
const (
	dedupSkipThreshold   = 0.88
	dedupEvolveThreshold = 0.65

	exactMatchScore     = 1.0
	canonicalMatchScore = 0.9
)

// DedupAction is the outcome of the dedup cascade.
type DedupAction string

const (
	// DedupCreated means no near-duplicate existed; a new entry was made
	DedupCreated DedupAction = "created"
	// DedupSkipped means an existing entry already covers the content
	DedupSkipped DedupAction = "skipped"
	// DedupEvolved means an existing entry absorbed the content as a delta
	DedupEvolved DedupAction = "evolved"
)

// DedupResult reports what the cascade did and to which entry.
type DedupResult struct {
	Action     DedupAction
	ID         int64
	Similarity float64
	Stage      string // "exact", "canonical", "similarity", or "" for created
}

// ContentHash returns the SHA-256 hex digest of content as written.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CanonicalHash returns the SHA-256 hex digest of the canonicalized
// content, so trivially reworded duplicates collide.
func CanonicalHash(content string) string {
	return ContentHash(canonicalize(content))
}

// canonicalize lowercases, collapses runs of whitespace to single
// spaces, and strips trailing punctuation.
func canonicalize(content string) string {
	lower := strings.ToLower(content)
	fields := strings.Fields(lower)
	joined := strings.Join(fields, " ")
	return strings.TrimRightFunc(joined, func(r rune) bool {
		return unicode.IsPunct(r)
	})
}

// InsertDedup runs the three-stage dedup cascade before storing e:
// exact content hash, canonical content hash, then embedding cosine
// against the nearest stored neighbor. Near-duplicates are skipped,
// mid-band matches evolve the existing entry, everything else creates
// a new one. Re-running with identical content is a no-op skip.
func (s *KnowledgeStore) InsertDedup(ctx context.Context, e *Entry) (DedupResult, error) {
	if e == nil || e.Content == "" {
		return DedupResult{}, wrapError("insert_dedup", ErrEmptyContent)
	}

	s.mu.RLock()
	closed := s.closed
	vectorOK := s.vectorEnabled
	s.mu.RUnlock()
	if closed {
		return DedupResult{}, wrapError("insert_dedup", ErrStoreClosed)
	}

	// Stage 1: exact content hash.
	hash := ContentHash(e.Content)
	if match, err := s.GetByHash(ctx, hash); err == nil && aliveAt(match, time.Now()) {
		s.logger.Debug("dedup exact match", "id", match.ID)
		if err := s.TrackAccess(ctx, match.ID); err != nil {
			s.logger.Warn("access track failed", "id", match.ID, "error", err)
		}
		return DedupResult{Action: DedupSkipped, ID: match.ID, Similarity: exactMatchScore, Stage: "exact"}, nil
	}

	// Stage 2: canonicalized content hash.
	canonical := CanonicalHash(e.Content)
	s.mu.RLock()
	match, err := s.getByCanonicalHash(ctx, canonical)
	s.mu.RUnlock()
	if err == nil && aliveAt(match, time.Now()) {
		s.logger.Debug("dedup canonical match", "id", match.ID)
		if err := s.TrackAccess(ctx, match.ID); err != nil {
			s.logger.Warn("access track failed", "id", match.ID, "error", err)
		}
		return DedupResult{Action: DedupSkipped, ID: match.ID, Similarity: canonicalMatchScore, Stage: "canonical"}, nil
	}

	// Stage 3: cosine similarity against the nearest stored neighbor.
	if vectorOK && len(e.Embedding) > 0 {
		neighbor, sim, err := s.nearestNeighbor(ctx, e.Embedding)
		if err != nil {
			// Degraded stage: fall through to create.
			s.logger.Warn("similarity dedup unavailable", "error", err)
		} else if neighbor != nil {
			switch {
			case sim > dedupSkipThreshold:
				s.logger.Debug("dedup similarity skip", "id", neighbor.ID, "similarity", sim)
				return DedupResult{Action: DedupSkipped, ID: neighbor.ID, Similarity: sim, Stage: "similarity"}, nil
			case sim >= dedupEvolveThreshold:
				if err := s.evolve(ctx, neighbor.ID, e.Content, sim); err != nil {
					return DedupResult{}, wrapError("insert_dedup", err)
				}
				s.logger.Info("entry evolved", "id", neighbor.ID, "similarity", sim)
				return DedupResult{Action: DedupEvolved, ID: neighbor.ID, Similarity: sim, Stage: "similarity"}, nil
			}
		}
	}

	res, err := s.Insert(ctx, e)
	if err != nil {
		return DedupResult{}, err
	}
	return DedupResult{Action: DedupCreated, ID: res.ID}, nil
}

// nearestNeighbor linearly scans stored vectors and returns the live
// entry closest to query, or (nil, 0) when nothing has a vector.
func (s *KnowledgeStore) nearestNeighbor(ctx context.Context, query []float32) (*Entry, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, 0, ErrStoreClosed
	}

	query = encoding.Normalize(query)

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, v.vector FROM entries e
		JOIN entry_vectors v ON e.id = v.id
		WHERE e.expires_at IS NULL OR e.expires_at > ?
	`, time.Now().Unix())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	bestID := int64(-1)
	bestSim := -1.0
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
		if sim := s.similarityFn(query, vector); sim > bestSim {
			bestSim = sim
			bestID = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if bestID < 0 {
		return nil, 0, nil
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM entries e LEFT JOIN entry_vectors v ON e.id = v.id WHERE e.id = ?
	`, entryColumns), bestID)
	entry, err := s.scanEntry(row)
	if err != nil {
		return nil, 0, err
	}
	return entry, bestSim, nil
}

// evolve appends incoming content to an existing entry as a dated
// delta, bumps its evolution count, and records the merge in a bounded
// history. The stored embedding is left untouched.
func (s *KnowledgeStore) evolve(ctx context.Context, id int64, delta string, similarity float64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.getForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}

	date := time.Now().Format("2006-01-02")
	content := fmt.Sprintf("%s\n\nUpdate: [%s] %s", current.Content, date, delta)

	metadata := current.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}

	count := int64(0)
	if raw, ok := metadata[MetaEvolutionCount]; ok {
		if f, ok := raw.(float64); ok {
			count = int64(f)
		}
	}
	metadata[MetaEvolutionCount] = count + 1

	history := decodeHistory(metadata[MetaEvolutionHistory])
	history = append(history, EvolutionRecord{
		ID:         uuid.NewString(),
		Date:       date,
		Delta:      delta,
		Similarity: similarity,
	})
	if len(history) > maxEvolutionHistory {
		history = history[len(history)-maxEvolutionHistory:]
	}
	metadata[MetaEvolutionHistory] = history
	metadata[MetaCanonicalHash] = CanonicalHash(content)

	metadataJSON, err := encoding.EncodeMetadata(metadata)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entries SET content = ?, content_hash = ?, metadata = ? WHERE id = ?
	`, content, ContentHash(content), metadataJSON, id); err != nil {
		return fmt.Errorf("failed to evolve entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// decodeHistory tolerates both freshly-built []EvolutionRecord values
// and the []any shape that comes back from JSON metadata.
func decodeHistory(raw any) []EvolutionRecord {
	switch v := raw.(type) {
	case nil:
		return nil
	case []EvolutionRecord:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var history []EvolutionRecord
		if err := json.Unmarshal(data, &history); err != nil {
			return nil
		}
		return history
	}
}

// aliveAt reports whether the entry has not expired as of now.
func aliveAt(e *Entry, now time.Time) bool {
	return e != nil && (e.ExpiresAt == nil || e.ExpiresAt.After(now))
}
