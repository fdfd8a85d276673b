package core

import (
	"time"
)

// Scope identifies which database an entry lives in
type Scope string

const (
	// ScopeGlobal stores entries in the per-user home database
	ScopeGlobal Scope = "global"
	// ScopeProject stores entries in the project-local database
	ScopeProject Scope = "project"
)

// TTLCategory controls how long an entry lives before lazy expiry
type TTLCategory string

const (
	// TTLPermanent never expires
	TTLPermanent TTLCategory = "permanent"
	// TTLLongTerm expires after 90 days
	TTLLongTerm TTLCategory = "long_term"
	// TTLShortTerm expires after 7 days
	TTLShortTerm TTLCategory = "short_term"
	// TTLEphemeral expires after 24 hours
	TTLEphemeral TTLCategory = "ephemeral"
)

// Duration returns the lifetime for the category, or 0 for permanent.
func (c TTLCategory) Duration() time.Duration {
	switch c {
	case TTLLongTerm:
		return 90 * 24 * time.Hour
	case TTLShortTerm:
		return 7 * 24 * time.Hour
	case TTLEphemeral:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether c is a known category.
func (c TTLCategory) Valid() bool {
	switch c {
	case TTLPermanent, TTLLongTerm, TTLShortTerm, TTLEphemeral:
		return true
	}
	return false
}

// Entry types with dedicated retention and ranking behavior. Any other
// string is accepted and treated with default weight and long_term TTL.
const (
	TypeLesson   = "lesson"
	TypeDecision = "decision"
	TypeSummary  = "summary"
	TypeTempNote = "temp_note"
)

// DefaultTTLForType maps an entry type to its default TTL category.
func DefaultTTLForType(entryType string) TTLCategory {
	switch entryType {
	case TypeLesson:
		return TTLPermanent
	case TypeDecision:
		return TTLLongTerm
	case TypeSummary:
		return TTLShortTerm
	case TypeTempNote:
		return TTLEphemeral
	default:
		return TTLLongTerm
	}
}

// defaultTypeWeights ranks durable knowledge above throwaway notes.
var defaultTypeWeights = map[string]float64{
	TypeDecision: 2.0,
	TypeLesson:   2.0,
	TypeSummary:  0.5,
	TypeTempNote: 0.3,
}

// Metadata keys written by the store itself.
const (
	MetaCanonicalHash    = "canonical_hash"
	MetaEvolutionCount   = "evolution_count"
	MetaEvolutionHistory = "evolution_history"
)

// MetaProjectSlug is the caller-written metadata key that tags an
// entry with a project; SearchOptions.Project filters on it.
const MetaProjectSlug = "project_slug"

// Entry is a single knowledge record. ID is assigned by the store; the
// paired vector row shares it.
type Entry struct {
	ID           int64          `json:"id"`
	Content      string         `json:"content"`
	Type         string         `json:"type"`
	TTL          TTLCategory    `json:"ttl"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	AccessCount  int64          `json:"access_count"`
	LastAccessed *time.Time     `json:"last_accessed,omitempty"`
	ContentHash  string         `json:"content_hash"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Embedding    []float32      `json:"-"`
}

// EvolutionRecord is one appended delta in an entry's bounded history.
type EvolutionRecord struct {
	ID         string  `json:"id"`
	Date       string  `json:"date"`
	Delta      string  `json:"delta"`
	Similarity float64 `json:"similarity"`
}

// maxEvolutionHistory bounds the per-entry history length.
const maxEvolutionHistory = 10

// UpdateRequest carries the mutable fields of an entry. Nil pointers
// leave the stored value untouched. Embedding is present only so the
// store can reject attempts to change it.
type UpdateRequest struct {
	Content   *string
	Type      *string
	TTL       *TTLCategory
	Metadata  map[string]any
	Embedding []float32
}

// InsertResult reports the identity assigned by Insert.
type InsertResult struct {
	ID          int64
	ContentHash string
}

// Config holds store configuration
type Config struct {
	// Path is the database file path
	Path string
	// VectorDim pins the embedding dimensionality; 0 disables vectors
	VectorDim int
	// BusyTimeout bounds how long SQLite waits on a locked database
	BusyTimeout time.Duration
	// CacheKB is the page cache size in kilobytes
	CacheKB int
	// SimilarityFn scores embedding pairs; defaults to CosineSimilarity
	SimilarityFn SimilarityFunc
	// TypeWeights overrides the default per-type ranking weights
	TypeWeights map[string]float64
	// RRFK is the rank-fusion constant; defaults to 60
	RRFK float64
	// DisableVector turns the vector pass off even when VectorDim is set
	DisableVector bool
	// Logger receives store diagnostics; defaults to NopLogger
	Logger Logger
}

// DefaultConfig returns a config with sensible defaults. Path and
// VectorDim must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		BusyTimeout: 5 * time.Second,
		CacheKB:     2000,
		RRFK:        60,
	}
}

// typeWeight resolves the ranking weight for an entry type.
func (c *Config) typeWeight(entryType string) float64 {
	if c.TypeWeights != nil {
		if w, ok := c.TypeWeights[entryType]; ok {
			return w
		}
	}
	if w, ok := defaultTypeWeights[entryType]; ok {
		return w
	}
	return 1.0
}

// SearchOptions controls a hybrid search
type SearchOptions struct {
	// TopK limits the result count (default 10)
	TopK int
	// Types restricts results to the given entry types
	Types []string
	// Project restricts results to entries whose metadata project_slug
	// matches; empty means no project filter
	Project string
	// Threshold drops fused results scoring below it
	Threshold float64
}

// SearchResult is one ranked hit with its score breakdown.
type SearchResult struct {
	Entry      Entry
	Score      float64 // final score after weighting and access boost
	RRFScore   float64 // fused rank score before re-ranking
	KeywordHit bool
	VectorHit  bool
}

// SearchInfo reports per-pass health for a search call.
type SearchInfo struct {
	KeywordDegraded bool
	VectorDegraded  bool
}

// Stats summarizes a store's contents.
type Stats struct {
	Count       int64
	CountByType map[string]int64
	Expired     int64
	Vectors     int64
	SizeBytes   int64
}
