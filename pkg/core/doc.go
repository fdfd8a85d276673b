// Package core is the storage and retrieval engine behind lorekeep.
//
// It keeps typed knowledge entries in per-scope SQLite files, each
// entry optionally paired with an embedding row sharing its identity.
//
// # Key Components
//
//   - KnowledgeStore: one open database file; insert, dedup, search,
//     and lifecycle operations all hang off it.
//   - StoreManager: resolves scope to a database path and caches one
//     store per path for the life of the process.
//   - Dedup cascade: exact hash, canonicalized hash, then embedding
//     cosine similarity; near-duplicates are skipped or merged into an
//     existing entry as dated deltas.
//   - Hybrid search: FTS5 bm25 keyword pass fused with an in-process
//     cosine pass via reciprocal rank fusion, re-ranked by entry type
//     and access frequency.
//   - Lifecycle: TTL categories with lazy expiry at open, access
//     tracking, and a staleness score.
//
// Optional capabilities degrade instead of failing: a store without
// FTS5 or without a usable vector table still serves whatever passes
// remain.
package core
