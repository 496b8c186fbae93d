// Package storage persists compositions, execution traces, and the learner's
// state blob.
//
// Two implementations are provided: MemoryStore for tests and ephemeral use,
// and SQLiteStore for durable single-file persistence. Compositions are
// versioned by replacement (SaveComposition upserts by ID); execution traces
// are append-only. Both implementations are safe for concurrent use.
package storage
