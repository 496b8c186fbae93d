// Package learning is the closed-loop consumer of composition outcomes. It
// keeps a per-intent model of which compositions, primitives, and context
// sources work, promotes compositions through trust tiers on consolidation,
// suppresses anti-patterns after sustained consecutive failure, and flags
// distribution shift against recorded embedding statistics.
//
// The model is a single versioned document persisted wholesale through a
// storage.StateStore; all mutating calls are serialized by the service.
package learning
