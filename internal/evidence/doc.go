// Package evidence provides the append-only, session-scoped evidence ledger.
//
// Every primitive invocation, operator transition, claim, and outcome the
// engine produces is appended as an Entry. Entries are immutable once written
// and chained per session: each entry's hash covers its own content plus the
// previous entry's hash, so any after-the-fact modification of the durable
// record is detectable with VerifyChain.
//
// Ledger writes on the engine's hot path are best-effort. A failed append is
// logged by the caller and never changes an execution result; the ledger is a
// record of what happened, not a gate on it.
package evidence
