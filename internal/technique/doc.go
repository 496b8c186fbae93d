// Package technique defines the domain model for composable reasoning strategies.
//
// A Primitive is an atomic unit of reasoning work (decompose a question, gather
// evidence, verify a claim). A Composition wires primitives together with
// control-flow operators (sequence, parallel, conditional, loop, quorum, gate)
// into an executable strategy. Every run of a composition leaves an
// ExecutionTrace recording the primitive order actually taken and the outcome.
//
// The Catalog is the process-wide registry mapping primitive IDs to their
// definitions and handler functions. Compositions reference primitives by ID
// only; the catalog resolves them at execution time, so strategies survive
// handler re-binding across sessions.
//
// Intents (free-text task descriptions) are normalized before being used as
// grouping keys anywhere in the system; see NormalizeIntent.
package technique
