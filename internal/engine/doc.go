// Package engine compiles compositions into execution plans and runs them.
//
// Execution is two-phase. BuildPlan validates a composition against the
// interpreter registry and produces a structural Plan; every compile error
// (missing interpreter, duplicate operator ID, dangling primitive reference)
// is returned before any primitive runs. ExecuteComposition then drives the
// plan: operators are dispatched to their registered interpreters, step
// results stream to the caller as they complete, and every invocation is
// appended to the evidence ledger before the caller can observe it.
//
// Concurrency is explicit and bounded: only parallel and quorum operators
// fan out, capped by the engine's max-parallel setting, and a failing branch
// never cancels its in-flight siblings. Cancelling the caller's context stops
// new steps from being issued and terminates the run with a timeout outcome
// and a partial trace.
package engine
