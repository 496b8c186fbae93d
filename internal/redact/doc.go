// Package redact removes secret material from evidence payloads before they
// are persisted.
//
// Evidence entries capture tool arguments and results verbatim, which is
// exactly where API keys, tokens, and connection strings leak. The ledger
// implementations run every string payload value through a Redactor so the
// durable record never contains live credentials. Redaction is hygiene, not
// security: it is best-effort pattern matching, and callers must not rely on
// it as an access-control boundary.
package redact
