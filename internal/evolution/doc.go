// Package evolution mines execution traces for recurring successful
// primitive sequences and turns them into proposed compositions, while
// flagging low-performing compositions for mutation or deprecation.
//
// Mining is advisory and best-effort: patterns referencing primitives the
// catalog no longer knows are dropped rather than raised, and a proposal
// whose computed ID collides with an existing composition is disambiguated
// with a numeric suffix, never overwritten.
package evolution
