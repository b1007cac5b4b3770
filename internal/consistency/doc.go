// Package consistency turns validated mutation statements into the staged
// row changes, aggregate deltas, and audit records a node persists at
// PREPARE time.
//
// The engine works incrementally: each statement contributes a before/after
// pair for its crop's denormalized total, computed from the committed local
// state plus the deltas already accumulated earlier in the same transaction.
// Nothing is recomputed from the base table, so evaluation cost scales with
// the transaction, not the fact table.
//
// The business rule gate runs inside evaluation, against the same projected
// totals the staged changes will produce. A transaction that would push an
// active rule's subject past its threshold is rejected before anything is
// staged.
package consistency
