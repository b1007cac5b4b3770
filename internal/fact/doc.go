// Package fact defines the shared domain model for the furrow harvest store:
// the fragmented fact row (Harvest), its dimension rows (Field, Crop), the
// denormalized crop totals, the append-only audit record, the configurable
// business rule, and the prepared-transaction record that drives two-phase
// commit across the two partitions.
//
// Every other package depends on fact; fact depends on nothing internal.
// Yield quantities and rule thresholds use shopspring decimals so that
// aggregate arithmetic is exact — a running total must never drift from the
// sum of its fact rows due to float rounding.
package fact
