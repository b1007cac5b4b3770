package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/furrowdb/furrow/internal/fact"
)

// CropTotal returns this partition's denormalized yield total for a crop.
// A crop with no fact rows totals zero.
func (s *Store) CropTotal(ctx context.Context, cropID int64) (decimal.Decimal, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `
		SELECT total_yield FROM crop_totals WHERE crop_id = ?
	`, cropID).Scan(&text)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("crop total %d: %w", cropID, err)
	}
	return parseDecimal(text)
}

// CropTotals returns all of this partition's crop totals, ordered by crop id.
func (s *Store) CropTotals(ctx context.Context) ([]fact.CropTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT crop_id, total_yield FROM crop_totals ORDER BY crop_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query crop totals: %w", err)
	}
	defer rows.Close()

	var totals []fact.CropTotal
	for rows.Next() {
		var ct fact.CropTotal
		var text string
		if err := rows.Scan(&ct.CropID, &text); err != nil {
			return nil, fmt.Errorf("scan crop total: %w", err)
		}
		if ct.Total, err = parseDecimal(text); err != nil {
			return nil, fmt.Errorf("crop %d: %w", ct.CropID, err)
		}
		totals = append(totals, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crop totals: %w", err)
	}
	if totals == nil {
		totals = []fact.CropTotal{}
	}
	return totals, nil
}

// VerifyAggregates recomputes every crop total from this partition's fact
// rows and compares against the denormalized table. The totals are derived
// state; any mismatch means the consistency engine double-counted or missed a
// delta and is reported, never repaired here.
func (s *Store) VerifyAggregates(ctx context.Context) error {
	harvests, err := s.QueryHarvests(ctx, fact.Query{})
	if err != nil {
		return fmt.Errorf("verify aggregates: %w", err)
	}

	recomputed := make(map[int64]decimal.Decimal)
	for _, h := range harvests {
		recomputed[h.CropID] = recomputed[h.CropID].Add(h.Yield)
	}

	stored, err := s.CropTotals(ctx)
	if err != nil {
		return fmt.Errorf("verify aggregates: %w", err)
	}

	for _, ct := range stored {
		want := recomputed[ct.CropID]
		if !ct.Total.Equal(want) {
			return fmt.Errorf("verify aggregates: crop %d total %s != recomputed %s on node %s",
				ct.CropID, ct.Total, want, s.node)
		}
		delete(recomputed, ct.CropID)
	}
	for cropID, want := range recomputed {
		if !want.IsZero() {
			return fmt.Errorf("verify aggregates: crop %d has fact rows summing %s but no total row on node %s",
				cropID, want, s.node)
		}
	}
	return nil
}

// applyDelta adjusts a crop total inside an open transaction. Decimal
// arithmetic happens in Go; SQLite sees only canonical TEXT.
func applyDelta(ctx context.Context, tx *sql.Tx, cropID int64, delta decimal.Decimal) error {
	var text string
	current := decimal.Zero
	err := tx.QueryRowContext(ctx, `
		SELECT total_yield FROM crop_totals WHERE crop_id = ?
	`, cropID).Scan(&text)
	switch {
	case err == sql.ErrNoRows:
		// first fact row for this crop
	case err != nil:
		return fmt.Errorf("read crop total %d: %w", cropID, err)
	default:
		if current, err = parseDecimal(text); err != nil {
			return fmt.Errorf("crop %d: %w", cropID, err)
		}
	}

	next := current.Add(delta)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO crop_totals (crop_id, total_yield) VALUES (?, ?)
		ON CONFLICT(crop_id) DO UPDATE SET total_yield = excluded.total_yield
	`, cropID, next.String())
	if err != nil {
		return fmt.Errorf("write crop total %d: %w", cropID, err)
	}
	return nil
}
