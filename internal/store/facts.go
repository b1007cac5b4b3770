package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/furrowdb/furrow/internal/fact"
)

// GetHarvest reads one committed fact row. The bool reports existence.
func (s *Store) GetHarvest(ctx context.Context, id int64) (fact.Harvest, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, field_id, crop_id, harvest_date, yield_qty
		FROM harvests
		WHERE id = ?
	`, id)

	h, err := scanHarvestRow(row)
	if err == sql.ErrNoRows {
		return fact.Harvest{}, false, nil
	}
	if err != nil {
		return fact.Harvest{}, false, fmt.Errorf("get harvest %d: %w", id, err)
	}
	return h, true, nil
}

// QueryHarvests returns this partition's committed rows matching q, ordered
// by id for local determinism. Global ordering, when requested, is applied by
// the federation layer to the merged stream.
func (s *Store) QueryHarvests(ctx context.Context, q fact.Query) ([]fact.Harvest, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("query harvests: %w", err)
	}

	var conds []string
	var args []any
	if q.CropID != nil {
		conds = append(conds, "crop_id = ?")
		args = append(args, *q.CropID)
	}
	if q.FieldID != nil {
		conds = append(conds, "field_id = ?")
		args = append(args, *q.FieldID)
	}
	if q.FromDate != "" {
		conds = append(conds, "harvest_date >= ?")
		args = append(args, q.FromDate)
	}
	if q.ToDate != "" {
		conds = append(conds, "harvest_date <= ?")
		args = append(args, q.ToDate)
	}

	query := "SELECT id, field_id, crop_id, harvest_date, yield_qty FROM harvests"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query harvests: %w", err)
	}
	defer rows.Close()

	var harvests []fact.Harvest
	for rows.Next() {
		h, err := scanHarvest(rows)
		if err != nil {
			return nil, err
		}
		harvests = append(harvests, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate harvests: %w", err)
	}

	// Return empty slice instead of nil
	if harvests == nil {
		harvests = []fact.Harvest{}
	}

	return harvests, nil
}

// HarvestIDs returns every fact-row id on this partition, ascending. Used by
// the fragmentation-integrity check.
func (s *Store) HarvestIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM harvests ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list harvest ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan harvest id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate harvest ids: %w", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

// scanHarvest scans a rows cursor into a Harvest.
func scanHarvest(rows *sql.Rows) (fact.Harvest, error) {
	var h fact.Harvest
	var yield string
	if err := rows.Scan(&h.ID, &h.FieldID, &h.CropID, &h.HarvestDate, &yield); err != nil {
		return fact.Harvest{}, fmt.Errorf("scan harvest: %w", err)
	}
	d, err := parseDecimal(yield)
	if err != nil {
		return fact.Harvest{}, fmt.Errorf("harvest %d: %w", h.ID, err)
	}
	h.Yield = d
	return h, nil
}

// scanHarvestRow scans a single row into a Harvest.
func scanHarvestRow(row *sql.Row) (fact.Harvest, error) {
	var h fact.Harvest
	var yield string
	if err := row.Scan(&h.ID, &h.FieldID, &h.CropID, &h.HarvestDate, &yield); err != nil {
		return fact.Harvest{}, err
	}
	d, err := parseDecimal(yield)
	if err != nil {
		return fact.Harvest{}, fmt.Errorf("harvest %d: %w", h.ID, err)
	}
	h.Yield = d
	return h, nil
}

// parseDecimal converts stored decimal TEXT back to a decimal.
func parseDecimal(text string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad stored decimal %q: %w", text, err)
	}
	return d, nil
}
