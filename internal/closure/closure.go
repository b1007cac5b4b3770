// Package closure consumes a crop-hierarchy closure table to roll harvest
// totals up a taxonomy (variety to species to family). The hierarchy lives
// with a collaborating system; this package only defines the interface it
// must answer and the rollup report built on top.
package closure

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/furrowdb/furrow/internal/fact"
)

// RelationCrops is the crop taxonomy relation.
const RelationCrops = "crops"

// Triple is one row of a transitive-closure table: Descendant sits Depth
// levels below Ancestor. Depth 0 rows pair every node with itself.
type Triple struct {
	Ancestor   int64 `json:"ancestor"`
	Descendant int64 `json:"descendant"`
	Depth      int   `json:"depth"`
}

// Reader answers closure queries for a named relation.
type Reader interface {
	Closure(ctx context.Context, relation string) ([]Triple, error)
}

// TotalsSource supplies the flat per-crop totals to roll up. The federation
// satisfies it with global totals; a single store satisfies it with partials.
type TotalsSource interface {
	CropTotals(ctx context.Context) ([]fact.CropTotal, error)
}

// Row is one line of the rollup: a crop's own harvested total and the total
// including everything below it in the taxonomy.
type Row struct {
	CropID   int64           `json:"crop_id"`
	Direct   decimal.Decimal `json:"direct"`
	RolledUp decimal.Decimal `json:"rolled_up"`
}

// Rollup joins the closure relation against the crop totals. Crops that
// appear in the hierarchy but harvested nothing still show, with zero
// direct total; harvested crops missing from the hierarchy count only for
// themselves.
func Rollup(ctx context.Context, r Reader, src TotalsSource) ([]Row, error) {
	totals, err := src.CropTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("rollup: %w", err)
	}
	direct := make(map[int64]decimal.Decimal, len(totals))
	for _, t := range totals {
		direct[t.CropID] = t.Total
	}

	triples, err := r.Closure(ctx, RelationCrops)
	if err != nil {
		return nil, fmt.Errorf("rollup: closure: %w", err)
	}

	rolled := make(map[int64]decimal.Decimal)
	inHierarchy := make(map[int64]bool)
	for _, tr := range triples {
		inHierarchy[tr.Ancestor] = true
		inHierarchy[tr.Descendant] = true
		if total, ok := direct[tr.Descendant]; ok {
			rolled[tr.Ancestor] = rolled[tr.Ancestor].Add(total)
		}
	}
	// Harvested crops outside the hierarchy roll up to themselves.
	for cropID, total := range direct {
		if !inHierarchy[cropID] {
			rolled[cropID] = total
		}
	}

	ids := make([]int64, 0, len(rolled))
	for id := range rolled {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, Row{
			CropID:   id,
			Direct:   direct[id],
			RolledUp: rolled[id],
		})
	}
	return rows, nil
}

// Render writes the rollup as a plain table, one crop per line.
func Render(w io.Writer, rows []Row) error {
	if _, err := fmt.Fprintf(w, "crop\tdirect\trolled-up\n"); err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%d\t%s\t%s\n", r.CropID, r.Direct, r.RolledUp); err != nil {
			return err
		}
	}
	return nil
}
