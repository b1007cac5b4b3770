// Package federation answers global reads over the two-node fragmented fact
// table. It fans a query out to every node, merges the fragment results, and
// applies the requested ordering to the merged stream. With a node down the
// default is refusal: partial answers only exist behind an explicit degraded
// opt-in, and they are labelled as such.
package federation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/furrowdb/furrow/internal/fact"
	"github.com/furrowdb/furrow/internal/remote"
	"github.com/furrowdb/furrow/internal/route"
	"github.com/furrowdb/furrow/internal/store"
)

// Result is a federated query answer. Degraded is true only when the caller
// opted into partial answers and at least one fragment is missing.
type Result struct {
	Rows     []fact.Harvest `json:"rows"`
	Degraded bool           `json:"degraded,omitempty"`
	Missing  []fact.NodeID  `json:"missing,omitempty"`
}

// Federation merges reads across both nodes.
type Federation struct {
	router *route.Router
	links  map[fact.NodeID]remote.Link
	log    *zap.Logger
}

func New(router *route.Router, links []remote.Link, log *zap.Logger) (*Federation, error) {
	if log == nil {
		log = zap.NewNop()
	}
	byNode := make(map[fact.NodeID]remote.Link, len(links))
	for _, l := range links {
		if !router.Contains(l.Node()) {
			return nil, fmt.Errorf("federation: link for unrouted node %q", l.Node())
		}
		byNode[l.Node()] = l
	}
	for _, n := range router.Nodes() {
		if _, ok := byNode[n]; !ok {
			return nil, fmt.Errorf("federation: no link for node %q", n)
		}
	}
	return &Federation{router: router, links: byNode, log: log}, nil
}

// fragment is one node's answer to a fan-out.
type fragment struct {
	node fact.NodeID
	rows []fact.Harvest
	err  error
}

// Query runs q on every node and merges the fragments. Ordering applies to
// the merged stream, never per fragment. With allowDegraded false any
// unreachable node fails the whole query with PARTITION_UNAVAILABLE.
func (f *Federation) Query(ctx context.Context, q fact.Query, allowDegraded bool) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, fmt.Errorf("federated query: %w", err)
	}

	frags := f.fanOut(ctx, func(ctx context.Context, l remote.Link) ([]fact.Harvest, error) {
		return l.Query(ctx, q)
	})

	var res Result
	for _, fr := range frags {
		if fr.err != nil {
			if allowDegraded && fact.IsPartitionUnavailable(fr.err) {
				f.log.Warn("serving degraded result without fragment",
					zap.String("node", string(fr.node)),
					zap.Error(fr.err))
				res.Degraded = true
				res.Missing = append(res.Missing, fr.node)
				continue
			}
			return Result{}, fr.err
		}
		res.Rows = append(res.Rows, fr.rows...)
	}
	if res.Rows == nil {
		res.Rows = []fact.Harvest{}
	}

	sortRows(res.Rows, q.OrderBy, q.Desc)
	return res, nil
}

// fanOut queries both nodes concurrently and returns their fragments in
// routing order.
func (f *Federation) fanOut(ctx context.Context, fn func(context.Context, remote.Link) ([]fact.Harvest, error)) []fragment {
	nodes := f.router.Nodes()
	frags := make([]fragment, len(nodes))

	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, l remote.Link) {
			defer wg.Done()
			rows, err := fn(ctx, l)
			frags[i] = fragment{node: l.Node(), rows: rows, err: err}
		}(i, f.links[n])
	}
	wg.Wait()
	return frags
}

// sortRows orders the merged stream. The id tiebreak keeps results
// deterministic whatever column leads.
func sortRows(rows []fact.Harvest, by fact.OrderBy, desc bool) {
	less := func(a, b fact.Harvest) bool { return a.ID < b.ID }
	switch by {
	case fact.OrderByDate:
		less = func(a, b fact.Harvest) bool {
			if a.HarvestDate != b.HarvestDate {
				return a.HarvestDate < b.HarvestDate
			}
			return a.ID < b.ID
		}
	case fact.OrderByYield:
		less = func(a, b fact.Harvest) bool {
			if !a.Yield.Equal(b.Yield) {
				return a.Yield.LessThan(b.Yield)
			}
			return a.ID < b.ID
		}
	case fact.OrderByCrop:
		less = func(a, b fact.Harvest) bool {
			if a.CropID != b.CropID {
				return a.CropID < b.CropID
			}
			return a.ID < b.ID
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if desc {
			return less(rows[j], rows[i])
		}
		return less(rows[i], rows[j])
	})
}

// CropTotals sums both nodes' partial aggregates into global totals, ordered
// by crop id. No degraded form: a missing fragment would silently understate
// every total.
func (f *Federation) CropTotals(ctx context.Context) ([]fact.CropTotal, error) {
	sums := make(map[int64]decimal.Decimal)
	for _, n := range f.router.Nodes() {
		partials, err := f.links[n].CropTotals(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range partials {
			sums[p.CropID] = sums[p.CropID].Add(p.Total)
		}
	}

	totals := make([]fact.CropTotal, 0, len(sums))
	for cropID, total := range sums {
		totals = append(totals, fact.CropTotal{CropID: cropID, Total: total})
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].CropID < totals[j].CropID })
	return totals, nil
}

// CropTotal returns one crop's global total.
func (f *Federation) CropTotal(ctx context.Context, cropID int64) (decimal.Decimal, error) {
	totals, err := f.CropTotals(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, t := range totals {
		if t.CropID == cropID {
			return t.Total, nil
		}
	}
	return decimal.Zero, nil
}

// CheckDimensions compares the replicated dimension tables across nodes.
// Drift means a federated join would disagree depending on which node
// answered, so it surfaces as a fragmentation-integrity failure.
func (f *Federation) CheckDimensions(ctx context.Context) error {
	nodes := f.router.Nodes()
	for _, table := range []string{store.DimFields, store.DimCrops} {
		sums := make([]string, len(nodes))
		for i, n := range nodes {
			sum, err := f.links[n].DimensionChecksum(ctx, table)
			if err != nil {
				return fmt.Errorf("dimension check %s on %s: %w", table, n, err)
			}
			sums[i] = sum
		}
		if sums[0] != sums[1] {
			return &fact.Error{
				Code:    fact.ErrCodeFragmentation,
				Message: fmt.Sprintf("dimension %s diverged: %s has %s, %s has %s", table, nodes[0], shortSum(sums[0]), nodes[1], shortSum(sums[1])),
			}
		}
	}
	return nil
}

// shortSum abbreviates a checksum for log output. Checksums from a healthy
// node are 64 hex chars, but a peer may return anything.
func shortSum(s string) string {
	if s == "" {
		return "<empty>"
	}
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
