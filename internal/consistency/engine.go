package consistency

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/furrowdb/furrow/internal/fact"
	"github.com/furrowdb/furrow/internal/store"
)

// StoreReader is the committed local state the engine evaluates against.
// *store.Store satisfies it.
type StoreReader interface {
	RuleReader
	GetHarvest(ctx context.Context, id int64) (fact.Harvest, bool, error)
	CropTotal(ctx context.Context, cropID int64) (decimal.Decimal, error)
}

// Engine evaluates a node's share of a transaction against committed local
// state and produces the staging payload for PREPARE.
type Engine struct {
	store StoreReader
	gate  *Gate
	newID func() string
}

func NewEngine(s StoreReader) *Engine {
	return &Engine{
		store: s,
		gate:  NewGate(s),
		newID: uuid.NewString,
	}
}

// Evaluate resolves each statement into a staged change plus one audit
// record, threading per-crop deltas through the transaction so later
// statements see the totals earlier ones will produce. The returned slices
// are parallel: entry i of each came from statement i.
//
// A failed statement fails the whole evaluation; nothing partial is
// returned. Evaluation reads committed state only, so re-running it after a
// rejection yields the same answer.
//
// The gate sees committed totals plus this transaction's own deltas, nothing
// more. Locks are per fact row, so two concurrent transactions touching
// different rows of one crop can each pass a threshold their combined commit
// exceeds.
func (e *Engine) Evaluate(ctx context.Context, txID string, stmts []fact.Statement) ([]store.StagedChange, []fact.AuditRecord, error) {
	changes := make([]store.StagedChange, 0, len(stmts))
	audits := make([]fact.AuditRecord, 0, len(stmts))

	// Committed crop totals read so far, and the in-flight delta each crop
	// has accumulated within this transaction.
	base := make(map[int64]decimal.Decimal)
	pending := make(map[int64]decimal.Decimal)

	for seq, stmt := range stmts {
		if err := stmt.Validate(); err != nil {
			return nil, nil, fmt.Errorf("statement %d: %w", seq, err)
		}

		change, err := e.resolve(ctx, stmt)
		if err != nil {
			return nil, nil, fmt.Errorf("statement %d (harvest %d): %w", seq, stmt.Key(), err)
		}
		change.Seq = seq

		if _, ok := base[change.CropID]; !ok {
			total, err := e.store.CropTotal(ctx, change.CropID)
			if err != nil {
				return nil, nil, fmt.Errorf("statement %d: read crop total: %w", seq, err)
			}
			base[change.CropID] = total
		}

		before := base[change.CropID].Add(pending[change.CropID])
		after := before.Add(change.Delta)

		if err := e.gate.Check(ctx, fact.CropRuleKey(change.CropID), before, after, stmt.Key()); err != nil {
			return nil, nil, err
		}

		pending[change.CropID] = pending[change.CropID].Add(change.Delta)

		changes = append(changes, change)
		audits = append(audits, fact.AuditRecord{
			AuditID:    e.newID(),
			TxID:       txID,
			SubjectKey: fact.CropRuleKey(change.CropID),
			Op:         stmt.Op,
			Before:     before,
			After:      after,
		})
	}
	return changes, audits, nil
}

// resolve maps one statement onto the committed row it touches and computes
// its aggregate delta.
func (e *Engine) resolve(ctx context.Context, stmt fact.Statement) (store.StagedChange, error) {
	switch stmt.Op {
	case fact.OpInsert:
		_, exists, err := e.store.GetHarvest(ctx, stmt.Harvest.ID)
		if err != nil {
			return store.StagedChange{}, err
		}
		if exists {
			return store.StagedChange{}, fmt.Errorf("harvest %d already exists", stmt.Harvest.ID)
		}
		return store.StagedChange{
			Op:        fact.OpInsert,
			HarvestID: stmt.Harvest.ID,
			FieldID:   stmt.Harvest.FieldID,
			CropID:    stmt.Harvest.CropID,
			Date:      stmt.Harvest.HarvestDate,
			Yield:     stmt.Harvest.Yield,
			Delta:     stmt.Harvest.Yield,
		}, nil

	case fact.OpUpdate:
		h, exists, err := e.store.GetHarvest(ctx, stmt.ID)
		if err != nil {
			return store.StagedChange{}, err
		}
		if !exists {
			return store.StagedChange{}, fmt.Errorf("harvest %d not found", stmt.ID)
		}
		return store.StagedChange{
			Op:        fact.OpUpdate,
			HarvestID: h.ID,
			FieldID:   h.FieldID,
			CropID:    h.CropID,
			Date:      h.HarvestDate,
			Yield:     stmt.NewYield,
			Delta:     stmt.NewYield.Sub(h.Yield),
		}, nil

	case fact.OpDelete:
		h, exists, err := e.store.GetHarvest(ctx, stmt.ID)
		if err != nil {
			return store.StagedChange{}, err
		}
		if !exists {
			return store.StagedChange{}, fmt.Errorf("harvest %d not found", stmt.ID)
		}
		return store.StagedChange{
			Op:        fact.OpDelete,
			HarvestID: h.ID,
			FieldID:   h.FieldID,
			CropID:    h.CropID,
			Date:      h.HarvestDate,
			Yield:     h.Yield,
			Delta:     h.Yield.Neg(),
		}, nil
	}
	return store.StagedChange{}, fmt.Errorf("unknown op %q", stmt.Op)
}
