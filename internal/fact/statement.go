package fact

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Op is the kind of mutation a statement performs on the fact table.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Statement is one mutation against the fact table. A transaction spec is a
// sequence of statements; the router assigns each statement to the node that
// owns its harvest id.
//
// Field usage by op:
//
//	INSERT: Harvest carries the full new row (Harvest.ID is the key)
//	UPDATE: ID selects the row, NewYield is the replacement yield
//	DELETE: ID selects the row
type Statement struct {
	Op       Op              `json:"op"`
	Harvest  Harvest         `json:"harvest,omitempty"`
	ID       int64           `json:"id,omitempty"`
	NewYield decimal.Decimal `json:"new_yield,omitempty"`
}

// Key returns the harvest id the statement targets. Partition ownership is
// decided from this key alone.
func (s Statement) Key() int64 {
	if s.Op == OpInsert {
		return s.Harvest.ID
	}
	return s.ID
}

// Validate checks the statement shape before any node work happens.
func (s Statement) Validate() error {
	switch s.Op {
	case OpInsert:
		return s.Harvest.Validate()
	case OpUpdate:
		if s.ID <= 0 {
			return fmt.Errorf("update: harvest id must be positive, got %d", s.ID)
		}
		if s.NewYield.IsNegative() {
			return fmt.Errorf("update harvest %d: yield must be >= 0, got %s", s.ID, s.NewYield)
		}
		return nil
	case OpDelete:
		if s.ID <= 0 {
			return fmt.Errorf("delete: harvest id must be positive, got %d", s.ID)
		}
		return nil
	default:
		return fmt.Errorf("unknown statement op %q", s.Op)
	}
}

// TransactionSpec is the write-API input: the ordered statements of one
// logical transaction. Statements may span both partitions; the coordinator
// guarantees they commit or abort together.
type TransactionSpec struct {
	Statements []Statement `json:"statements"`
}

// Validate rejects empty specs and statement-level shape errors early, before
// any locks are taken.
func (t TransactionSpec) Validate() error {
	if len(t.Statements) == 0 {
		return errors.New("transaction spec has no statements")
	}
	seen := make(map[int64]Op, len(t.Statements))
	for i, s := range t.Statements {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("statement %d: %w", i, err)
		}
		// One statement per key keeps before/after audit values unambiguous.
		if prev, dup := seen[s.Key()]; dup {
			return fmt.Errorf("statement %d: harvest %d already targeted by %s in this transaction", i, s.Key(), prev)
		}
		seen[s.Key()] = s.Op
	}
	return nil
}

// Query is the federated read-API input. Nil filter fields match everything.
// OrderBy, when set, is applied to the merged result stream, never to each
// partition independently.
type Query struct {
	CropID   *int64   `json:"crop_id,omitempty"`
	FieldID  *int64   `json:"field_id,omitempty"`
	FromDate string   `json:"from_date,omitempty"` // inclusive, DateFormat
	ToDate   string   `json:"to_date,omitempty"`   // inclusive, DateFormat
	OrderBy  OrderBy  `json:"order_by,omitempty"`
	Desc     bool     `json:"desc,omitempty"`
	Columns  []string `json:"columns,omitempty"` // presentation hint, all columns when empty
}

// OrderBy names a sortable harvest column.
type OrderBy string

const (
	OrderNone    OrderBy = ""
	OrderByID    OrderBy = "id"
	OrderByDate  OrderBy = "harvest_date"
	OrderByYield OrderBy = "yield"
	OrderByCrop  OrderBy = "crop_id"
)

// Validate checks filter shapes and the order column.
func (q Query) Validate() error {
	switch q.OrderBy {
	case OrderNone, OrderByID, OrderByDate, OrderByYield, OrderByCrop:
	default:
		return fmt.Errorf("unknown order column %q", q.OrderBy)
	}
	return nil
}
