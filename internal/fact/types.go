package fact

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// NodeID identifies one of the two partition-owning nodes.
type NodeID string

// DateFormat is the storage format for harvest dates.
const DateFormat = "2006-01-02"

// Harvest is one fact row. Rows are partitioned across the two nodes by the
// fragment router; a row lives on exactly one node and never moves.
type Harvest struct {
	ID          int64           `json:"id"`
	FieldID     int64           `json:"field_id"`
	CropID      int64           `json:"crop_id"`
	HarvestDate string          `json:"harvest_date"` // DateFormat
	Yield       decimal.Decimal `json:"yield"`
}

// Validate checks the row invariants that hold regardless of which node the
// row lands on: positive identifiers, a parseable date, and a non-negative
// yield.
func (h Harvest) Validate() error {
	if h.ID <= 0 {
		return fmt.Errorf("harvest id must be positive, got %d", h.ID)
	}
	if h.FieldID <= 0 {
		return fmt.Errorf("harvest %d: field id must be positive, got %d", h.ID, h.FieldID)
	}
	if h.CropID <= 0 {
		return fmt.Errorf("harvest %d: crop id must be positive, got %d", h.ID, h.CropID)
	}
	if _, err := time.Parse(DateFormat, h.HarvestDate); err != nil {
		return fmt.Errorf("harvest %d: bad harvest_date %q: %w", h.ID, h.HarvestDate, err)
	}
	if h.Yield.IsNegative() {
		return fmt.Errorf("harvest %d: yield must be >= 0, got %s", h.ID, h.Yield)
	}
	return nil
}

// Field is a dimension row, copy-held independently on every node.
type Field struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
}

// Crop is a dimension row, copy-held independently on every node.
type Crop struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Variety string `json:"variety"`
}

// CropTotal is the denormalized per-crop yield total a node maintains for its
// own partition. It is derived state: always recomputable from the node's
// fact rows. The global total for a crop is the sum across both nodes.
type CropTotal struct {
	CropID int64           `json:"crop_id"`
	Total  decimal.Decimal `json:"total"`
}

// CropRuleKey is the rule key the consistency engine consults when a
// statement changes the yield total of the given crop.
func CropRuleKey(cropID int64) string {
	return fmt.Sprintf("crop_total/%d", cropID)
}

// Rule is a configurable business limit. A write whose proposed aggregate
// would exceed the threshold of an active rule is denied; inactive or missing
// rules allow by default.
type Rule struct {
	Key         string          `json:"rule_key"`
	Threshold   decimal.Decimal `json:"threshold"`
	Active      bool            `json:"active"`
	Description string          `json:"description"`
}

// AuditRecord captures one committed mutating statement: the aggregate value
// before and after the change. Audit records are append-only; they become
// visible only when the transaction that produced them commits.
type AuditRecord struct {
	AuditID    string          `json:"audit_id"`
	TxID       string          `json:"tx_id"`
	SubjectKey string          `json:"subject_key"`
	Op         Op              `json:"op"`
	Before     decimal.Decimal `json:"before_value"`
	After      decimal.Decimal `json:"after_value"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// TxnStatus is the lifecycle state of a participant's prepared-transaction
// record.
type TxnStatus string

const (
	StatusNone      TxnStatus = "NONE"
	StatusPrepared  TxnStatus = "PREPARED"
	StatusCommitted TxnStatus = "COMMITTED"
	StatusAborted   TxnStatus = "ABORTED"
)

// PreparedTxn is one participant's durable record of a prepared transaction.
// It is created when the participant acknowledges PREPARE and transitions to
// COMMITTED or ABORTED only on explicit coordinator instruction.
type PreparedTxn struct {
	GlobalTxID string    `json:"global_tx_id"`
	Node       NodeID    `json:"node"`
	Status     TxnStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Age reports how long the record has existed. Records stuck in PREPARED past
// a grace period are crash-recovery candidates.
func (p PreparedTxn) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}
