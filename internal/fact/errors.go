package fact

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrorCode categorizes the failures the distributed layers can surface.
// Codes travel over the remote link so a caller sees the same taxonomy
// whether the failure happened locally or on the far node.
type ErrorCode string

const (
	// ErrCodePartitionUnavailable means the remote link is down. Reads fail
	// (or degrade, on explicit opt-in); writes abort.
	ErrCodePartitionUnavailable ErrorCode = "PARTITION_UNAVAILABLE"

	// ErrCodePrepareRejected means a participant voted abort: a local
	// constraint or the business-rule gate refused the mutation.
	ErrCodePrepareRejected ErrorCode = "PREPARE_REJECTED"

	// ErrCodeCommitTimeout means a decided transaction could not be pushed to
	// every participant in time. The outcome is fixed but unacknowledged; the
	// recovery sweep finishes the job. Never treat it as an abort.
	ErrCodeCommitTimeout ErrorCode = "COMMIT_TIMEOUT"

	// ErrCodeFragmentation means a fact row was found on a node that does not
	// own it. Fatal: surfaced immediately, never auto-repaired.
	ErrCodeFragmentation ErrorCode = "FRAGMENTATION_INTEGRITY"

	// ErrCodeLockTimeout means a row lock could not be acquired within the
	// configured wait. Retryable by the caller.
	ErrCodeLockTimeout ErrorCode = "LOCK_TIMEOUT"

	// ErrCodeUnknownTxn means a lifecycle instruction referenced a transaction
	// the participant has no record of.
	ErrCodeUnknownTxn ErrorCode = "UNKNOWN_TXN"
)

// Error is the structured failure shared across the router, federation,
// participant and coordinator layers.
type Error struct {
	Code    ErrorCode
	Message string
	Node    NodeID // node the failure is attributed to, when known
	TxID    string // global transaction id, when the failure is per-transaction
	Key     int64  // harvest id, for row-scoped failures
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.TxID != "" && e.Node != "":
		return fmt.Sprintf("%s: %s (tx=%s, node=%s)", e.Code, e.Message, e.TxID, e.Node)
	case e.Node != "":
		return fmt.Sprintf("%s: %s (node=%s)", e.Code, e.Message, e.Node)
	case e.TxID != "":
		return fmt.Sprintf("%s: %s (tx=%s)", e.Code, e.Message, e.TxID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// NewError builds an Error with the given code and formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed. Returns ""
// when err carries no furrow code.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var rv *RuleViolationError
	if errors.As(err, &rv) {
		return ErrCodePrepareRejected
	}
	return ""
}

// IsPartitionUnavailable reports whether err is a remote-link failure.
func IsPartitionUnavailable(err error) bool {
	return CodeOf(err) == ErrCodePartitionUnavailable
}

// IsPrepareRejected reports whether err is an abort vote.
func IsPrepareRejected(err error) bool {
	return CodeOf(err) == ErrCodePrepareRejected
}

// IsCommitTimeout reports whether err is an unacknowledged-but-decided
// outcome.
func IsCommitTimeout(err error) bool {
	return CodeOf(err) == ErrCodeCommitTimeout
}

// IsFragmentation reports whether err is a fragmentation-integrity violation.
func IsFragmentation(err error) bool {
	return CodeOf(err) == ErrCodeFragmentation
}

// IsLockTimeout reports whether err is a lock wait timeout.
func IsLockTimeout(err error) bool {
	return CodeOf(err) == ErrCodeLockTimeout
}

// RuleViolationError is the business-rule gate's denial. It carries the full
// arithmetic so the caller (and the audit trail) can see exactly which limit
// was hit and by how much.
type RuleViolationError struct {
	RuleKey   string
	Threshold decimal.Decimal
	Current   decimal.Decimal
	Proposed  decimal.Decimal // current + delta
	Key       int64           // harvest id of the offending statement
}

// Error implements the error interface.
func (e *RuleViolationError) Error() string {
	return fmt.Sprintf("BUSINESS_RULE_VIOLATION: rule %s: proposed total %s exceeds threshold %s (current %s, harvest %d)",
		e.RuleKey, e.Proposed, e.Threshold, e.Current, e.Key)
}

// IsRuleViolation reports whether err is a business-rule denial.
func IsRuleViolation(err error) bool {
	var rv *RuleViolationError
	return errors.As(err, &rv)
}

// Outcome is the write API's definitive answer. A caller is never left
// inferring success from side effects: Committed, Aborted with a reason, or
// StatusUnknown with the transaction id the recovery sweep will resolve.
type Outcome struct {
	TxID      string    `json:"tx_id"`
	State     TxnState  `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// TxnState is the coordinator-side state of one logical transaction.
type TxnState string

const (
	TxnActive     TxnState = "ACTIVE"
	TxnPreparing  TxnState = "PREPARING"
	TxnPrepared   TxnState = "PREPARED"
	TxnCommitting TxnState = "COMMITTING"
	TxnCommitted  TxnState = "COMMITTED"
	TxnAborting   TxnState = "ABORTING"
	TxnAborted    TxnState = "ABORTED"

	// TxnUnknown marks a decided transaction whose acknowledgements are still
	// outstanding; recovery will finish it.
	TxnUnknown TxnState = "UNKNOWN"
)
