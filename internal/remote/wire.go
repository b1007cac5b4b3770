package remote

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/furrowdb/furrow/internal/fact"
)

// ruleViolationCode is the wire code for a business-rule denial. It is not a
// fact.ErrorCode because the violation carries its own richer type.
const ruleViolationCode = "BUSINESS_RULE_VIOLATION"

// ruleNotFoundCode marks a rule lookup that found nothing. The client link
// folds it back into the (rule, false, nil) absence form.
const ruleNotFoundCode = "RULE_NOT_FOUND"

// wireError is the JSON envelope a node returns on failure. It round-trips
// the structured error types so errors.As works on the calling side.
type wireError struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Node    fact.NodeID        `json:"node,omitempty"`
	TxID    string             `json:"tx_id,omitempty"`
	Key     int64              `json:"key,omitempty"`
	Rule    *wireRuleViolation `json:"rule,omitempty"`
}

type wireRuleViolation struct {
	RuleKey   string          `json:"rule_key"`
	Threshold decimal.Decimal `json:"threshold"`
	Current   decimal.Decimal `json:"current"`
	Proposed  decimal.Decimal `json:"proposed"`
	Key       int64           `json:"key"`
}

// encodeError flattens err into the wire envelope plus an HTTP status.
func encodeError(err error) (wireError, int) {
	var viol *fact.RuleViolationError
	if errors.As(err, &viol) {
		return wireError{
			Code:    ruleViolationCode,
			Message: viol.Error(),
			Rule: &wireRuleViolation{
				RuleKey:   viol.RuleKey,
				Threshold: viol.Threshold,
				Current:   viol.Current,
				Proposed:  viol.Proposed,
				Key:       viol.Key,
			},
		}, http.StatusUnprocessableEntity
	}

	var fe *fact.Error
	if errors.As(err, &fe) {
		return wireError{
			Code:    string(fe.Code),
			Message: fe.Message,
			Node:    fe.Node,
			TxID:    fe.TxID,
			Key:     fe.Key,
		}, statusForCode(fe.Code)
	}

	return wireError{Message: err.Error()}, http.StatusInternalServerError
}

func statusForCode(code fact.ErrorCode) int {
	switch code {
	case fact.ErrCodeUnknownTxn:
		return http.StatusNotFound
	case fact.ErrCodeLockTimeout:
		return http.StatusConflict
	case fact.ErrCodePrepareRejected:
		return http.StatusUnprocessableEntity
	case fact.ErrCodePartitionUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeError reconstructs the structured error the far side encoded.
func (w wireError) decodeError() error {
	if w.Rule != nil {
		return &fact.RuleViolationError{
			RuleKey:   w.Rule.RuleKey,
			Threshold: w.Rule.Threshold,
			Current:   w.Rule.Current,
			Proposed:  w.Rule.Proposed,
			Key:       w.Rule.Key,
		}
	}
	if w.Code != "" && w.Code != ruleViolationCode {
		return &fact.Error{
			Code:    fact.ErrorCode(w.Code),
			Message: w.Message,
			Node:    w.Node,
			TxID:    w.TxID,
			Key:     w.Key,
		}
	}
	return errors.New(w.Message)
}
