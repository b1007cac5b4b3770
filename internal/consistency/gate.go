package consistency

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/furrowdb/furrow/internal/fact"
)

// RuleReader looks up a configured business rule by subject key.
type RuleReader interface {
	GetRule(ctx context.Context, key string) (fact.Rule, bool, error)
}

// Gate decides whether a projected aggregate value is admissible under the
// configured business rules.
//
// The gate fails open: an unconfigured or inactive rule admits everything.
// Only an active rule whose threshold the projected value strictly exceeds
// produces a violation.
type Gate struct {
	rules RuleReader
}

func NewGate(rules RuleReader) *Gate {
	return &Gate{rules: rules}
}

// Check admits or rejects the projected value for the given subject key.
// statementKey identifies the row whose mutation drove the projection and is
// carried into the violation for diagnostics.
func (g *Gate) Check(ctx context.Context, key string, current, proposed decimal.Decimal, statementKey int64) error {
	rule, ok, err := g.rules.GetRule(ctx, key)
	if err != nil {
		return fmt.Errorf("gate check %s: %w", key, err)
	}
	if !ok || !rule.Active {
		return nil
	}
	if proposed.GreaterThan(rule.Threshold) {
		return &fact.RuleViolationError{
			RuleKey:   key,
			Threshold: rule.Threshold,
			Current:   current,
			Proposed:  proposed,
			Key:       statementKey,
		}
	}
	return nil
}
