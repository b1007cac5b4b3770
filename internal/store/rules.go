package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/furrowdb/furrow/internal/fact"
)

// GetRule reads a business rule. The bool reports whether the rule is
// configured at all; the gate fails open for unconfigured keys.
func (s *Store) GetRule(ctx context.Context, key string) (fact.Rule, bool, error) {
	var r fact.Rule
	var threshold string
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT rule_key, threshold, active, description
		FROM business_rules
		WHERE rule_key = ?
	`, key).Scan(&r.Key, &threshold, &active, &r.Description)
	if err == sql.ErrNoRows {
		return fact.Rule{}, false, nil
	}
	if err != nil {
		return fact.Rule{}, false, fmt.Errorf("get rule %s: %w", key, err)
	}

	if r.Threshold, err = parseDecimal(threshold); err != nil {
		return fact.Rule{}, false, fmt.Errorf("rule %s: %w", key, err)
	}
	r.Active = active != 0
	return r, true, nil
}

// SetRule creates or replaces a business rule. The change takes effect for
// transactions that begin after this commit; in-flight transactions keep the
// rule state they read at execution time.
func (s *Store) SetRule(ctx context.Context, r fact.Rule) error {
	if r.Key == "" {
		return fmt.Errorf("set rule: key must be non-empty")
	}
	if r.Threshold.IsNegative() {
		return fmt.Errorf("set rule %s: threshold must be >= 0, got %s", r.Key, r.Threshold)
	}

	active := 0
	if r.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO business_rules (rule_key, threshold, active, description)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(rule_key) DO UPDATE SET
			threshold = excluded.threshold,
			active = excluded.active,
			description = excluded.description
	`, r.Key, r.Threshold.String(), active, r.Description)
	if err != nil {
		return fmt.Errorf("set rule %s: %w", r.Key, err)
	}
	return nil
}

// ListRules returns all configured rules ordered by key.
func (s *Store) ListRules(ctx context.Context) ([]fact.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_key, threshold, active, description
		FROM business_rules
		ORDER BY rule_key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var rules []fact.Rule
	for rows.Next() {
		var r fact.Rule
		var threshold string
		var active int
		if err := rows.Scan(&r.Key, &threshold, &active, &r.Description); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if r.Threshold, err = parseDecimal(threshold); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Key, err)
		}
		r.Active = active != 0
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	if rules == nil {
		rules = []fact.Rule{}
	}
	return rules, nil
}
