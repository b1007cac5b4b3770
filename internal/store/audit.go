package store

import (
	"context"
	"fmt"
	"time"

	"github.com/furrowdb/furrow/internal/fact"
)

// AuditTrail returns committed audit records, newest last. Pass subjectKey ==
// "" for the full trail. The table is append-only: records exist only for
// committed statements and are never rewritten.
func (s *Store) AuditTrail(ctx context.Context, subjectKey string) ([]fact.AuditRecord, error) {
	query := `
		SELECT audit_id, tx_id, subject_key, op, before_value, after_value, recorded_at
		FROM audit_log
	`
	var args []any
	if subjectKey != "" {
		query += " WHERE subject_key = ?"
		args = append(args, subjectKey)
	}
	query += " ORDER BY recorded_at ASC, audit_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var records []fact.AuditRecord
	for rows.Next() {
		var rec fact.AuditRecord
		var op, before, after, recordedAt string
		if err := rows.Scan(&rec.AuditID, &rec.TxID, &rec.SubjectKey, &op, &before, &after, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Op = fact.Op(op)
		if rec.Before, err = parseDecimal(before); err != nil {
			return nil, fmt.Errorf("audit %s: %w", rec.AuditID, err)
		}
		if rec.After, err = parseDecimal(after); err != nil {
			return nil, fmt.Errorf("audit %s: %w", rec.AuditID, err)
		}
		if rec.RecordedAt, err = time.Parse(timeFormat, recordedAt); err != nil {
			return nil, fmt.Errorf("audit %s: bad timestamp: %w", rec.AuditID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	if records == nil {
		records = []fact.AuditRecord{}
	}
	return records, nil
}

// AuditCountForTx reports how many audit records a transaction committed.
// Used by tests to prove exactly-once auditing under retried instructions.
func (s *Store) AuditCountForTx(ctx context.Context, txID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_log WHERE tx_id = ?
	`, txID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit for tx %s: %w", txID, err)
	}
	return count, nil
}
