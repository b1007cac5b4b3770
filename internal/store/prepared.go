package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/furrowdb/furrow/internal/fact"
)

// StagedChange is one fact-row mutation held in the durable-but-invisible
// prepared state. Yield carries the post-statement value (unused for
// deletes); Delta is the signed effect on the crop's total.
type StagedChange struct {
	Seq       int
	Op        fact.Op
	HarvestID int64
	FieldID   int64
	CropID    int64
	Date      string
	Yield     decimal.Decimal
	Delta     decimal.Decimal
}

// StagePrepared durably records a transaction's staged changes and pending
// audit rows and creates the PREPARED record, all in one local SQLite
// transaction. After this returns, the participant's vote is binding: the
// effects survive a crash and only a coordinator instruction resolves them.
//
// Idempotent: re-preparing an already-PREPARED transaction is a no-op.
// Re-preparing a resolved transaction is a protocol error.
func (s *Store) StagePrepared(ctx context.Context, txID string, changes []StagedChange, audits []fact.AuditRecord) error {
	if txID == "" {
		return fmt.Errorf("stage prepared: empty transaction id")
	}
	if len(changes) == 0 {
		return fmt.Errorf("stage prepared %s: no changes", txID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stage prepared %s: begin: %w", txID, err)
	}
	defer tx.Rollback() // No-op if committed

	status, err := statusLocked(ctx, tx, txID)
	if err != nil {
		return fmt.Errorf("stage prepared %s: %w", txID, err)
	}
	switch status {
	case fact.StatusPrepared:
		return nil // duplicate PREPARE
	case fact.StatusCommitted, fact.StatusAborted:
		return fmt.Errorf("stage prepared %s: transaction already resolved as %s", txID, status)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO prepared_txns (global_tx_id, status, created_at)
		VALUES (?, ?, ?)
	`, txID, string(fact.StatusPrepared), s.now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("stage prepared %s: record: %w", txID, err)
	}

	for _, c := range changes {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO staged_changes
			(global_tx_id, seq, op, harvest_id, field_id, crop_id, harvest_date, yield_qty, delta)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, txID, c.Seq, string(c.Op), c.HarvestID, c.FieldID, c.CropID, c.Date, c.Yield.String(), c.Delta.String())
		if err != nil {
			return fmt.Errorf("stage prepared %s: change seq %d: %w", txID, c.Seq, err)
		}
	}

	for i, a := range audits {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO staged_audit
			(audit_id, global_tx_id, seq, subject_key, op, before_value, after_value)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, a.AuditID, txID, i, a.SubjectKey, string(a.Op), a.Before.String(), a.After.String())
		if err != nil {
			return fmt.Errorf("stage prepared %s: audit seq %d: %w", txID, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stage prepared %s: commit: %w", txID, err)
	}
	return nil
}

// CommitPrepared applies a prepared transaction's staged changes to the live
// tables: fact rows, crop totals and the audit log move together in one local
// SQLite transaction, and the record flips to COMMITTED.
//
// Returns applied=false (and no error) when the transaction was already
// COMMITTED, so retried coordinator instructions are safe. Committing an
// ABORTED or unknown transaction is an error: those effects do not exist.
func (s *Store) CommitPrepared(ctx context.Context, txID string) (applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("commit prepared %s: begin: %w", txID, err)
	}
	defer tx.Rollback()

	status, err := statusLocked(ctx, tx, txID)
	if err != nil {
		return false, fmt.Errorf("commit prepared %s: %w", txID, err)
	}
	switch status {
	case fact.StatusNone:
		return false, &fact.Error{Code: fact.ErrCodeUnknownTxn, Message: "commit prepared: no such transaction", TxID: txID, Node: s.node}
	case fact.StatusCommitted:
		return false, nil // duplicate COMMIT PREPARED
	case fact.StatusAborted:
		return false, fmt.Errorf("commit prepared %s: transaction already rolled back", txID)
	}

	changes, err := stagedChangesLocked(ctx, tx, txID)
	if err != nil {
		return false, fmt.Errorf("commit prepared %s: %w", txID, err)
	}

	for _, c := range changes {
		switch c.Op {
		case fact.OpInsert:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO harvests (id, field_id, crop_id, harvest_date, yield_qty)
				VALUES (?, ?, ?, ?, ?)
			`, c.HarvestID, c.FieldID, c.CropID, c.Date, c.Yield.String())
		case fact.OpUpdate:
			err = execExpectingRow(ctx, tx, `
				UPDATE harvests SET yield_qty = ? WHERE id = ?
			`, c.Yield.String(), c.HarvestID)
		case fact.OpDelete:
			err = execExpectingRow(ctx, tx, `
				DELETE FROM harvests WHERE id = ?
			`, c.HarvestID)
		default:
			err = fmt.Errorf("unknown staged op %q", c.Op)
		}
		if err != nil {
			return false, fmt.Errorf("commit prepared %s: apply seq %d: %w", txID, c.Seq, err)
		}

		if err := applyDelta(ctx, tx, c.CropID, c.Delta); err != nil {
			return false, fmt.Errorf("commit prepared %s: seq %d: %w", txID, c.Seq, err)
		}
	}

	// The audit rows become visible exactly now, with commit time.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, tx_id, subject_key, op, before_value, after_value, recorded_at)
		SELECT audit_id, global_tx_id, subject_key, op, before_value, after_value, ?
		FROM staged_audit
		WHERE global_tx_id = ?
		ORDER BY seq ASC
	`, s.now().UTC().Format(timeFormat), txID)
	if err != nil {
		return false, fmt.Errorf("commit prepared %s: publish audit: %w", txID, err)
	}

	if err := discardStagingLocked(ctx, tx, txID); err != nil {
		return false, fmt.Errorf("commit prepared %s: %w", txID, err)
	}
	if err := resolveLocked(ctx, tx, txID, fact.StatusCommitted, s.now()); err != nil {
		return false, fmt.Errorf("commit prepared %s: %w", txID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit prepared %s: commit: %w", txID, err)
	}
	return true, nil
}

// RollbackPrepared discards a prepared transaction's staged changes and marks
// the record ABORTED.
//
// Idempotent, and forgiving of transactions this node never prepared: a
// rollback instruction for an unknown transaction succeeds (presumed abort
// costs nothing). Rolling back a COMMITTED transaction is an error.
func (s *Store) RollbackPrepared(ctx context.Context, txID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rollback prepared %s: begin: %w", txID, err)
	}
	defer tx.Rollback()

	status, err := statusLocked(ctx, tx, txID)
	if err != nil {
		return fmt.Errorf("rollback prepared %s: %w", txID, err)
	}
	switch status {
	case fact.StatusNone, fact.StatusAborted:
		return nil
	case fact.StatusCommitted:
		return fmt.Errorf("rollback prepared %s: transaction already committed", txID)
	}

	if err := discardStagingLocked(ctx, tx, txID); err != nil {
		return fmt.Errorf("rollback prepared %s: %w", txID, err)
	}
	if err := resolveLocked(ctx, tx, txID, fact.StatusAborted, s.now()); err != nil {
		return fmt.Errorf("rollback prepared %s: %w", txID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rollback prepared %s: commit: %w", txID, err)
	}
	return nil
}

// StatusOf reports a transaction's durable status on this node.
func (s *Store) StatusOf(ctx context.Context, txID string) (fact.TxnStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM prepared_txns WHERE global_tx_id = ?
	`, txID).Scan(&status)
	if err == sql.ErrNoRows {
		return fact.StatusNone, nil
	}
	if err != nil {
		return fact.StatusNone, fmt.Errorf("status of %s: %w", txID, err)
	}
	return fact.TxnStatus(status), nil
}

// ListPrepared returns prepared-transaction records, oldest first. With
// pendingOnly, only records still stuck in PREPARED — the recovery sweep's
// worklist — are returned.
func (s *Store) ListPrepared(ctx context.Context, pendingOnly bool) ([]fact.PreparedTxn, error) {
	query := `
		SELECT global_tx_id, status, created_at FROM prepared_txns
	`
	if pendingOnly {
		query += ` WHERE status = 'PREPARED'`
	}
	query += ` ORDER BY created_at ASC, global_tx_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list prepared: %w", err)
	}
	defer rows.Close()

	var records []fact.PreparedTxn
	for rows.Next() {
		var rec fact.PreparedTxn
		var status, createdAt string
		if err := rows.Scan(&rec.GlobalTxID, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan prepared record: %w", err)
		}
		rec.Status = fact.TxnStatus(status)
		rec.Node = s.node
		if rec.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("prepared %s: bad timestamp: %w", rec.GlobalTxID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prepared records: %w", err)
	}
	if records == nil {
		records = []fact.PreparedTxn{}
	}
	return records, nil
}

// StagedKeys returns the harvest ids a prepared transaction touches. The
// participant re-acquires these row locks during startup recovery, because a
// PREPARED transaction keeps blocking other writers until resolved.
func (s *Store) StagedKeys(ctx context.Context, txID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT harvest_id FROM staged_changes WHERE global_tx_id = ? ORDER BY seq ASC
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("staged keys %s: %w", txID, err)
	}
	defer rows.Close()

	var keys []int64
	for rows.Next() {
		var k int64
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("staged keys %s: scan: %w", txID, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("staged keys %s: %w", txID, err)
	}
	if keys == nil {
		keys = []int64{}
	}
	return keys, nil
}

func statusLocked(ctx context.Context, tx *sql.Tx, txID string) (fact.TxnStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `
		SELECT status FROM prepared_txns WHERE global_tx_id = ?
	`, txID).Scan(&status)
	if err == sql.ErrNoRows {
		return fact.StatusNone, nil
	}
	if err != nil {
		return fact.StatusNone, fmt.Errorf("read status: %w", err)
	}
	return fact.TxnStatus(status), nil
}

func stagedChangesLocked(ctx context.Context, tx *sql.Tx, txID string) ([]StagedChange, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, op, harvest_id, field_id, crop_id, harvest_date, yield_qty, delta
		FROM staged_changes
		WHERE global_tx_id = ?
		ORDER BY seq ASC
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("read staged changes: %w", err)
	}
	defer rows.Close()

	var changes []StagedChange
	for rows.Next() {
		var c StagedChange
		var op, yield, delta string
		if err := rows.Scan(&c.Seq, &op, &c.HarvestID, &c.FieldID, &c.CropID, &c.Date, &yield, &delta); err != nil {
			return nil, fmt.Errorf("scan staged change: %w", err)
		}
		c.Op = fact.Op(op)
		if c.Yield, err = parseDecimal(yield); err != nil {
			return nil, fmt.Errorf("staged seq %d: %w", c.Seq, err)
		}
		if c.Delta, err = parseDecimal(delta); err != nil {
			return nil, fmt.Errorf("staged seq %d: %w", c.Seq, err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate staged changes: %w", err)
	}
	return changes, nil
}

func discardStagingLocked(ctx context.Context, tx *sql.Tx, txID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_audit WHERE global_tx_id = ?`, txID); err != nil {
		return fmt.Errorf("discard staged audit: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_changes WHERE global_tx_id = ?`, txID); err != nil {
		return fmt.Errorf("discard staged changes: %w", err)
	}
	return nil
}

func resolveLocked(ctx context.Context, tx *sql.Tx, txID string, terminal fact.TxnStatus, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE prepared_txns SET status = ?, resolved_at = ? WHERE global_tx_id = ?
	`, string(terminal), now.UTC().Format(timeFormat), txID)
	if err != nil {
		return fmt.Errorf("resolve as %s: %w", terminal, err)
	}
	return nil
}

// execExpectingRow runs a statement that must touch exactly one existing row.
// Zero rows means the staged change no longer matches the live table, which
// indicates corruption rather than a protocol race (locks prevent those).
func execExpectingRow(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row affected, got %d", n)
	}
	return nil
}
