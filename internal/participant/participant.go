// Package participant implements the node-side half of the commit protocol:
// it executes a transaction's statements against local state, votes at
// PREPARE, and applies or discards the outcome on instruction from the
// coordinator. Row locks are held from first execution until the local
// terminal state, which means a prepared transaction keeps blocking
// conflicting writers until it is resolved.
package participant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/furrowdb/furrow/internal/consistency"
	"github.com/furrowdb/furrow/internal/fact"
	"github.com/furrowdb/furrow/internal/lock"
	"github.com/furrowdb/furrow/internal/route"
	"github.com/furrowdb/furrow/internal/store"
)

// DefaultLockWait bounds how long a statement waits behind a conflicting
// transaction before the participant votes abort.
const DefaultLockWait = 3 * time.Second

// activeTxn holds an executed-but-not-yet-prepared transaction's buffered
// effects. Nothing in it has touched the database.
type activeTxn struct {
	changes []store.StagedChange
	audits  []fact.AuditRecord
}

// Manager is one node's participant.
type Manager struct {
	store    *store.Store
	locks    *lock.Manager
	engine   *consistency.Engine
	router   *route.Router
	log      *zap.Logger
	lockWait time.Duration

	mu     sync.Mutex
	active map[string]*activeTxn
}

func New(s *store.Store, r *route.Router, log *zap.Logger, lockWait time.Duration) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	return &Manager{
		store:    s,
		locks:    lock.NewManager(),
		engine:   consistency.NewEngine(s),
		router:   r,
		log:      log.With(zap.String("node", string(s.Node()))),
		lockWait: lockWait,
	}
}

func (m *Manager) Node() fact.NodeID {
	return m.store.Node()
}

// Exec runs the transaction's local statements: verifies every row belongs
// here, takes row locks, evaluates changes and the rule gate against
// committed state, and buffers the result for PREPARE. On any failure the
// locks are released and the error is the node's abort vote.
func (m *Manager) Exec(ctx context.Context, txID string, stmts []fact.Statement) error {
	if txID == "" {
		return fmt.Errorf("exec: empty transaction id")
	}
	if len(stmts) == 0 {
		return fmt.Errorf("exec %s: no statements", txID)
	}
	spec := fact.TransactionSpec{Statements: stmts}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("exec %s: %w", txID, err)
	}
	for _, stmt := range stmts {
		if err := m.router.CheckPlacement(stmt.Key(), m.store.Node()); err != nil {
			return fmt.Errorf("exec %s: %w", txID, err)
		}
	}

	m.mu.Lock()
	if _, ok := m.active[txID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("exec %s: transaction already executed on this node", txID)
	}
	m.mu.Unlock()

	// Locks are taken in key order so two transactions contending for the
	// same rows cannot deadlock against each other.
	keys := make([]int64, 0, len(stmts))
	for _, stmt := range stmts {
		keys = append(keys, stmt.Key())
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, key := range keys {
		if err := m.locks.Acquire(ctx, key, txID, m.lockWait); err != nil {
			m.locks.ReleaseAll(txID)
			if lock.IsTimeout(err) {
				m.log.Warn("lock wait exceeded, voting abort",
					zap.String("tx", txID),
					zap.Int64("key", key),
					zap.String("holder", lock.Holder(err)))
				return &fact.Error{
					Code:    fact.ErrCodeLockTimeout,
					Message: fmt.Sprintf("row %d held by %s", key, lock.Holder(err)),
					Node:    m.store.Node(),
					TxID:    txID,
					Key:     key,
				}
			}
			return fmt.Errorf("exec %s: %w", txID, err)
		}
	}

	changes, audits, err := m.engine.Evaluate(ctx, txID, stmts)
	if err != nil {
		m.locks.ReleaseAll(txID)
		return fmt.Errorf("exec %s: %w", txID, err)
	}

	m.mu.Lock()
	if m.active == nil {
		m.active = make(map[string]*activeTxn)
	}
	m.active[txID] = &activeTxn{changes: changes, audits: audits}
	m.mu.Unlock()

	m.log.Debug("transaction executed",
		zap.String("tx", txID),
		zap.Int("statements", len(stmts)))
	return nil
}

// Prepare makes the buffered transaction durable and returns the node's
// commit vote. A repeated Prepare for an already-prepared transaction
// succeeds without re-staging.
func (m *Manager) Prepare(ctx context.Context, txID string) error {
	m.mu.Lock()
	txn, ok := m.active[txID]
	if ok {
		delete(m.active, txID)
	}
	m.mu.Unlock()

	if !ok {
		status, err := m.store.StatusOf(ctx, txID)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", txID, err)
		}
		if status == fact.StatusPrepared {
			return nil // duplicate PREPARE
		}
		return &fact.Error{
			Code:    fact.ErrCodeUnknownTxn,
			Message: "prepare: transaction was not executed on this node",
			Node:    m.store.Node(),
			TxID:    txID,
		}
	}

	if err := m.store.StagePrepared(ctx, txID, txn.changes, txn.audits); err != nil {
		// The vote is abort; undo everything local.
		m.locks.ReleaseAll(txID)
		return fmt.Errorf("prepare %s: %w", txID, err)
	}
	m.log.Debug("transaction prepared", zap.String("tx", txID))
	return nil
}

// CommitPrepared applies a prepared transaction and releases its locks.
// Safe to retry: a transaction already committed reports applied=false.
func (m *Manager) CommitPrepared(ctx context.Context, txID string) (bool, error) {
	applied, err := m.store.CommitPrepared(ctx, txID)
	if err != nil {
		return false, err
	}
	m.locks.ReleaseAll(txID)
	if applied {
		m.log.Info("transaction committed", zap.String("tx", txID))
	}
	return applied, nil
}

// RollbackPrepared discards a prepared transaction and releases its locks.
// Unknown transactions roll back successfully (presumed abort).
func (m *Manager) RollbackPrepared(ctx context.Context, txID string) error {
	if err := m.store.RollbackPrepared(ctx, txID); err != nil {
		return err
	}
	m.locks.ReleaseAll(txID)
	m.log.Info("transaction rolled back", zap.String("tx", txID))
	return nil
}

// Abort discards an executed transaction that never reached PREPARE.
// Nothing was staged, so only the buffer and locks go.
func (m *Manager) Abort(_ context.Context, txID string) error {
	m.mu.Lock()
	delete(m.active, txID)
	m.mu.Unlock()
	m.locks.ReleaseAll(txID)
	return nil
}

// Recover re-arms the participant after a restart: every transaction still
// PREPARED on disk gets its row locks back, so conflicting writers stay
// blocked until the coordinator resolves it.
func (m *Manager) Recover(ctx context.Context) ([]fact.PreparedTxn, error) {
	pending, err := m.store.ListPrepared(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}
	for _, txn := range pending {
		keys, err := m.store.StagedKeys(ctx, txn.GlobalTxID)
		if err != nil {
			return nil, fmt.Errorf("recover %s: %w", txn.GlobalTxID, err)
		}
		for _, key := range keys {
			if err := m.locks.Acquire(ctx, key, txn.GlobalTxID, m.lockWait); err != nil {
				return nil, fmt.Errorf("recover %s: relock row %d: %w", txn.GlobalTxID, key, err)
			}
		}
		m.log.Warn("prepared transaction awaiting resolution",
			zap.String("tx", txn.GlobalTxID),
			zap.Int("rows", len(keys)))
	}
	return pending, nil
}

// Query returns this node's fragment rows matching the filter, ordered by id.
func (m *Manager) Query(ctx context.Context, q fact.Query) ([]fact.Harvest, error) {
	return m.store.QueryHarvests(ctx, q)
}

func (m *Manager) GetHarvest(ctx context.Context, id int64) (fact.Harvest, bool, error) {
	return m.store.GetHarvest(ctx, id)
}

// CropTotals returns this node's partial aggregates.
func (m *Manager) CropTotals(ctx context.Context) ([]fact.CropTotal, error) {
	return m.store.CropTotals(ctx)
}

func (m *Manager) DimensionChecksum(ctx context.Context, table string) (string, error) {
	return m.store.DimensionChecksum(ctx, table)
}

func (m *Manager) ListPrepared(ctx context.Context, pendingOnly bool) ([]fact.PreparedTxn, error) {
	return m.store.ListPrepared(ctx, pendingOnly)
}

func (m *Manager) GetRule(ctx context.Context, key string) (fact.Rule, bool, error) {
	return m.store.GetRule(ctx, key)
}

func (m *Manager) SetRule(ctx context.Context, r fact.Rule) error {
	return m.store.SetRule(ctx, r)
}

func (m *Manager) AuditTrail(ctx context.Context, subjectKey string) ([]fact.AuditRecord, error) {
	return m.store.AuditTrail(ctx, subjectKey)
}

func (m *Manager) UpsertField(ctx context.Context, f fact.Field) error {
	return m.store.UpsertField(ctx, f)
}

func (m *Manager) UpsertCrop(ctx context.Context, c fact.Crop) error {
	return m.store.UpsertCrop(ctx, c)
}

// Locks reports current lock holders and waiters for diagnostics.
func (m *Manager) Locks(_ context.Context) []lock.Info {
	return m.locks.Snapshot()
}

// VerifyIntegrity checks fragment placement and recomputes aggregates.
// Violations are reported, never repaired.
func (m *Manager) VerifyIntegrity(ctx context.Context) error {
	return m.store.CheckIntegrity(ctx, m.router.Owner)
}
