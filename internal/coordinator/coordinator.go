// Package coordinator drives the two-phase commit protocol across both
// nodes. It owns the global transaction lifecycle: fan out execution, gather
// prepare votes, make the commit decision durable, then push the decision to
// every participant until acknowledged. The decision log, not any
// participant, is the authority on what a transaction's outcome is.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/furrowdb/furrow/internal/fact"
	"github.com/furrowdb/furrow/internal/remote"
	"github.com/furrowdb/furrow/internal/route"
)

const (
	DefaultPrepareTimeout = 5 * time.Second
	DefaultRetryInterval  = 100 * time.Millisecond

	// commitAttempts bounds how often Submit retries an unacknowledged
	// commit before handing the transaction to the recovery sweep.
	commitAttempts = 3
)

// Coordinator runs global transactions over a fixed pair of participants.
type Coordinator struct {
	router *route.Router
	links  map[fact.NodeID]remote.Link
	dlog   *DecisionLog
	log    *zap.Logger

	prepareTimeout time.Duration
	retryInterval  time.Duration
	newTxID        func() string
}

func New(router *route.Router, links []remote.Link, dlog *DecisionLog, log *zap.Logger) (*Coordinator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	byNode := make(map[fact.NodeID]remote.Link, len(links))
	for _, l := range links {
		if !router.Contains(l.Node()) {
			return nil, fmt.Errorf("coordinator: link for unrouted node %q", l.Node())
		}
		byNode[l.Node()] = l
	}
	for _, n := range router.Nodes() {
		if _, ok := byNode[n]; !ok {
			return nil, fmt.Errorf("coordinator: no link for node %q", n)
		}
	}
	return &Coordinator{
		router:         router,
		links:          byNode,
		dlog:           dlog,
		log:            log,
		prepareTimeout: DefaultPrepareTimeout,
		retryInterval:  DefaultRetryInterval,
		newTxID:        uuid.NewString,
	}, nil
}

// SetPrepareTimeout bounds the voting phase.
func (c *Coordinator) SetPrepareTimeout(d time.Duration) { c.prepareTimeout = d }

// SetRetryInterval sets the pause between commit delivery attempts.
func (c *Coordinator) SetRetryInterval(d time.Duration) { c.retryInterval = d }

// Submit runs one global transaction end to end and reports its definitive
// outcome. Abort outcomes carry the refusing error; an outcome in state
// UNKNOWN means the commit was decided but not yet acknowledged everywhere,
// and the recovery sweep will finish delivery.
func (c *Coordinator) Submit(ctx context.Context, spec fact.TransactionSpec) (fact.Outcome, error) {
	if err := spec.Validate(); err != nil {
		return fact.Outcome{}, fmt.Errorf("submit: %w", err)
	}

	txID := c.newTxID()
	log := c.log.With(zap.String("tx", txID))

	// Group the statements by owning node. Single-node transactions still
	// run the full protocol; the prepared state is what recovery hooks into.
	shares := make(map[fact.NodeID][]fact.Statement)
	for _, stmt := range spec.Statements {
		n := c.router.Owner(stmt.Key())
		shares[n] = append(shares[n], stmt)
	}
	participants := make([]fact.NodeID, 0, len(shares))
	for _, n := range c.router.Nodes() {
		if _, ok := shares[n]; ok {
			participants = append(participants, n)
		}
	}

	// Execution phase.
	executed := make([]fact.NodeID, 0, len(participants))
	for _, n := range participants {
		if err := c.links[n].Exec(ctx, txID, shares[n]); err != nil {
			log.Info("execution refused, aborting",
				zap.String("node", string(n)), zap.Error(err))
			c.abortAll(ctx, txID, executed, nil)
			return c.aborted(txID, err), err
		}
		executed = append(executed, n)
	}

	// Voting phase. Any failure or timeout is an abort vote.
	prepareCtx, cancel := context.WithTimeout(ctx, c.prepareTimeout)
	defer cancel()

	prepared := make([]fact.NodeID, 0, len(participants))
	for _, n := range participants {
		if err := c.links[n].Prepare(prepareCtx, txID); err != nil {
			log.Info("prepare vote failed, aborting",
				zap.String("node", string(n)), zap.Error(err))
			rest := participants[len(prepared):]
			c.abortAll(ctx, txID, rest, prepared)
			// A timed-out prepare may still have landed on the failing
			// node; rollback is a forgiving no-op when it did not.
			for _, m := range rest {
				if err := c.links[m].RollbackPrepared(ctx, txID); err != nil {
					c.log.Warn("rollback delivery failed",
						zap.String("tx", txID), zap.String("node", string(m)), zap.Error(err))
				}
			}
			return c.aborted(txID, err), err
		}
		prepared = append(prepared, n)
	}

	// Decision point. Once this record is durable the transaction is
	// committed, no matter what the delivery below runs into.
	if err := c.dlog.RecordCommit(txID, participants); err != nil {
		log.Error("decision log write failed, aborting", zap.Error(err))
		c.abortAll(ctx, txID, nil, prepared)
		return c.aborted(txID, err), err
	}

	if err := c.deliverCommit(ctx, txID, participants); err != nil {
		log.Warn("commit decided but not fully acknowledged", zap.Error(err))
		outcome := fact.Outcome{
			TxID:      txID,
			State:     fact.TxnUnknown,
			Reason:    "commit decided; delivery incomplete",
			DecidedAt: time.Now().UTC(),
		}
		return outcome, &fact.Error{
			Code:    fact.ErrCodeCommitTimeout,
			Message: "commit decided but not acknowledged by every node",
			TxID:    txID,
		}
	}

	log.Info("transaction committed", zap.Int("participants", len(participants)))
	return fact.Outcome{
		TxID:      txID,
		State:     fact.TxnCommitted,
		DecidedAt: time.Now().UTC(),
	}, nil
}

func (c *Coordinator) aborted(txID string, cause error) fact.Outcome {
	return fact.Outcome{
		TxID:      txID,
		State:     fact.TxnAborted,
		Reason:    cause.Error(),
		DecidedAt: time.Now().UTC(),
	}
}

// abortAll tears a transaction down: plain aborts for nodes that only
// executed, rollbacks for nodes that already prepared. Failures here are
// logged, not returned; presumed abort means a missed rollback resolves
// itself on the next recovery sweep.
func (c *Coordinator) abortAll(ctx context.Context, txID string, executed, prepared []fact.NodeID) {
	for _, n := range executed {
		if err := c.links[n].Abort(ctx, txID); err != nil {
			c.log.Warn("abort delivery failed",
				zap.String("tx", txID), zap.String("node", string(n)), zap.Error(err))
		}
	}
	for _, n := range prepared {
		if err := c.links[n].RollbackPrepared(ctx, txID); err != nil {
			c.log.Warn("rollback delivery failed",
				zap.String("tx", txID), zap.String("node", string(n)), zap.Error(err))
		}
	}
}

// deliverCommit pushes COMMIT PREPARED to every participant, retrying each
// until acknowledged or attempts run out. Acked participants drop out of the
// retry set, so duplicate instructions only go to nodes that never answered.
func (c *Coordinator) deliverCommit(ctx context.Context, txID string, participants []fact.NodeID) error {
	remaining := append([]fact.NodeID(nil), participants...)

	for attempt := 0; attempt < commitAttempts && len(remaining) > 0; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		var unacked []fact.NodeID
		for _, n := range remaining {
			if err := c.links[n].CommitPrepared(ctx, txID); err != nil {
				c.log.Warn("commit delivery failed",
					zap.String("tx", txID),
					zap.String("node", string(n)),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
				unacked = append(unacked, n)
			}
		}
		remaining = unacked
	}

	if len(remaining) > 0 {
		return fmt.Errorf("commit %s unacknowledged by %v", txID, remaining)
	}
	return c.dlog.MarkResolved(txID)
}

// Resolve pushes the logged outcome for one prepared transaction: commit if
// a decision exists, rollback otherwise.
func (c *Coordinator) Resolve(ctx context.Context, txID string) (fact.TxnState, error) {
	decision, committed, err := c.dlog.Get(txID)
	if err != nil {
		return fact.TxnUnknown, err
	}

	if !committed {
		// Presumed abort: no decision record means nobody was ever told to
		// commit, so rollback is safe everywhere.
		for _, n := range c.router.Nodes() {
			if err := c.links[n].RollbackPrepared(ctx, txID); err != nil {
				return fact.TxnUnknown, fmt.Errorf("resolve %s: rollback on %s: %w", txID, n, err)
			}
		}
		return fact.TxnAborted, nil
	}

	if err := c.deliverCommit(ctx, txID, decision.Participants); err != nil {
		return fact.TxnUnknown, err
	}
	return fact.TxnCommitted, nil
}

// Recover sweeps both nodes for prepared transactions and resolves each one
// against the decision log. Run at coordinator startup and whenever a node
// rejoins; it is idempotent and safe to run while traffic flows.
func (c *Coordinator) Recover(ctx context.Context) error {
	seen := make(map[string]bool)

	// Finish any decided-but-unacked commits first: their participants are
	// recorded, so this works even if a node's prepared list is unreachable.
	unresolved, err := c.dlog.Unresolved()
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for _, d := range unresolved {
		c.log.Info("recovery: finishing decided commit", zap.String("tx", d.TxID))
		if err := c.deliverCommit(ctx, d.TxID, d.Participants); err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		seen[d.TxID] = true
	}

	for _, n := range c.router.Nodes() {
		pending, err := c.links[n].ListPrepared(ctx, true)
		if err != nil {
			return fmt.Errorf("recover: list prepared on %s: %w", n, err)
		}
		for _, txn := range pending {
			if seen[txn.GlobalTxID] {
				continue
			}
			seen[txn.GlobalTxID] = true

			state, err := c.Resolve(ctx, txn.GlobalTxID)
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			c.log.Info("recovery: resolved prepared transaction",
				zap.String("tx", txn.GlobalTxID),
				zap.String("state", string(state)),
				zap.String("node", string(n)))
		}
	}
	return nil
}
