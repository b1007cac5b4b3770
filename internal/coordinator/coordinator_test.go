package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/furrowdb/furrow/internal/fact"
	"github.com/furrowdb/furrow/internal/remote"
	"github.com/furrowdb/furrow/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// failingCommitLink refuses the first n commit instructions, then behaves.
type failingCommitLink struct {
	remote.Link
	failures int
}

func (f *failingCommitLink) CommitPrepared(ctx context.Context, txID string) error {
	if f.failures > 0 {
		f.failures--
		return &fact.Error{
			Code:    fact.ErrCodePartitionUnavailable,
			Message: "injected outage",
			Node:    f.Link.Node(),
		}
	}
	return f.Link.CommitPrepared(ctx, txID)
}

func newCoordinator(t *testing.T, c *testutil.Cluster, links []remote.Link) *Coordinator {
	t.Helper()
	dlog, err := OpenDecisionLog(filepath.Join(t.TempDir(), "decisions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dlog.Close() })

	coord, err := New(c.Router, links, dlog, zap.NewNop())
	require.NoError(t, err)
	coord.SetRetryInterval(10 * time.Millisecond)
	return coord
}

func crossNodeSpec(yieldEven, yieldOdd int64) fact.TransactionSpec {
	return fact.TransactionSpec{Statements: []fact.Statement{
		testutil.Insert(4, 7, "2026-06-01", yieldEven),
		testutil.Insert(5, 7, "2026-06-02", yieldOdd),
	}}
}

func TestSubmit_CommitsAcrossBothNodes(t *testing.T) {
	c := testutil.NewCluster(t)
	coord := newCoordinator(t, c, c.Links())
	ctx := context.Background()

	outcome, err := coord.Submit(ctx, crossNodeSpec(300, 200))
	require.NoError(t, err)
	require.Equal(t, fact.TxnCommitted, outcome.State)
	require.NotEmpty(t, outcome.TxID)

	// Each node holds exactly its own fragment.
	for n, wantID := range map[fact.NodeID]int64{testutil.NodeAlpha: 4, testutil.NodeBravo: 5} {
		h, exists, err := c.Participant(n).GetHarvest(ctx, wantID)
		require.NoError(t, err)
		require.True(t, exists, "harvest %d missing on %s", wantID, n)
		require.Equal(t, wantID, h.ID)
		require.Empty(t, c.Participant(n).Locks(ctx))
	}

	// One audit record per statement, tied to the global transaction id.
	for n := range map[fact.NodeID]int64{testutil.NodeAlpha: 4, testutil.NodeBravo: 5} {
		trail, err := c.Participant(n).AuditTrail(ctx, fact.CropRuleKey(7))
		require.NoError(t, err)
		require.Len(t, trail, 1)
		require.Equal(t, outcome.TxID, trail[0].TxID)
	}

	d, ok, err := coord.dlog.Get(outcome.TxID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, d.Resolved)
}

func TestSubmit_SingleNodeTransactionStillRunsProtocol(t *testing.T) {
	c := testutil.NewCluster(t)
	coord := newCoordinator(t, c, c.Links())
	ctx := context.Background()

	outcome, err := coord.Submit(ctx, fact.TransactionSpec{Statements: []fact.Statement{
		testutil.Insert(4, 7, "2026-06-01", 300),
	}})
	require.NoError(t, err)
	require.Equal(t, fact.TxnCommitted, outcome.State)

	// The decision is durable even for the single-participant case.
	_, ok, err := coord.dlog.Get(outcome.TxID)
	require.NoError(t, err)
	require.True(t, ok)

	status, err := c.Store(testutil.NodeAlpha).StatusOf(ctx, outcome.TxID)
	require.NoError(t, err)
	require.Equal(t, fact.StatusCommitted, status)
}

func TestSubmit_RuleViolationAbortsEverywhere(t *testing.T) {
	c := testutil.NewCluster(t)
	coord := newCoordinator(t, c, c.Links())
	ctx := context.Background()

	// Cap crop 7 on bravo only; the violation there must abort alpha's
	// share too.
	require.NoError(t, c.Participant(testutil.NodeBravo).SetRule(ctx, fact.Rule{
		Key: fact.CropRuleKey(7), Threshold: decimal.NewFromInt(100), Active: true,
	}))

	outcome, err := coord.Submit(ctx, crossNodeSpec(300, 200))
	require.Error(t, err)
	require.True(t, fact.IsRuleViolation(err))
	require.Equal(t, fact.TxnAborted, outcome.State)
	require.NotEmpty(t, outcome.Reason)

	for _, n := range c.Router.Nodes() {
		p := c.Participant(n)
		rows, err := p.Query(ctx, fact.Query{})
		require.NoError(t, err)
		require.Empty(t, rows, "node %s kept aborted rows", n)
		require.Empty(t, p.Locks(ctx), "node %s kept aborted locks", n)

		trail, err := p.AuditTrail(ctx, "")
		require.NoError(t, err)
		require.Empty(t, trail, "aborted transaction left audit rows on %s", n)
	}

	// No commit decision was ever logged.
	_, ok, err := coord.dlog.Get(outcome.TxID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubmit_GateFollowsRuleLifecycle(t *testing.T) {
	c := testutil.NewCluster(t)
	coord := newCoordinator(t, c, c.Links())
	ctx := context.Background()
	alpha := c.Participant(testutil.NodeAlpha)

	setRule := func(active bool) {
		require.NoError(t, alpha.SetRule(ctx, fact.Rule{
			Key: fact.CropRuleKey(7), Threshold: decimal.NewFromInt(450), Active: active,
		}))
	}
	total := func() string {
		got, err := c.Store(testutil.NodeAlpha).CropTotal(ctx, 7)
		require.NoError(t, err)
		return got.String()
	}

	setRule(true)

	// Under the cap: commits.
	_, err := coord.Submit(ctx, fact.TransactionSpec{Statements: []fact.Statement{
		testutil.Insert(2, 7, "2026-06-01", 300),
	}})
	require.NoError(t, err)
	require.Equal(t, "300", total())

	// Would push the total past the cap: denied, total unchanged.
	outcome, err := coord.Submit(ctx, fact.TransactionSpec{Statements: []fact.Statement{
		testutil.Insert(4, 7, "2026-06-02", 500),
	}})
	require.True(t, fact.IsRuleViolation(err))
	require.Equal(t, fact.TxnAborted, outcome.State)
	require.Equal(t, "300", total())

	// Deactivating the rule reopens the gate.
	setRule(false)
	_, err = coord.Submit(ctx, fact.TransactionSpec{Statements: []fact.Statement{
		testutil.Insert(4, 7, "2026-06-02", 500),
	}})
	require.NoError(t, err)
	require.Equal(t, "800", total())

	// Reactivated rule applies to new mutations against the grown total.
	setRule(true)
	_, err = coord.Submit(ctx, fact.TransactionSpec{Statements: []fact.Statement{
		{Op: fact.OpUpdate, ID: 2, NewYield: decimal.NewFromInt(1000)},
	}})
	require.True(t, fact.IsRuleViolation(err))
	require.Equal(t, "800", total())
}

func TestSubmit_CommitDeliveryOutage(t *testing.T) {
	c := testutil.NewCluster(t)
	links := c.Links()
	flaky := &failingCommitLink{Link: links[1], failures: 100}
	links[1] = flaky
	coord := newCoordinator(t, c, links)
	ctx := context.Background()

	outcome, err := coord.Submit(ctx, crossNodeSpec(300, 200))
	require.Error(t, err)
	require.True(t, fact.IsCommitTimeout(err))
	require.Equal(t, fact.TxnUnknown, outcome.State, "a decided commit must never read as aborted")

	// Alpha already applied; bravo is stuck prepared.
	_, exists, err := c.Participant(testutil.NodeAlpha).GetHarvest(ctx, 4)
	require.NoError(t, err)
	require.True(t, exists)
	status, err := c.Store(testutil.NodeBravo).StatusOf(ctx, outcome.TxID)
	require.NoError(t, err)
	require.Equal(t, fact.StatusPrepared, status)

	// Outage ends; the sweep finishes delivery.
	flaky.failures = 0
	require.NoError(t, coord.Recover(ctx))

	_, exists, err = c.Participant(testutil.NodeBravo).GetHarvest(ctx, 5)
	require.NoError(t, err)
	require.True(t, exists)
	require.Empty(t, c.Participant(testutil.NodeBravo).Locks(ctx))

	d, ok, err := coord.dlog.Get(outcome.TxID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, d.Resolved)
}

func TestRecover_CommitsDecidedTransaction(t *testing.T) {
	c := testutil.NewCluster(t)
	coord := newCoordinator(t, c, c.Links())
	ctx := context.Background()

	// Coordinator "crashed" after logging the decision but before telling
	// anyone: both nodes sit prepared, the log says commit.
	spec := crossNodeSpec(300, 200)
	for _, n := range c.Router.Nodes() {
		var share []fact.Statement
		for _, stmt := range spec.Statements {
			if c.Router.Owner(stmt.Key()) == n {
				share = append(share, stmt)
			}
		}
		require.NoError(t, c.Participant(n).Exec(ctx, "tx-crash", share))
		require.NoError(t, c.Participant(n).Prepare(ctx, "tx-crash"))
	}
	require.NoError(t, coord.dlog.RecordCommit("tx-crash", c.Router.Nodes()))

	require.NoError(t, coord.Recover(ctx))

	for n, wantID := range map[fact.NodeID]int64{testutil.NodeAlpha: 4, testutil.NodeBravo: 5} {
		_, exists, err := c.Participant(n).GetHarvest(ctx, wantID)
		require.NoError(t, err)
		require.True(t, exists, "decided commit not applied on %s", n)
	}
}

func TestRecover_RollsBackUndecidedTransaction(t *testing.T) {
	c := testutil.NewCluster(t)
	coord := newCoordinator(t, c, c.Links())
	ctx := context.Background()

	// Crash before the decision: prepared on both nodes, log empty.
	for _, n := range c.Router.Nodes() {
		stmt := testutil.Insert(4, 7, "2026-06-01", 300)
		if n == testutil.NodeBravo {
			stmt = testutil.Insert(5, 7, "2026-06-02", 200)
		}
		require.NoError(t, c.Participant(n).Exec(ctx, "tx-crash", []fact.Statement{stmt}))
		require.NoError(t, c.Participant(n).Prepare(ctx, "tx-crash"))
	}

	require.NoError(t, coord.Recover(ctx))

	for _, n := range c.Router.Nodes() {
		rows, err := c.Participant(n).Query(ctx, fact.Query{})
		require.NoError(t, err)
		require.Empty(t, rows, "undecided transaction applied on %s", n)
		require.Empty(t, c.Participant(n).Locks(ctx))

		status, err := c.Store(n).StatusOf(ctx, "tx-crash")
		require.NoError(t, err)
		require.Equal(t, fact.StatusAborted, status)
	}
}

func TestResolve_UnknownTransactionAborts(t *testing.T) {
	c := testutil.NewCluster(t)
	coord := newCoordinator(t, c, c.Links())

	state, err := coord.Resolve(context.Background(), "tx-nobody-knows")
	require.NoError(t, err)
	require.Equal(t, fact.TxnAborted, state)
}

func TestSubmit_TransactionIDsReachEveryArtifact(t *testing.T) {
	c := testutil.NewCluster(t)
	coord := newCoordinator(t, c, c.Links())
	coord.newTxID = testutil.NewTxIDSequence("gtx").Next
	ctx := context.Background()

	outcome, err := coord.Submit(ctx, crossNodeSpec(300, 200))
	require.NoError(t, err)
	require.Equal(t, "gtx-1", outcome.TxID)

	// The same global id shows up in the decision log, the participants'
	// transaction records, and the audit trail.
	_, ok, err := coord.dlog.Get("gtx-1")
	require.NoError(t, err)
	require.True(t, ok)
	for _, n := range c.Router.Nodes() {
		status, err := c.Store(n).StatusOf(ctx, "gtx-1")
		require.NoError(t, err)
		require.Equal(t, fact.StatusCommitted, status)

		count, err := c.Store(n).AuditCountForTx(ctx, "gtx-1")
		require.NoError(t, err)
		require.Equal(t, 1, count)
	}

	outcome2, err := coord.Submit(ctx, fact.TransactionSpec{Statements: []fact.Statement{
		testutil.Insert(6, 8, "2026-06-03", 50),
	}})
	require.NoError(t, err)
	require.Equal(t, "gtx-2", outcome2.TxID)
}

func TestSubmit_RejectsInvalidSpec(t *testing.T) {
	c := testutil.NewCluster(t)
	coord := newCoordinator(t, c, c.Links())

	_, err := coord.Submit(context.Background(), fact.TransactionSpec{})
	require.Error(t, err)
}
