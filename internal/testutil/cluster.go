// Package testutil provides an in-process two-node cluster for tests: real
// stores on temp files, real participants, and in-memory links. Nothing here
// fakes protocol behavior; only the network is elided.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/furrowdb/furrow/internal/fact"
	"github.com/furrowdb/furrow/internal/participant"
	"github.com/furrowdb/furrow/internal/remote"
	"github.com/furrowdb/furrow/internal/route"
	"github.com/furrowdb/furrow/internal/store"
)

// NodeAlpha owns even harvest ids, NodeBravo odd ones.
const (
	NodeAlpha fact.NodeID = "alpha"
	NodeBravo fact.NodeID = "bravo"
)

// Cluster is a two-node deployment living in one process.
type Cluster struct {
	Router *route.Router
	Alpha  *participant.Manager
	Bravo  *participant.Manager

	stores map[fact.NodeID]*store.Store
}

// NewCluster builds the cluster with a shared seed of dimension rows: field
// 1 ("home field") and crops 7 ("wheat") and 8 ("rye") exist on both nodes.
func NewCluster(t *testing.T) *Cluster {
	t.Helper()
	return NewClusterAt(t, t.TempDir(), time.Second)
}

// NewClusterAt pins the cluster's databases to dir so a test can "restart"
// nodes by building a second cluster over the same directory.
func NewClusterAt(t *testing.T, dir string, lockWait time.Duration) *Cluster {
	t.Helper()

	router, err := route.New(NodeAlpha, NodeBravo)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	c := &Cluster{
		Router: router,
		stores: make(map[fact.NodeID]*store.Store),
	}

	ctx := context.Background()
	for _, n := range router.Nodes() {
		s, err := store.Open(dir+"/"+string(n)+".db", n)
		if err != nil {
			t.Fatalf("open store %s: %v", n, err)
		}
		t.Cleanup(func() { s.Close() })
		c.stores[n] = s

		seed := []error{
			s.UpsertField(ctx, fact.Field{ID: 1, Name: "home field", Region: "S"}),
			s.UpsertCrop(ctx, fact.Crop{ID: 7, Name: "wheat"}),
			s.UpsertCrop(ctx, fact.Crop{ID: 8, Name: "rye"}),
		}
		for _, err := range seed {
			if err != nil {
				t.Fatalf("seed %s: %v", n, err)
			}
		}
	}

	c.Alpha = participant.New(c.stores[NodeAlpha], router, zap.NewNop(), lockWait)
	c.Bravo = participant.New(c.stores[NodeBravo], router, zap.NewNop(), lockWait)
	return c
}

// Participant returns the manager for a node.
func (c *Cluster) Participant(n fact.NodeID) *participant.Manager {
	if n == NodeAlpha {
		return c.Alpha
	}
	return c.Bravo
}

// Store exposes a node's store for direct assertions.
func (c *Cluster) Store(n fact.NodeID) *store.Store {
	return c.stores[n]
}

// Links returns in-process links to both nodes in routing order.
func (c *Cluster) Links() []remote.Link {
	return []remote.Link{
		remote.NewLocalLink(c.Alpha),
		remote.NewLocalLink(c.Bravo),
	}
}

// MustCommit drives a transaction through the full local lifecycle on each
// owning node. It bypasses the coordinator on purpose: tests use it to lay
// down committed state before exercising the layer under test.
func (c *Cluster) MustCommit(t *testing.T, txID string, stmts ...fact.Statement) {
	t.Helper()
	ctx := context.Background()

	byNode := make(map[fact.NodeID][]fact.Statement)
	for _, stmt := range stmts {
		n := c.Router.Owner(stmt.Key())
		byNode[n] = append(byNode[n], stmt)
	}

	for n, share := range byNode {
		p := c.Participant(n)
		if err := p.Exec(ctx, txID, share); err != nil {
			t.Fatalf("exec %s on %s: %v", txID, n, err)
		}
		if err := p.Prepare(ctx, txID); err != nil {
			t.Fatalf("prepare %s on %s: %v", txID, n, err)
		}
	}
	for n := range byNode {
		if _, err := c.Participant(n).CommitPrepared(ctx, txID); err != nil {
			t.Fatalf("commit %s on %s: %v", txID, n, err)
		}
	}
}

// Insert builds an insert statement against the seeded dimensions.
func Insert(id int64, cropID int64, date string, yield int64) fact.Statement {
	return fact.Statement{
		Op: fact.OpInsert,
		Harvest: fact.Harvest{
			ID:          id,
			FieldID:     1,
			CropID:      cropID,
			HarvestDate: date,
			Yield:       decimal.NewFromInt(yield),
		},
	}
}
