// Package route implements the fragment router: the pure, deterministic rule
// that maps a harvest id to the node owning its row. Both nodes and the
// coordinator compute ownership independently and must always agree, so the
// rule is a static function of the key — never a lookup against mutable
// state, and never dependent on node liveness.
package route

import (
	"fmt"

	"github.com/furrowdb/furrow/internal/fact"
)

// Router maps harvest ids onto a fixed, ordered pair of nodes. The first node
// owns even ids, the second odd ids.
type Router struct {
	nodes [2]fact.NodeID
}

// New builds a router over exactly two distinct nodes. Order matters: it is
// part of the routing rule and must be identical everywhere the router is
// constructed.
func New(first, second fact.NodeID) (*Router, error) {
	if first == "" || second == "" {
		return nil, fmt.Errorf("router: node ids must be non-empty")
	}
	if first == second {
		return nil, fmt.Errorf("router: node ids must differ, both %q", first)
	}
	return &Router{nodes: [2]fact.NodeID{first, second}}, nil
}

// Owner returns the node owning the given harvest id. Pure and total: any
// id, including ids for rows that do not exist yet, has exactly one owner.
func (r *Router) Owner(harvestID int64) fact.NodeID {
	if harvestID%2 == 0 {
		return r.nodes[0]
	}
	return r.nodes[1]
}

// Nodes returns both node ids in routing order.
func (r *Router) Nodes() []fact.NodeID {
	return []fact.NodeID{r.nodes[0], r.nodes[1]}
}

// Peer returns the other node of the pair.
func (r *Router) Peer(n fact.NodeID) (fact.NodeID, error) {
	switch n {
	case r.nodes[0]:
		return r.nodes[1], nil
	case r.nodes[1]:
		return r.nodes[0], nil
	default:
		return "", fmt.Errorf("router: unknown node %q", n)
	}
}

// Contains reports whether n is one of the routed nodes.
func (r *Router) Contains(n fact.NodeID) bool {
	return n == r.nodes[0] || n == r.nodes[1]
}

// CheckPlacement verifies that a row found on node n is actually owned by n.
// A mismatch is a fragmentation-integrity violation: it is reported, never
// silently corrected.
func (r *Router) CheckPlacement(harvestID int64, n fact.NodeID) error {
	owner := r.Owner(harvestID)
	if owner == n {
		return nil
	}
	return &fact.Error{
		Code:    fact.ErrCodeFragmentation,
		Message: fmt.Sprintf("harvest %d stored on %s but owned by %s", harvestID, n, owner),
		Node:    n,
		Key:     harvestID,
	}
}
