package store

import (
	"context"
	"fmt"

	"github.com/furrowdb/furrow/internal/fact"
)

// MisplacedRows scans this partition for fact rows the given ownership rule
// assigns to a different node. Misplaced rows are a fragmentation-integrity
// violation: the ids are reported and nothing is moved or deleted.
func (s *Store) MisplacedRows(ctx context.Context, owner func(int64) fact.NodeID) ([]int64, error) {
	ids, err := s.HarvestIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("misplaced rows: %w", err)
	}

	var misplaced []int64
	for _, id := range ids {
		if owner(id) != s.node {
			misplaced = append(misplaced, id)
		}
	}
	if misplaced == nil {
		misplaced = []int64{}
	}
	return misplaced, nil
}

// CheckIntegrity runs the full local verification: every row placed on its
// owning node and every crop total equal to the sum of its fact rows.
func (s *Store) CheckIntegrity(ctx context.Context, owner func(int64) fact.NodeID) error {
	misplaced, err := s.MisplacedRows(ctx, owner)
	if err != nil {
		return err
	}
	if len(misplaced) > 0 {
		return &fact.Error{
			Code:    fact.ErrCodeFragmentation,
			Message: fmt.Sprintf("%d misplaced fact rows (first: %d)", len(misplaced), misplaced[0]),
			Node:    s.node,
			Key:     misplaced[0],
		}
	}
	return s.VerifyAggregates(ctx)
}
