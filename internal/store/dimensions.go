package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/furrowdb/furrow/internal/fact"
)

// Dimension table names accepted by DimensionChecksum.
const (
	DimFields = "fields"
	DimCrops  = "crops"
)

// UpsertField writes a field dimension row on this node's copy. Dimension
// copies are per-node and only eventually consistent; drift across nodes is
// detected, not prevented.
func (s *Store) UpsertField(ctx context.Context, f fact.Field) error {
	if f.ID <= 0 {
		return fmt.Errorf("upsert field: id must be positive, got %d", f.ID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fields (id, name, region) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, region = excluded.region
	`, f.ID, f.Name, f.Region)
	if err != nil {
		return fmt.Errorf("upsert field %d: %w", f.ID, err)
	}
	return nil
}

// UpsertCrop writes a crop dimension row on this node's copy.
func (s *Store) UpsertCrop(ctx context.Context, c fact.Crop) error {
	if c.ID <= 0 {
		return fmt.Errorf("upsert crop: id must be positive, got %d", c.ID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crops (id, name, variety) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, variety = excluded.variety
	`, c.ID, c.Name, c.Variety)
	if err != nil {
		return fmt.Errorf("upsert crop %d: %w", c.ID, err)
	}
	return nil
}

// DimensionChecksum hashes a dimension table's rows in id order. Two nodes
// whose copies agree produce identical checksums; a mismatch is the drift
// signal the federation layer reports.
func (s *Store) DimensionChecksum(ctx context.Context, table string) (string, error) {
	var query string
	switch table {
	case DimFields:
		query = `SELECT id, name, region FROM fields ORDER BY id ASC`
	case DimCrops:
		query = `SELECT id, name, variety FROM crops ORDER BY id ASC`
	default:
		return "", fmt.Errorf("dimension checksum: unknown table %q", table)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("dimension checksum %s: %w", table, err)
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var id int64
		var a, b string
		if err := rows.Scan(&id, &a, &b); err != nil {
			return "", fmt.Errorf("dimension checksum %s: scan: %w", table, err)
		}
		fmt.Fprintf(h, "%d\x1f%s\x1f%s\x1e", id, a, b)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("dimension checksum %s: %w", table, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
