package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// Snapshot returns the last known quantity for an inventory item.
func (s *Store) Snapshot(ctx context.Context, entityID string) (ir.StockSnapshot, error) {
	return getSnapshot(ctx, s.db, entityID)
}

// PutSnapshot records the last known quantity for an inventory item.
func (s *Store) PutSnapshot(ctx context.Context, snap ir.StockSnapshot) error {
	return putSnapshot(ctx, s.db, snap)
}

// ListSnapshots returns all snapshots ordered by entity id.
func (s *Store) ListSnapshots(ctx context.Context) ([]ir.StockSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, quantity, as_of
		FROM stock_snapshots
		ORDER BY entity_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []ir.StockSnapshot{}
	for rows.Next() {
		var (
			snap ir.StockSnapshot
			asOf int64
		)
		if err := rows.Scan(&snap.EntityID, &snap.Quantity, &asOf); err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		snap.AsOf = fromMillis(asOf)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func getSnapshot(ctx context.Context, q querier, entityID string) (ir.StockSnapshot, error) {
	var (
		snap ir.StockSnapshot
		asOf int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT entity_id, quantity, as_of FROM stock_snapshots WHERE entity_id = ?
	`, entityID).Scan(&snap.EntityID, &snap.Quantity, &asOf)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.StockSnapshot{}, fmt.Errorf("snapshot %s: %w", entityID, ErrNotFound)
	}
	if err != nil {
		return ir.StockSnapshot{}, fmt.Errorf("get snapshot %s: %w", entityID, err)
	}
	snap.AsOf = fromMillis(asOf)
	return snap, nil
}

func putSnapshot(ctx context.Context, q querier, snap ir.StockSnapshot) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO stock_snapshots (entity_id, quantity, as_of)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			quantity = excluded.quantity,
			as_of = excluded.as_of
	`, snap.EntityID, snap.Quantity, toMillis(snap.AsOf))
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.EntityID, err)
	}
	return nil
}

func deleteSnapshot(ctx context.Context, q querier, entityID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM stock_snapshots WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", entityID, err)
	}
	return nil
}
