package store

import (
	"context"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// Tx is a local-store transaction. It exposes the record and snapshot
// operations a multi-step local write needs.
type Tx struct {
	tx querier
}

// RunInTransaction runs fn inside a single SQLite transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Get reads a record inside the transaction.
func (t *Tx) Get(ctx context.Context, entityType, id string) (ir.Record, error) {
	return getRecord(ctx, t.tx, entityType, id)
}

// Put writes a record inside the transaction.
func (t *Tx) Put(ctx context.Context, rec ir.Record) error {
	return putRecord(ctx, t.tx, rec)
}

// Delete removes a record inside the transaction.
func (t *Tx) Delete(ctx context.Context, entityType, id string) error {
	return deleteRecord(ctx, t.tx, entityType, id)
}

// Snapshot reads a stock snapshot inside the transaction.
func (t *Tx) Snapshot(ctx context.Context, entityID string) (ir.StockSnapshot, error) {
	return getSnapshot(ctx, t.tx, entityID)
}

// PutSnapshot writes a stock snapshot inside the transaction.
func (t *Tx) PutSnapshot(ctx context.Context, snap ir.StockSnapshot) error {
	return putSnapshot(ctx, t.tx, snap)
}

// DeleteSnapshot removes a stock snapshot inside the transaction.
func (t *Tx) DeleteSnapshot(ctx context.Context, entityID string) error {
	return deleteSnapshot(ctx, t.tx, entityID)
}
