package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

const operationColumns = `id, seq, entity_type, entity_id, kind, action, payload, idempotency_key,
	created_at, not_before, attempts, last_error, status, critical`

// InsertOperation persists a queued operation. Re-inserting the same id or
// idempotency key is a no-op.
func (s *Store) InsertOperation(ctx context.Context, op ir.Operation) error {
	if op.Status == ir.StatusDone {
		return fmt.Errorf("insert operation %s: done operations are not stored", op.ID)
	}
	payload, err := marshalPayload(op.Payload)
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", op.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		op.ID,
		op.Seq,
		op.EntityType,
		op.EntityID,
		string(op.Kind),
		op.Action,
		payload,
		op.IdempotencyKey,
		toMillis(op.CreatedAt),
		toMillis(op.NotBefore),
		op.Attempts,
		op.LastError,
		string(op.Status),
		boolToInt(op.Critical),
	)
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", op.ID, err)
	}
	return nil
}

// GetOperation loads a single operation or returns ErrNotFound.
func (s *Store) GetOperation(ctx context.Context, id string) (ir.Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Operation{}, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ir.Operation{}, fmt.Errorf("get operation %s: %w", id, err)
	}
	return op, nil
}

// UpdateOperation rewrites the mutable columns of an operation: status,
// entity id, payload, attempts, last error and not-before.
func (s *Store) UpdateOperation(ctx context.Context, op ir.Operation) error {
	return updateOperation(ctx, s.db, op)
}

func updateOperation(ctx context.Context, q querier, op ir.Operation) error {
	payload, err := marshalPayload(op.Payload)
	if err != nil {
		return fmt.Errorf("update operation %s: %w", op.ID, err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, entity_id = ?, payload = ?, attempts = ?, last_error = ?, not_before = ?
		WHERE id = ?
	`,
		string(op.Status),
		op.EntityID,
		payload,
		op.Attempts,
		op.LastError,
		toMillis(op.NotBefore),
		op.ID,
	)
	if err != nil {
		return fmt.Errorf("update operation %s: %w", op.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update operation %s: %w", op.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update operation %s: %w", op.ID, ErrNotFound)
	}
	return nil
}

// DeleteOperation removes an operation. Completed operations are deleted
// rather than kept with a done status.
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	return nil
}

// ClaimDue atomically moves every pending operation whose not-before time
// has passed to in_flight and returns them in enqueue order. An operation
// still backing off keeps later operations on the same entity pending.
func (s *Store) ClaimDue(ctx context.Context, now time.Time) ([]ir.Operation, error) {
	var claimed []ir.Operation
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		pending, err := queryOperations(ctx, tx.tx, `
			SELECT `+operationColumns+`
			FROM operations
			WHERE status = ?
			ORDER BY seq ASC, id COLLATE BINARY ASC
		`, string(ir.StatusPending))
		if err != nil {
			return err
		}
		// An operation waiting out a backoff holds back later operations on
		// the same entity.
		blocked := make(map[string]bool)
		for _, op := range pending {
			key := op.EntityType + "/" + op.EntityID
			if blocked[key] {
				continue
			}
			if !op.Due(now) {
				if op.EntityID != "" {
					blocked[key] = true
				}
				continue
			}
			op.Status = ir.StatusInFlight
			if _, err := tx.tx.ExecContext(ctx,
				`UPDATE operations SET status = ? WHERE id = ?`,
				string(ir.StatusInFlight), op.ID,
			); err != nil {
				return fmt.Errorf("claim operation %s: %w", op.ID, err)
			}
			claimed = append(claimed, op)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim due operations: %w", err)
	}
	return claimed, nil
}

// ListOperations returns operations in enqueue order, optionally filtered
// by status. No statuses means every stored operation.
func (s *Store) ListOperations(ctx context.Context, statuses ...ir.OperationStatus) ([]ir.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY seq ASC, id COLLATE BINARY ASC`

	ops, err := queryOperations(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// CountOperations counts operations in the given status.
func (s *Store) CountOperations(ctx context.Context, status ir.OperationStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operations WHERE status = ?`, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return n, nil
}

// ResetInFlight returns operations stranded in_flight by a crash to pending.
func (s *Store) ResetInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ? WHERE status = ?`,
		string(ir.StatusPending), string(ir.StatusInFlight),
	)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset in-flight operations: %w", err)
	}
	return int(n), nil
}

// MaxOperationSeq returns the highest seq ever stored, or 0.
func (s *Store) MaxOperationSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM operations`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max operation seq: %w", err)
	}
	return seq.Int64, nil
}

func queryOperations(ctx context.Context, q querier, query string, args ...any) ([]ir.Operation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := []ir.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanOperation(row rowScanner) (ir.Operation, error) {
	var (
		op        ir.Operation
		kind      string
		payload   string
		createdAt int64
		notBefore int64
		status    string
		critical  int
	)
	err := row.Scan(
		&op.ID,
		&op.Seq,
		&op.EntityType,
		&op.EntityID,
		&kind,
		&op.Action,
		&payload,
		&op.IdempotencyKey,
		&createdAt,
		&notBefore,
		&op.Attempts,
		&op.LastError,
		&status,
		&critical,
	)
	if err != nil {
		return ir.Operation{}, err
	}
	obj, err := unmarshalObject(payload)
	if err != nil {
		return ir.Operation{}, fmt.Errorf("operation %s: %w", op.ID, err)
	}
	op.Kind = ir.OperationKind(kind)
	op.Payload = obj
	op.CreatedAt = fromMillis(createdAt)
	op.NotBefore = fromMillis(notBefore)
	op.Status = ir.OperationStatus(status)
	op.Critical = critical != 0
	return op, nil
}
