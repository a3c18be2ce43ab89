package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// Get returns the local record for (entityType, id) or ErrNotFound.
func (s *Store) Get(ctx context.Context, entityType, id string) (ir.Record, error) {
	return getRecord(ctx, s.db, entityType, id)
}

// Put inserts or replaces a local record.
func (s *Store) Put(ctx context.Context, rec ir.Record) error {
	return putRecord(ctx, s.db, rec)
}

// Delete removes a local record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, entityType, id string) error {
	return deleteRecord(ctx, s.db, entityType, id)
}

// List returns every local record of entityType ordered by id.
func (s *Store) List(ctx context.Context, entityType string) ([]ir.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, id, data, updated_at
		FROM records
		WHERE entity_type = ?
		ORDER BY id COLLATE BINARY ASC
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []ir.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ir.Record, error) {
	var (
		rec       ir.Record
		data      string
		updatedAt int64
	)
	if err := row.Scan(&rec.EntityType, &rec.ID, &data, &updatedAt); err != nil {
		return ir.Record{}, err
	}
	obj, err := unmarshalObject(data)
	if err != nil {
		return ir.Record{}, err
	}
	rec.Data = obj
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func getRecord(ctx context.Context, q querier, entityType, id string) (ir.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT entity_type, id, data, updated_at
		FROM records
		WHERE entity_type = ? AND id = ?
	`, entityType, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Record{}, fmt.Errorf("record %s/%s: %w", entityType, id, ErrNotFound)
	}
	if err != nil {
		return ir.Record{}, fmt.Errorf("get record %s/%s: %w", entityType, id, err)
	}
	return rec, nil
}

func putRecord(ctx context.Context, q querier, rec ir.Record) error {
	if rec.EntityType == "" || rec.ID == "" {
		return fmt.Errorf("put record: entity type and id are required")
	}
	data, err := marshalData(rec.Data)
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", rec.EntityType, rec.ID, err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO records (entity_type, id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, rec.EntityType, rec.ID, data, toMillis(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put record %s/%s: %w", rec.EntityType, rec.ID, err)
	}
	return nil
}

func deleteRecord(ctx context.Context, q querier, entityType, id string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM records WHERE entity_type = ? AND id = ?`, entityType, id)
	if err != nil {
		return fmt.Errorf("delete record %s/%s: %w", entityType, id, err)
	}
	return nil
}
