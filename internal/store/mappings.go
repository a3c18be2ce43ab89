package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// PutMapping inserts or updates a temporary id mapping.
func (s *Store) PutMapping(ctx context.Context, m ir.TempIDMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO id_mappings (temp_id, real_id, entity_type, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET real_id = excluded.real_id
	`, m.TempID, m.RealID, m.EntityType, toMillis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("put mapping %s: %w", m.TempID, err)
	}
	return nil
}

// ListMappings returns every known mapping ordered by temp id.
func (s *Store) ListMappings(ctx context.Context) ([]ir.TempIDMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT temp_id, real_id, entity_type, created_at
		FROM id_mappings
		ORDER BY temp_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	mappings := []ir.TempIDMapping{}
	for rows.Next() {
		var (
			m         ir.TempIDMapping
			createdAt int64
		)
		if err := rows.Scan(&m.TempID, &m.RealID, &m.EntityType, &createdAt); err != nil {
			return nil, fmt.Errorf("list mappings: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// DeleteMapping forgets a mapping.
func (s *Store) DeleteMapping(ctx context.Context, tempID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM id_mappings WHERE temp_id = ?`, tempID); err != nil {
		return fmt.Errorf("delete mapping %s: %w", tempID, err)
	}
	return nil
}

// RenameEntity swaps a temporary id for the server id in one transaction:
// the mapping is resolved, the local record moves to its real key, every
// other local record referencing the temporary id is rewritten, and any
// stock snapshot follows the item.
func (s *Store) RenameEntity(ctx context.Context, entityType, tempID, realID string, now time.Time) error {
	return s.RunInTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO id_mappings (temp_id, real_id, entity_type, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(temp_id) DO UPDATE SET real_id = excluded.real_id
		`, tempID, realID, entityType, toMillis(now)); err != nil {
			return fmt.Errorf("resolve mapping %s: %w", tempID, err)
		}

		if err := rewriteRecordReferences(ctx, tx, tempID, realID); err != nil {
			return err
		}

		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE OR REPLACE records SET id = ? WHERE entity_type = ? AND id = ?
		`, realID, entityType, tempID); err != nil {
			return fmt.Errorf("rename record %s/%s: %w", entityType, tempID, err)
		}

		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE OR REPLACE stock_snapshots SET entity_id = ? WHERE entity_id = ?
		`, realID, tempID); err != nil {
			return fmt.Errorf("rename snapshot %s: %w", tempID, err)
		}
		return nil
	})
}

// rewriteRecordReferences replaces string values equal to oldID inside
// every record's data. instr() narrows the scan to rows that mention it.
func rewriteRecordReferences(ctx context.Context, tx *Tx, oldID, newID string) error {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT entity_type, id, data, updated_at FROM records WHERE instr(data, ?) > 0
	`, `"`+oldID+`"`)
	if err != nil {
		return fmt.Errorf("scan references to %s: %w", oldID, err)
	}
	var candidates []ir.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan references to %s: %w", oldID, err)
		}
		candidates = append(candidates, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan references to %s: %w", oldID, err)
	}

	for _, rec := range candidates {
		rewritten, changed := ir.ReplaceStrings(rec.Data, oldID, newID)
		if !changed {
			continue
		}
		rec.Data = rewritten.(ir.IRObject)
		if err := tx.Put(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
