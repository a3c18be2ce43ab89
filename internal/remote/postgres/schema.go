package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/tillsync/internal/ir"
)

// Tables the service will write to. Anything else is rejected before it
// reaches SQL.
var Tables = []string{ir.EntityInventory, ir.EntitySales, ir.EntitySaleItems, ir.EntityExpenses}

func knownTable(name string) bool {
	for _, t := range Tables {
		if t == name {
			return true
		}
	}
	return false
}

// Migrate creates the entity tables. Every table has the same shape: a
// server-assigned id, the device's client_ref, and the record as jsonb.
// The inventory check keeps quantity non-negative on the server too.
func (s *Service) Migrate(ctx context.Context) error {
	for _, table := range Tables {
		ident := pgx.Identifier{table}.Sanitize()
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
				client_ref TEXT UNIQUE,
				data JSONB NOT NULL DEFAULT '{}'::jsonb,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			)`, ident),
		}
		if table == ir.EntityInventory {
			stmts = append(stmts, fmt.Sprintf(`DO $$ BEGIN
				ALTER TABLE %s ADD CONSTRAINT inventory_quantity_non_negative
					CHECK ((data->>'quantity') IS NULL OR (data->>'quantity')::bigint >= 0);
			EXCEPTION WHEN duplicate_object THEN NULL; END $$`, ident))
		}
		for _, stmt := range stmts {
			if _, err := s.db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrate %s: %w", table, err)
			}
		}
	}
	return nil
}
