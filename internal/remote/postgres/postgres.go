// Package postgres implements remote.Service on a PostgreSQL database
// through a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
)

// dbtx is the subset of *pgxpool.Pool the service uses.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Service talks to the remote database.
type Service struct {
	db     dbtx
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to dsn and pings the server.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	config.MaxConns = 4
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, classify("ping", "", err)
	}
	return &Service{db: pool, pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (s *Service) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Insert stores record and returns it with its server id. The record's own
// id, if any, is ignored: ids are always assigned by the server.
func (s *Service) Insert(ctx context.Context, table string, record ir.IRObject) (ir.IRObject, error) {
	if err := checkTable("insert", table); err != nil {
		return nil, err
	}
	ref, _ := record.String(remote.ClientRefField)
	data, err := encode(record)
	if err != nil {
		return nil, &remote.Error{Class: remote.Business, Op: "insert", Table: table, Err: err}
	}

	var (
		id  string
		raw []byte
	)
	err = s.db.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (client_ref, data) VALUES (NULLIF($1, ''), $2::jsonb)
		RETURNING id, data
	`, pgx.Identifier{table}.Sanitize()), ref, data).Scan(&id, &raw)
	if err != nil {
		if ref != "" && isUniqueViolation(err, table+"_client_ref_key") {
			return nil, s.duplicate(ctx, table, ref, err)
		}
		return nil, classify("insert", table, err)
	}
	return decode("insert", table, id, raw)
}

func (s *Service) duplicate(ctx context.Context, table, ref string, cause error) error {
	var id string
	err := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE client_ref = $1`,
		pgx.Identifier{table}.Sanitize()), ref).Scan(&id)
	if err != nil {
		s.logger.Warn("duplicate client_ref lookup failed", "table", table, "client_ref", ref, "error", err)
	}
	return &remote.Error{
		Class: remote.Business,
		Op:    "insert",
		Table: table,
		Code:  "23505",
		ID:    id,
		Err:   fmt.Errorf("%w: %v", remote.ErrDuplicate, cause),
	}
}

// Update merges patch into the stored record.
func (s *Service) Update(ctx context.Context, table, id string, patch ir.IRObject) (ir.IRObject, error) {
	if err := checkTable("update", table); err != nil {
		return nil, err
	}
	data, err := encode(patch)
	if err != nil {
		return nil, &remote.Error{Class: remote.Business, Op: "update", Table: table, Err: err}
	}
	var raw []byte
	err = s.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s SET data = data || $2::jsonb, updated_at = NOW()
		WHERE id = $1
		RETURNING data
	`, pgx.Identifier{table}.Sanitize()), id, data).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("update", table, id)
	}
	if err != nil {
		return nil, classify("update", table, err)
	}
	return decode("update", table, id, raw)
}

// Delete removes a row. A missing row is not an error.
func (s *Service) Delete(ctx context.Context, table, id string) error {
	if err := checkTable("delete", table); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, pgx.Identifier{table}.Sanitize()), id)
	return classify("delete", table, err)
}

// ReadQuantity returns the stored inventory quantity.
func (s *Service) ReadQuantity(ctx context.Context, entityID string) (int64, error) {
	var qty *int64
	err := s.db.QueryRow(ctx, `
		SELECT (data->>'quantity')::bigint FROM inventory WHERE id = $1
	`, entityID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, notFound("read", ir.EntityInventory, entityID)
	}
	if err != nil {
		return 0, classify("read", ir.EntityInventory, err)
	}
	if qty == nil {
		return 0, nil
	}
	return *qty, nil
}

// DecrementIf subtracts by from the quantity only if it still equals
// expected, in a single statement.
func (s *Service) DecrementIf(ctx context.Context, entityID string, expected, by int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE inventory
		SET data = jsonb_set(data, '{quantity}', to_jsonb($2::bigint - $3::bigint)), updated_at = NOW()
		WHERE id = $1 AND (data->>'quantity')::bigint = $2
	`, entityID, expected, by)
	if err != nil {
		return false, classify("update", ir.EntityInventory, err)
	}
	return tag.RowsAffected() == 1, nil
}

func checkTable(op, table string) error {
	if knownTable(table) {
		return nil
	}
	return &remote.Error{Class: remote.Business, Op: op, Table: table, Code: "unknown_table", Err: fmt.Errorf("unknown table %q", table)}
}

func notFound(op, table, id string) error {
	return &remote.Error{Class: remote.Business, Op: op, Table: table, Code: "not_found", Err: fmt.Errorf("%s: %w", id, remote.ErrNotFound)}
}

// encode drops the keys the table stores in their own columns.
func encode(record ir.IRObject) (string, error) {
	body := make(ir.IRObject, len(record))
	for k, v := range record {
		if k == "id" || k == remote.ClientRefField {
			continue
		}
		body[k] = v
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(b), nil
}

func decode(op, table, id string, raw []byte) (ir.IRObject, error) {
	var obj ir.IRObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &remote.Error{Class: remote.Business, Op: op, Table: table, Err: fmt.Errorf("decode row %s: %w", id, err)}
	}
	if obj == nil {
		obj = ir.IRObject{}
	}
	obj["id"] = ir.IRString(id)
	return obj, nil
}

var (
	_ remote.Service                = (*Service)(nil)
	_ remote.ConditionalDecrementer = (*Service)(nil)
)
