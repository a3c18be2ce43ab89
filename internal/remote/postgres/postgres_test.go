package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class remote.Class
		code  string
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, remote.Business, "23505"},
		{"check violation", &pgconn.PgError{Code: "23514"}, remote.Business, "23514"},
		{"foreign key", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23503"}), remote.Business, "23503"},
		{"serialization", &pgconn.PgError{Code: "40001"}, remote.Transient, "40001"},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, remote.Transient, "40P01"},
		{"connection exception", &pgconn.PgError{Code: "08006"}, remote.Transient, "08006"},
		{"too many connections", &pgconn.PgError{Code: "53300"}, remote.Transient, "53300"},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, remote.Transient, "57P01"},
		{"undefined column", &pgconn.PgError{Code: "42703"}, remote.Business, "42703"},
		{"deadline", context.DeadlineExceeded, remote.Transient, "timeout"},
		{"dial failure", errors.New("dial tcp: connection refused"), remote.Transient, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("insert", "sales", tt.err)
			var re *remote.Error
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.class, re.Class)
			assert.Equal(t, tt.code, re.Code)
			assert.Equal(t, "sales", re.Table)
		})
	}
}

func TestClassifyKeepsRemoteErrors(t *testing.T) {
	orig := &remote.Error{Class: remote.Business, Op: "update", Table: "inventory", Code: "not_found"}
	assert.Same(t, orig, classify("insert", "sales", orig))
	assert.NoError(t, classify("insert", "sales", nil))
}

func TestUnknownTableRejected(t *testing.T) {
	svc := &Service{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	_, err := svc.Insert(context.Background(), "customers; drop table sales", ir.IRObject{})
	assert.True(t, remote.IsBusiness(err))
}

func TestEncodeDropsColumnKeys(t *testing.T) {
	data, err := encode(ir.IRObject{
		"id":                  ir.IRString("temp_1"),
		remote.ClientRefField: ir.IRString("op-1"),
		"name":                ir.IRString("Crate"),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Crate"}`, data)

	obj, err := decode("insert", "inventory", "X-1", []byte(`{"name":"Crate","quantity":4}`))
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("X-1"), obj["id"])
	assert.Equal(t, ir.IRInt(4), obj["quantity"])
}

// TestServiceAgainstDatabase runs only when TILLSYNC_TEST_POSTGRES_DSN
// points at a scratch database.
func TestServiceAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("TILLSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TILLSYNC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	svc, err := New(ctx, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	require.NoError(t, svc.Migrate(ctx))

	inv, err := svc.Insert(ctx, ir.EntityInventory, ir.IRObject{"name": ir.IRString("Crate"), "quantity": ir.IRInt(5)})
	require.NoError(t, err)
	id, _ := inv.String("id")

	ok, err := svc.DecrementIf(ctx, id, 5, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	qty, err := svc.ReadQuantity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), qty)

	_, err = svc.Update(ctx, ir.EntityInventory, id, ir.IRObject{"quantity": ir.IRInt(-1)})
	assert.True(t, remote.IsBusiness(err), "negative stock violates the check constraint")

	ref := ir.IRString("op-" + id)
	sale := ir.IRObject{"total": ir.IRInt(100), remote.ClientRefField: ref}
	first, err := svc.Insert(ctx, ir.EntitySales, sale)
	require.NoError(t, err)
	_, err = svc.Insert(ctx, ir.EntitySales, sale)
	require.True(t, remote.IsDuplicate(err))
	saleID, _ := first.String("id")
	assert.Equal(t, saleID, remote.DuplicateID(err))
}
