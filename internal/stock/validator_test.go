package stock

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/remote/memory"
	"github.com/roach88/tillsync/internal/store"
)

var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newValidator(t *testing.T) (*Validator, *memory.Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "stock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	svc := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewValidator(svc, st, clock.NewVirtual(testEpoch), logger), svc, st
}

func TestValidateOnlineUsesRemote(t *testing.T) {
	v, svc, st := newValidator(t)
	ctx := context.Background()
	svc.SetQuantity("A", 5)
	require.NoError(t, st.PutSnapshot(ctx, ir.StockSnapshot{EntityID: "A", Quantity: 100, AsOf: testEpoch}))

	err := v.Validate(ctx, []ir.SaleItem{{InventoryID: "A", Quantity: 6}}, true)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, InsufficientStockError{InventoryID: "A", Available: 5, Requested: 6}, *insufficient)

	snap, err := st.Snapshot(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Quantity, "remote read refreshes the snapshot")
}

func TestValidateOfflineUsesSnapshot(t *testing.T) {
	v, svc, st := newValidator(t)
	ctx := context.Background()
	require.NoError(t, st.PutSnapshot(ctx, ir.StockSnapshot{EntityID: "A", Quantity: 3, AsOf: testEpoch}))

	require.NoError(t, v.Validate(ctx, []ir.SaleItem{{InventoryID: "A", Quantity: 3}}, false))
	assert.Zero(t, svc.Calls(memory.OpRead))

	err := v.Validate(ctx, []ir.SaleItem{{InventoryID: "unknown", Quantity: 1}}, false)
	assert.True(t, IsInsufficientStock(err), "no snapshot means nothing available")
}

func TestValidateSumsRepeatedItems(t *testing.T) {
	v, svc, _ := newValidator(t)
	ctx := context.Background()
	svc.SetQuantity("A", 4)

	err := v.Validate(ctx, []ir.SaleItem{
		{InventoryID: "A", Quantity: 2},
		{InventoryID: "A", Quantity: 3},
	}, true)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(5), insufficient.Requested)
}

func TestValidateRejectsWholeCart(t *testing.T) {
	v, svc, _ := newValidator(t)
	ctx := context.Background()
	svc.SetQuantity("A", 10)
	svc.SetQuantity("B", 0)

	err := v.Validate(ctx, []ir.SaleItem{
		{InventoryID: "A", Quantity: 1},
		{InventoryID: "B", Quantity: 1},
	}, true)
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "B", insufficient.InventoryID)
}

func TestValidateFallsBackOnTransientRead(t *testing.T) {
	v, svc, st := newValidator(t)
	ctx := context.Background()
	svc.SetQuantity("A", 1)
	require.NoError(t, st.PutSnapshot(ctx, ir.StockSnapshot{EntityID: "A", Quantity: 7, AsOf: testEpoch}))
	svc.FailNext(memory.OpRead, "", remote.Transient, nil)

	require.NoError(t, v.Validate(ctx, []ir.SaleItem{{InventoryID: "A", Quantity: 7}}, true))
}

func TestValidateTemporaryIDUsesSnapshot(t *testing.T) {
	v, svc, st := newValidator(t)
	ctx := context.Background()
	require.NoError(t, st.PutSnapshot(ctx, ir.StockSnapshot{EntityID: "temp_1", Quantity: 2, AsOf: testEpoch}))

	require.NoError(t, v.Validate(ctx, []ir.SaleItem{{InventoryID: "temp_1", Quantity: 2}}, true))
	assert.Zero(t, svc.Calls(memory.OpRead))
}

func TestValidateRejectsMalformedItems(t *testing.T) {
	v, _, _ := newValidator(t)
	ctx := context.Background()

	assert.Error(t, v.Validate(ctx, []ir.SaleItem{{InventoryID: "A", Quantity: 0}}, false))
	assert.Error(t, v.Validate(ctx, []ir.SaleItem{{Quantity: 1}}, false))
	assert.False(t, IsInsufficientStock(v.Validate(ctx, []ir.SaleItem{{Quantity: 1}}, false)))
}
