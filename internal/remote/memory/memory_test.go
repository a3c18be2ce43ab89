package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
)

func TestInsertAssignsIDs(t *testing.T) {
	svc := New()
	ctx := context.Background()
	svc.SetNextID(ir.EntityInventory, 42)

	row, err := svc.Insert(ctx, ir.EntityInventory, ir.IRObject{"name": ir.IRString("Crate"), "quantity": ir.IRInt(4)})
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("X-42"), row["id"])

	row, err = svc.Insert(ctx, ir.EntityInventory, ir.IRObject{"name": ir.IRString("Box")})
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("X-43"), row["id"])
	assert.Equal(t, 2, svc.Calls(OpInsert))
}

func TestInsertRejectsRepeatedClientRef(t *testing.T) {
	svc := New()
	ctx := context.Background()
	rec := ir.IRObject{"total": ir.IRInt(500), remote.ClientRefField: ir.IRString("op-1")}

	first, err := svc.Insert(ctx, ir.EntitySales, rec)
	require.NoError(t, err)

	_, err = svc.Insert(ctx, ir.EntitySales, rec)
	require.Error(t, err)
	assert.True(t, remote.IsDuplicate(err))
	assert.True(t, remote.IsBusiness(err))
	assert.Equal(t, string(first["id"].(ir.IRString)), remote.DuplicateID(err))
	assert.Len(t, svc.Rows(ir.EntitySales), 1)
}

func TestUpdateMergesAndRunsHook(t *testing.T) {
	svc := New()
	ctx := context.Background()
	svc.SetQuantity("inv-1", 10)

	var hooked []string
	svc.OnUpdate(func(table, id string) { hooked = append(hooked, table+"/"+id) })

	row, err := svc.Update(ctx, ir.EntityInventory, "inv-1", ir.IRObject{"quantity": ir.IRInt(7)})
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(7), row["quantity"])
	assert.Equal(t, []string{"inventory/inv-1"}, hooked)

	_, err = svc.Update(ctx, ir.EntityInventory, "missing", ir.IRObject{})
	assert.True(t, remote.IsBusiness(err))
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestFaultsAndOffline(t *testing.T) {
	svc := New()
	ctx := context.Background()
	svc.SetQuantity("inv-1", 3)

	svc.FailNext(OpRead, "", remote.Transient, nil)
	_, err := svc.ReadQuantity(ctx, "inv-1")
	assert.True(t, remote.IsTransient(err))

	qty, err := svc.ReadQuantity(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), qty)

	svc.SetOffline(true)
	err = svc.Delete(ctx, ir.EntityInventory, "inv-1")
	assert.ErrorIs(t, err, ErrOffline)
	assert.True(t, remote.IsTransient(err))

	svc.SetOffline(false)
	require.NoError(t, svc.Delete(ctx, ir.EntityInventory, "inv-1"))
	require.NoError(t, svc.Delete(ctx, ir.EntityInventory, "inv-1"), "deleting twice is harmless")
}

func TestFaultMatchesTable(t *testing.T) {
	svc := New()
	ctx := context.Background()
	svc.FailNext(OpInsert, ir.EntitySaleItems, remote.Business, nil)

	_, err := svc.Insert(ctx, ir.EntitySales, ir.IRObject{})
	require.NoError(t, err)
	_, err = svc.Insert(ctx, ir.EntitySaleItems, ir.IRObject{})
	assert.True(t, remote.IsBusiness(err))
}

func TestDecrementIf(t *testing.T) {
	svc := New()
	ctx := context.Background()
	svc.SetQuantity("inv-1", 10)

	ok, err := svc.DecrementIf(ctx, "inv-1", 9, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.DecrementIf(ctx, "inv-1", 10, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	qty, err := svc.ReadQuantity(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), qty)
}
