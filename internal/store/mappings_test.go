package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
)

func TestPutAndListMappings(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutMapping(ctx, ir.TempIDMapping{TempID: "temp_b", EntityType: ir.EntityInventory, CreatedAt: testEpoch}))
	require.NoError(t, s.PutMapping(ctx, ir.TempIDMapping{TempID: "temp_a", EntityType: ir.EntitySales, CreatedAt: testEpoch}))
	require.NoError(t, s.PutMapping(ctx, ir.TempIDMapping{TempID: "temp_b", RealID: "inv-7", EntityType: ir.EntityInventory}))

	ms, err := s.ListMappings(ctx)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "temp_a", ms[0].TempID)
	assert.False(t, ms[0].Resolved())
	assert.Equal(t, "inv-7", ms[1].RealID)
	assert.True(t, ms[1].CreatedAt.Equal(testEpoch), "created_at survives the upsert")

	require.NoError(t, s.DeleteMapping(ctx, "temp_a"))
	ms, err = s.ListMappings(ctx)
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestRenameEntityMovesRecordSnapshotAndReferences(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, ir.Record{
		EntityType: ir.EntityInventory,
		ID:         "temp_1",
		Data:       ir.IRObject{"id": ir.IRString("temp_1"), "quantity": ir.IRInt(5)},
	}))
	require.NoError(t, s.Put(ctx, ir.Record{
		EntityType: ir.EntitySaleItems,
		ID:         "line-1",
		Data:       ir.IRObject{"inventory_id": ir.IRString("temp_1"), "quantity": ir.IRInt(2)},
	}))
	require.NoError(t, s.Put(ctx, ir.Record{
		EntityType: ir.EntitySaleItems,
		ID:         "line-2",
		Data:       ir.IRObject{"note": ir.IRString("temp_10 is different")},
	}))
	require.NoError(t, s.PutSnapshot(ctx, ir.StockSnapshot{EntityID: "temp_1", Quantity: 5}))

	require.NoError(t, s.RenameEntity(ctx, ir.EntityInventory, "temp_1", "inv-42", testEpoch))

	_, err := s.Get(ctx, ir.EntityInventory, "temp_1")
	assert.ErrorIs(t, err, ErrNotFound)

	moved, err := s.Get(ctx, ir.EntityInventory, "inv-42")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("inv-42"), moved.Data["id"])

	line, err := s.Get(ctx, ir.EntitySaleItems, "line-1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("inv-42"), line.Data["inventory_id"])

	other, err := s.Get(ctx, ir.EntitySaleItems, "line-2")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("temp_10 is different"), other.Data["note"])

	snap, err := s.Snapshot(ctx, "inv-42")
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Quantity)

	ms, err := s.ListMappings(ctx)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "inv-42", ms[0].RealID)
}
