package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/network"
	"github.com/roach88/tillsync/internal/remote/memory"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type harness struct {
	engine   *Engine
	store    *store.Store
	remote   *memory.Service
	provider *network.ManualProvider
	clock    *clock.Virtual
}

func newHarness(t *testing.T, online bool, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:    st,
		remote:   memory.New(),
		provider: network.NewManualProvider(online),
		clock:    clock.NewVirtual(testEpoch),
	}
	base := []Option{
		WithClock(h.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(testutil.NewSequenceIDs("op")),
		WithSaleConfig(SaleConfig{DecrementAttempts: 3}),
	}
	e, err := New(ctx, st, h.remote, h.provider, append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	e.WaitIdle()
	t.Cleanup(func() { e.Close() })
	h.engine = e
	return h
}

// goOnline flips connectivity and waits for the reconnect drain.
func (h *harness) goOnline() {
	h.provider.Set(true)
	h.engine.WaitIdle()
}

// advance moves the virtual clock and waits for any drain it triggered.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.engine.WaitIdle()
}

func (h *harness) putInventory(t *testing.T, id string, qty int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, ir.Record{
		EntityType: ir.EntityInventory,
		ID:         id,
		Data:       ir.IRObject{"id": ir.IRString(id), "quantity": ir.IRInt(qty)},
	}))
	require.NoError(t, h.store.PutSnapshot(ctx, ir.StockSnapshot{EntityID: id, Quantity: qty, AsOf: testEpoch}))
}

func (h *harness) localQuantity(t *testing.T, id string) int64 {
	t.Helper()
	rec, err := h.store.Get(context.Background(), ir.EntityInventory, id)
	require.NoError(t, err)
	qty, ok := rec.Data.Int("quantity")
	require.True(t, ok)
	return qty
}

func (h *harness) snapshotQuantity(t *testing.T, id string) int64 {
	t.Helper()
	snap, err := h.store.Snapshot(context.Background(), id)
	require.NoError(t, err)
	return snap.Quantity
}

func (h *harness) remoteQuantity(t *testing.T, id string) int64 {
	t.Helper()
	row, ok := h.remote.Row(ir.EntityInventory, id)
	require.True(t, ok, "remote inventory %s", id)
	qty, _ := row.Int("quantity")
	return qty
}

func (h *harness) queued(t *testing.T, statuses ...ir.OperationStatus) []ir.Operation {
	t.Helper()
	ops, err := h.engine.Operations(context.Background(), statuses...)
	require.NoError(t, err)
	return ops
}
