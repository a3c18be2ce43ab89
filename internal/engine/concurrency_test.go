package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/network"
	"github.com/roach88/tillsync/internal/remote/memory"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

// gatedRemote holds the first Insert until release is closed, keeping a
// drain in the middle of its pass.
type gatedRemote struct {
	*memory.Service
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRemote) Insert(ctx context.Context, table string, record ir.IRObject) (ir.IRObject, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Service.Insert(ctx, table, record)
}

func newGatedHarness(t *testing.T) (*harness, *gatedRemote) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gate := &gatedRemote{
		Service: memory.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := &harness{
		store:    st,
		remote:   gate.Service,
		provider: network.NewManualProvider(false),
		clock:    clock.NewVirtual(testEpoch),
	}
	e, err := New(ctx, st, gate, h.provider,
		WithClock(h.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(testutil.NewSequenceIDs("op")),
		WithSaleConfig(SaleConfig{DecrementAttempts: 3}),
	)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	e.WaitIdle()
	h.engine = e
	t.Cleanup(func() {
		select {
		case <-gate.release:
		default:
			close(gate.release)
		}
		e.Close()
	})
	return h, gate
}

func waitEntered(t *testing.T, gate *gatedRemote) {
	t.Helper()
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("drain never reached the server")
	}
}

func TestUpdateDuringDrainWaitsForTheCreateToResolve(t *testing.T) {
	h, gate := newGatedHarness(t)
	ctx := context.Background()

	created, err := h.engine.StoreData(ctx, Mutation{
		EntityType: ir.EntityExpenses,
		Kind:       ir.KindCreate,
		Data:       ir.IRObject{"amount": ir.IRInt(900)},
	})
	require.NoError(t, err)
	require.True(t, created.Offline)

	h.provider.Set(true)
	waitEntered(t, gate)

	type outcome struct {
		res *StoreResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.engine.StoreData(ctx, Mutation{
			EntityType: ir.EntityExpenses,
			ID:         created.ID,
			Kind:       ir.KindUpdate,
			Data:       ir.IRObject{"amount": ir.IRInt(950)},
		})
		done <- outcome{res, err}
	}()

	assert.Never(t, func() bool { return len(done) > 0 }, 100*time.Millisecond, 10*time.Millisecond,
		"the update must not run while the drain is sending the create")
	close(gate.release)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("update never finished")
	}
	require.NoError(t, got.err)
	assert.Equal(t, "E-1", got.res.ID)
	assert.False(t, got.res.Offline)

	h.engine.WaitIdle()
	assert.Empty(t, h.queued(t))
	row, ok := h.remote.Row(ir.EntityExpenses, "E-1")
	require.True(t, ok)
	assert.Equal(t, ir.IRInt(950), row["amount"])
	assert.Len(t, h.remote.Rows(ir.EntityExpenses), 1)
}

func TestWritersRunAlongsideReconnectDrain(t *testing.T) {
	h, gate := newGatedHarness(t)
	ctx := context.Background()
	h.putInventory(t, "inv-1", 10)
	h.remote.SetQuantity("inv-1", 10)
	queueExpenses(t, h, 3)

	h.provider.Set(true)
	waitEntered(t, gate)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.StoreData(ctx, Mutation{
				EntityType: ir.EntityExpenses,
				Kind:       ir.KindCreate,
				Data:       ir.IRObject{"amount": ir.IRInt(int64(1000 + i))},
			})
			errs <- err
		}(i)
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.ProcessSale(ctx, ir.IRObject{"total": ir.IRInt(250)}, saleOf(line("inv-1", 1)))
			errs <- err
		}()
	}

	close(gate.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	h.engine.WaitIdle()

	assert.Empty(t, h.queued(t))
	assert.Len(t, h.remote.Rows(ir.EntityExpenses), 6)
	assert.Len(t, h.remote.Rows(ir.EntitySales), 2)
	assert.Equal(t, int64(8), h.remoteQuantity(t, "inv-1"))
	assert.Equal(t, int64(8), h.localQuantity(t, "inv-1"))

	status, err := h.engine.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingSync)
	assert.Zero(t, status.Failed)
}
