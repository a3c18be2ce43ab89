package queue

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
	"github.com/roach88/tillsync/internal/store"
)

var epoch = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func setupQueue(t *testing.T) (*Queue, *store.Store, *clock.Virtual) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewVirtual(epoch)
	q, err := New(context.Background(), st, clk, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return q, st, clk
}

func newOp(id string) *ir.Operation {
	return &ir.Operation{
		ID:         id,
		EntityType: ir.EntityInventory,
		EntityID:   "inv-1",
		Kind:       ir.KindUpdate,
		Payload:    ir.IRObject{"quantity": ir.IRInt(3)},
	}
}

func TestEnqueueAssignsSeqAndKey(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	a, b := newOp("a"), newOp("b")
	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(2), b.Seq)
	assert.Equal(t, ir.StatusPending, a.Status)
	assert.NotEmpty(t, a.IdempotencyKey)
	assert.NotEqual(t, a.IdempotencyKey, b.IdempotencyKey)
	assert.True(t, a.CreatedAt.Equal(epoch))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEnqueueRejectsInvalidOperation(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	bad := newOp("bad")
	bad.Kind = "upsert"
	err := q.Enqueue(ctx, bad)
	assert.True(t, IsDurabilityError(err))

	null := newOp("null")
	null.Payload = ir.IRObject{"x": ir.IRNull{}}
	err = q.Enqueue(ctx, null)
	assert.True(t, IsDurabilityError(err))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainAllPreservesEnqueueOrder(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	for _, id := range []string{"z", "m", "a"} {
		require.NoError(t, q.Enqueue(ctx, newOp(id)))
	}

	ops, err := q.DrainAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, []string{"z", "m", "a"}, []string{ops[0].ID, ops[1].ID, ops[2].ID})
	for _, op := range ops {
		assert.Equal(t, ir.StatusInFlight, op.Status)
	}

	// in-flight operations are not counted as pending
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequeueDelaysOperation(t *testing.T) {
	q, _, clk := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newOp("a")))
	ops, err := q.DrainAll(ctx)
	require.NoError(t, err)

	op := ops[0]
	op.Attempts = 1
	op.LastError = "timeout"
	require.NoError(t, q.Requeue(ctx, op, 2*time.Second))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "delayed operations still count as pending")

	ops, err = q.DrainAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	clk.Advance(2 * time.Second)
	ops, err = q.DrainAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, uint(1), ops[0].Attempts)
	assert.Equal(t, "timeout", ops[0].LastError)
}

func TestRequeueRejectsDecreasingAttempts(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newOp("a")))
	ops, err := q.DrainAll(ctx)
	require.NoError(t, err)
	op := ops[0]
	op.Attempts = 3
	require.NoError(t, q.Requeue(ctx, op, 0))

	ops, err = q.DrainAll(ctx)
	require.NoError(t, err)
	op = ops[0]
	op.Attempts = 1
	assert.Error(t, q.Requeue(ctx, op, 0))
}

func TestCompleteDeletesOperation(t *testing.T) {
	q, st, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newOp("a")))
	_, err := q.DrainAll(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, "a"))

	_, err = st.GetOperation(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteRequiresInFlight(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newOp("a")))

	err := q.Complete(ctx, "a")
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ir.StatusPending, te.From)
	assert.Equal(t, ir.StatusDone, te.To)
}

func TestFailKeepsOperationVisible(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newOp("a")))
	ops, err := q.DrainAll(ctx)
	require.NoError(t, err)

	op := ops[0]
	op.Attempts = 1
	op.LastError = "sale rejected"
	require.NoError(t, q.Fail(ctx, op))

	failed, err := q.List(ctx, ir.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "sale rejected", failed[0].LastError)

	// failed is terminal
	err = q.Requeue(ctx, failed[0], 0)
	var te *TransitionError
	assert.ErrorAs(t, err, &te)
}

func TestRewriteUpdatesPendingOperations(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	op := newOp("a")
	op.EntityID = "temp_1"
	require.NoError(t, q.Enqueue(ctx, op))
	require.NoError(t, q.Enqueue(ctx, newOp("b")))

	n, err := q.Rewrite(ctx, func(op *ir.Operation) bool {
		if op.EntityID != "temp_1" {
			return false
		}
		op.EntityID = "inv-9"
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ops, err := q.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "inv-9", ops[0].EntityID)
}

func TestRecoverResetsInFlight(t *testing.T) {
	q, st, clk := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newOp("a")))
	_, err := q.DrainAll(ctx)
	require.NoError(t, err)

	// simulate a restart
	q2, err := New(ctx, st, clk, nil)
	require.NoError(t, err)
	n, err := q2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	next := newOp("b")
	require.NoError(t, q2.Enqueue(ctx, next))
	assert.Equal(t, int64(2), next.Seq, "sequence resumes after restart")

	ops, err := q2.DrainAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "a", ops[0].ID)
}

func TestCloseRejectsEnqueue(t *testing.T) {
	q, _, _ := setupQueue(t)
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Enqueue(context.Background(), newOp("a")), ErrClosed)
}

func TestConcurrentEnqueue(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := newOp(string(rune('a' + i)))
			assert.NoError(t, q.Enqueue(ctx, op))
		}(i)
	}
	wg.Wait()

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 20)
	for i := 1; i < len(ops); i++ {
		assert.Less(t, ops[i-1].Seq, ops[i].Seq)
	}
}

func TestPendingExcludesInFlightAndFailed(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newOp("a")))
	_, err := q.DrainAll(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, newOp("b")))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)
}

func TestHasPendingMatchesEntity(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newOp("a")))

	ok, err := q.HasPending(ctx, ir.EntityInventory, "inv-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.HasPending(ctx, ir.EntityInventory, "inv-2")
	require.NoError(t, err)
	assert.False(t, ok)

	// in-flight still counts, terminal does not
	ops, err := q.DrainAll(ctx)
	require.NoError(t, err)
	ok, err = q.HasPending(ctx, ir.EntityInventory, "inv-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, q.Fail(ctx, ops[0]))
	ok, err = q.HasPending(ctx, ir.EntityInventory, "inv-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
