// Package queue is the durable FIFO of operations waiting for the server.
//
// Every operation lives in the operations table until it succeeds (row
// deleted) or fails terminally (row kept with status failed). DrainAll
// claims due work; the caller reports each outcome with Complete, Requeue
// or Fail.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/store"
)

// Queue wraps the store's operations table.
type Queue struct {
	store  *store.Store
	clock  clock.Clock
	seq    *seqClock
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New opens the queue over st, resuming the enqueue sequence from the
// highest stored seq.
func New(ctx context.Context, st *store.Store, clk clock.Clock, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start, err := st.MaxOperationSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return &Queue{
		store:  st,
		clock:  clk,
		seq:    newSeqClockAt(start),
		logger: logger,
	}, nil
}

// Enqueue persists op as pending. Seq, CreatedAt and IdempotencyKey are
// filled in when unset. A non-nil error is always a *DurabilityError or
// ErrClosed: the operation is not queued.
func (q *Queue) Enqueue(ctx context.Context, op *ir.Operation) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if !op.Kind.Valid() {
		return &DurabilityError{OperationID: op.ID, Err: fmt.Errorf("unknown kind %q", op.Kind)}
	}
	if op.ID == "" || op.EntityType == "" {
		return &DurabilityError{OperationID: op.ID, Err: fmt.Errorf("operation id and entity type are required")}
	}

	op.Seq = q.seq.Next()
	op.Status = ir.StatusPending
	if op.CreatedAt.IsZero() {
		op.CreatedAt = q.clock.Now()
	}
	if op.IdempotencyKey == "" {
		key, err := ir.OperationKey(*op)
		if err != nil {
			return &DurabilityError{OperationID: op.ID, Err: err}
		}
		op.IdempotencyKey = key
	}

	if err := q.store.InsertOperation(ctx, *op); err != nil {
		return &DurabilityError{OperationID: op.ID, Err: err}
	}

	q.logger.Debug("operation enqueued",
		"op_id", op.ID,
		"seq", op.Seq,
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"kind", op.Kind,
		"action", op.Action,
	)
	return nil
}

// DrainAll claims every due pending operation, marking it in_flight, and
// returns them in enqueue order. Operations whose backoff has not elapsed
// stay pending.
func (q *Queue) DrainAll(ctx context.Context) ([]ir.Operation, error) {
	ops, err := q.store.ClaimDue(ctx, q.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("drain queue: %w", err)
	}
	return ops, nil
}

// Requeue returns an in-flight operation to pending, eligible again after
// delay. op carries the updated attempts and last error.
func (q *Queue) Requeue(ctx context.Context, op ir.Operation, delay time.Duration) error {
	stored, err := q.transition(ctx, op.ID, ir.StatusPending)
	if err != nil {
		return err
	}
	if op.Attempts < stored.Attempts {
		return fmt.Errorf("requeue %s: attempts went backwards (%d < %d)", op.ID, op.Attempts, stored.Attempts)
	}
	op.Status = ir.StatusPending
	op.NotBefore = q.clock.Now().Add(delay)
	if err := q.store.UpdateOperation(ctx, op); err != nil {
		return fmt.Errorf("requeue %s: %w", op.ID, err)
	}
	return nil
}

// Complete removes a successfully synced operation.
func (q *Queue) Complete(ctx context.Context, id string) error {
	if _, err := q.transition(ctx, id, ir.StatusDone); err != nil {
		return err
	}
	if err := q.store.DeleteOperation(ctx, id); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

// Fail marks an operation as terminally failed. The row is kept so the
// failure stays visible.
func (q *Queue) Fail(ctx context.Context, op ir.Operation) error {
	if _, err := q.transition(ctx, op.ID, ir.StatusFailed); err != nil {
		return err
	}
	op.Status = ir.StatusFailed
	if err := q.store.UpdateOperation(ctx, op); err != nil {
		return fmt.Errorf("fail %s: %w", op.ID, err)
	}
	q.logger.Warn("operation failed permanently",
		"op_id", op.ID,
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"attempts", op.Attempts,
		"error", op.LastError,
	)
	return nil
}

func (q *Queue) transition(ctx context.Context, id string, to ir.OperationStatus) (ir.Operation, error) {
	stored, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return ir.Operation{}, fmt.Errorf("transition %s: %w", id, err)
	}
	if !ir.CanTransition(stored.Status, to) {
		return ir.Operation{}, &TransitionError{OperationID: id, From: stored.Status, To: to}
	}
	return stored, nil
}

// Len returns the number of pending operations, including those waiting
// out a backoff delay.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.CountOperations(ctx, ir.StatusPending)
}

// List returns stored operations in enqueue order, filtered by status.
func (q *Queue) List(ctx context.Context, statuses ...ir.OperationStatus) ([]ir.Operation, error) {
	return q.store.ListOperations(ctx, statuses...)
}

// Pending returns pending operations in enqueue order, including ones
// still waiting out a backoff delay.
func (q *Queue) Pending(ctx context.Context) ([]ir.Operation, error) {
	return q.store.ListOperations(ctx, ir.StatusPending)
}

// HasPending reports whether an unsent operation targets the given entity.
func (q *Queue) HasPending(ctx context.Context, entityType, entityID string) (bool, error) {
	ops, err := q.store.ListOperations(ctx, ir.StatusPending, ir.StatusInFlight)
	if err != nil {
		return false, fmt.Errorf("check pending: %w", err)
	}
	for _, op := range ops {
		if op.EntityType == entityType && op.EntityID == entityID {
			return true, nil
		}
	}
	return false, nil
}

// Rewrite applies fn to every pending or in-flight operation and persists
// the ones fn reports as changed. It returns how many were rewritten.
func (q *Queue) Rewrite(ctx context.Context, fn func(op *ir.Operation) bool) (int, error) {
	ops, err := q.store.ListOperations(ctx, ir.StatusPending, ir.StatusInFlight)
	if err != nil {
		return 0, fmt.Errorf("rewrite queue: %w", err)
	}
	n := 0
	for i := range ops {
		if !fn(&ops[i]) {
			continue
		}
		if err := q.store.UpdateOperation(ctx, ops[i]); err != nil {
			return n, fmt.Errorf("rewrite queue: %w", err)
		}
		n++
	}
	return n, nil
}

// Recover returns operations left in_flight by a crash to pending. Call it
// once at startup, before the first drain.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.store.ResetInFlight(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("recovered in-flight operations", "count", n)
	}
	return n, nil
}

// Close stops accepting new operations. Operations already stored stay
// queued for the next New.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
