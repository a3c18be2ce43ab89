package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/retry"
	"github.com/roach88/tillsync/internal/store"
)

// Handler performs an operation's remote effect and returns the remote
// record, if there is one. It may record progress in op.Payload; the
// updated payload is persisted if the operation is retried.
type Handler func(ctx context.Context, op *ir.Operation) (ir.IRObject, error)

// RegisterHandler binds a custom action name. Registering a name twice
// replaces the earlier handler.
func (e *Engine) RegisterHandler(action string, h Handler) {
	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.handlers[action] = h
}

func (e *Engine) handler(op ir.Operation) (Handler, bool) {
	name := op.Action
	if name == "" {
		name = string(op.Kind)
	}
	e.hmu.RLock()
	defer e.hmu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

func (e *Engine) registerDefaultHandlers() {
	e.RegisterHandler(string(ir.KindCreate), e.insertHandler)
	e.RegisterHandler(string(ir.KindUpdate), e.updateHandler)
	e.RegisterHandler(string(ir.KindDelete), e.deleteHandler)
	e.RegisterHandler(ir.ActionProcessSale, e.saleHandler)
}

// insertHandler sends a create. The operation id travels as client_ref,
// so a replay of an insert the server already applied comes back as
// ErrDuplicate and is treated as success.
func (e *Engine) insertHandler(ctx context.Context, op *ir.Operation) (ir.IRObject, error) {
	record := outgoing(op.Payload)
	record[remote.ClientRefField] = ir.IRString(op.ID)

	row, err := e.remote.Insert(ctx, op.EntityType, record)
	if remote.IsDuplicate(err) {
		id := remote.DuplicateID(err)
		if id == "" {
			return nil, err
		}
		e.logger.Info("insert already applied", "op_id", op.ID, "entity_type", op.EntityType, "server_id", id)
		row = outgoing(op.Payload)
		row["id"] = ir.IRString(id)
		return row, nil
	}
	return row, err
}

func (e *Engine) updateHandler(ctx context.Context, op *ir.Operation) (ir.IRObject, error) {
	return e.remote.Update(ctx, op.EntityType, op.EntityID, outgoing(op.Payload))
}

func (e *Engine) deleteHandler(ctx context.Context, op *ir.Operation) (ir.IRObject, error) {
	return nil, e.remote.Delete(ctx, op.EntityType, op.EntityID)
}

// outgoing copies a payload without its local id.
func outgoing(payload ir.IRObject) ir.IRObject {
	out := make(ir.IRObject, len(payload))
	for k, v := range payload {
		if k == "id" {
			continue
		}
		out[k] = ir.Clone(v)
	}
	return out
}

// execute is the scheduler's executor and the inline sync path.
func (e *Engine) execute(ctx context.Context, op *ir.Operation) error {
	e.resolver.Rewrite(op)

	if orphaned := e.resolver.Orphaned(*op); len(orphaned) > 0 {
		return &SyncError{
			Code:        ErrCodeBusinessRule,
			Message:     fmt.Sprintf("references temporary ids that will never resolve: %s", strings.Join(orphaned, ", ")),
			OperationID: op.ID,
			EntityType:  op.EntityType,
			EntityID:    op.EntityID,
		}
	}
	if pending := e.resolver.Unresolved(*op); len(pending) > 0 {
		return &SyncError{
			Code:        ErrCodeUnresolvedDependency,
			Message:     fmt.Sprintf("waiting on %s", strings.Join(pending, ", ")),
			OperationID: op.ID,
			EntityType:  op.EntityType,
			EntityID:    op.EntityID,
		}
	}

	h, ok := e.handler(*op)
	if !ok {
		return &SyncError{
			Code:        ErrCodeBusinessRule,
			Message:     fmt.Sprintf("no handler for action %q", op.Action),
			OperationID: op.ID,
			EntityType:  op.EntityType,
		}
	}

	result, err := h(ctx, op)
	if err != nil {
		return remoteError(op.ID, op.EntityType, op.EntityID, err)
	}
	return e.applyRemoteResult(ctx, op, result)
}

// applyRemoteResult brings the local store in line with what the server
// returned: temporary ids are swapped for server ids and fields only the
// server knows are added to the local record.
func (e *Engine) applyRemoteResult(ctx context.Context, op *ir.Operation, result ir.IRObject) error {
	if result == nil || op.Kind == ir.KindDelete {
		return nil
	}
	id := op.EntityID
	if realID, ok := result.String("id"); ok && realID != "" && ir.IsTemporaryID(op.EntityID) {
		if err := e.resolver.Record(ctx, op.EntityType, op.EntityID, realID); err != nil {
			return localStorageError(op.ID, "record server id", err)
		}
		id = realID
		op.EntityID = realID
	}
	if op.Kind == ir.KindCustom {
		return nil
	}

	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		rec, err := tx.Get(ctx, op.EntityType, id)
		if errors.Is(err, store.ErrNotFound) {
			rec = ir.Record{EntityType: op.EntityType, ID: id, Data: ir.IRObject{}}
		} else if err != nil {
			return err
		}
		// Local values win: the device is the last writer for fields it
		// sent, and later queued work may already have changed them.
		for k, v := range result {
			if _, ok := rec.Data[k]; !ok && k != remote.ClientRefField {
				rec.Data[k] = ir.Clone(v)
			}
		}
		rec.Data["id"] = ir.IRString(id)
		rec.UpdatedAt = e.clock.Now()
		if err := tx.Put(ctx, rec); err != nil {
			return err
		}
		return e.snapshotFromData(ctx, tx, op.EntityType, id, rec.Data)
	})
	if err != nil {
		return localStorageError(op.ID, "apply remote result", err)
	}
	return nil
}

// snapshotFromData records an inventory quantity the server has confirmed
// or the user has entered.
func (e *Engine) snapshotFromData(ctx context.Context, tx *store.Tx, entityType, id string, data ir.IRObject) error {
	if entityType != ir.EntityInventory {
		return nil
	}
	qty, ok := data.Int("quantity")
	if !ok {
		return nil
	}
	return tx.PutSnapshot(ctx, ir.StockSnapshot{EntityID: id, Quantity: qty, AsOf: e.clock.Now()})
}

// classify maps execute errors to scheduler dispositions. Local storage
// failures are retried: the remote effect is idempotent, the local apply
// simply runs again.
func classify(err error) retry.Disposition {
	switch {
	case IsUnresolvedDependency(err):
		return retry.Defer
	case IsTransient(err), IsLocalStorage(err):
		return retry.Retry
	default:
		return retry.Abandon
	}
}
