package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/resolver"
	"github.com/roach88/tillsync/internal/store"
)

// Mutation is a local write with the remote effect it implies.
type Mutation struct {
	EntityType string
	// ID is empty for a create made on the device; one is minted.
	ID   string
	Kind ir.OperationKind
	// Action names a registered handler for custom mutations.
	Action   string
	Data     ir.IRObject
	Critical bool
}

// StoreResult describes where a write ended up.
type StoreResult struct {
	// ID is the entity's id after the write: the server id when the
	// create synced inline, the temporary id otherwise.
	ID          string      `json:"id"`
	OperationID string      `json:"operation_id"`
	Offline     bool        `json:"offline"`
	Record      ir.IRObject `json:"record,omitempty"`
}

// StoreData writes data locally, then syncs it inline when online or
// queues it when not. A transient remote failure also queues and returns
// {Offline: true} without an error. A business-rule rejection undoes the
// local write and is returned.
func (e *Engine) StoreData(ctx context.Context, m Mutation) (*StoreResult, error) {
	if err := e.checkMutation(&m); err != nil {
		return nil, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	op := &ir.Operation{
		ID:         e.ids.Generate(),
		EntityType: m.EntityType,
		EntityID:   m.ID,
		Kind:       m.Kind,
		Action:     m.Action,
		Payload:    payloadFor(m),
		Critical:   m.Critical,
	}
	if e.resolver.Rewrite(op) {
		m.ID = op.EntityID
		if m.Kind != ir.KindDelete {
			m.Data = op.Payload
		}
	}

	txID := "store:" + op.ID
	if err := e.txns.Begin(txID); err != nil {
		return nil, localStorageError(op.ID, "begin transaction", err)
	}

	restore, err := e.writeLocal(ctx, m)
	if err != nil {
		e.abort(ctx, txID)
		return nil, localStorageError(op.ID, "local write", err)
	}
	e.txns.AddRollbackEntry(txID, m.EntityType+"/"+m.ID, restore)

	created := m.Kind == ir.KindCreate && ir.IsTemporaryID(m.ID)
	if created {
		if err := e.resolver.Track(ctx, m.ID, m.EntityType); err != nil {
			e.abort(ctx, txID)
			return nil, localStorageError(op.ID, "track temporary id", err)
		}
	}

	inline, err := e.canSendInline(ctx, op)
	if err != nil {
		e.abortCreate(ctx, txID, created, m.ID)
		return nil, localStorageError(op.ID, "check queue", err)
	}
	if inline {
		err := e.execute(ctx, op)
		if err == nil {
			_ = e.txns.Commit(txID)
			rec, _ := e.store.Get(ctx, op.EntityType, op.EntityID)
			e.logger.Debug("mutation synced inline", "op_id", op.ID, "entity_type", op.EntityType, "entity_id", op.EntityID)
			return &StoreResult{ID: op.EntityID, OperationID: op.ID, Record: rec.Data}, nil
		}
		if IsBusinessRule(err) {
			e.abortCreate(ctx, txID, created, m.ID)
			e.logger.Info("mutation rejected", "op_id", op.ID, "entity_type", op.EntityType, "error", err)
			return nil, err
		}
		if !IsUnresolvedDependency(err) {
			op.Attempts = 1
			op.LastError = err.Error()
		}
	}

	if op.Attempts > 0 {
		op.NotBefore = e.clock.Now().Add(e.policy.Delay(op.Attempts))
	}
	if err := e.queue.Enqueue(ctx, op); err != nil {
		e.abortCreate(ctx, txID, created, m.ID)
		return nil, localStorageError(op.ID, "enqueue", err)
	}
	_ = e.txns.Commit(txID)
	e.kick(ctx, op)
	e.refreshPending(ctx)

	e.logger.Debug("mutation queued",
		"op_id", op.ID,
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"kind", op.Kind,
		"attempts", op.Attempts,
	)
	return &StoreResult{ID: op.EntityID, OperationID: op.ID, Offline: true}, nil
}

func (e *Engine) checkMutation(m *Mutation) error {
	if m.EntityType == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidMutation)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}
	if m.Data == nil {
		m.Data = ir.IRObject{}
	}
	if err := ir.ValidatePayload(m.Data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	switch m.Kind {
	case ir.KindCreate:
		if m.ID == "" {
			m.ID = resolver.NewTemporaryID()
		} else if !ir.IsTemporaryID(m.ID) {
			return fmt.Errorf("%w: create ids are assigned by the server, got %q", ErrInvalidMutation, m.ID)
		}
	case ir.KindUpdate, ir.KindDelete:
		if m.ID == "" {
			return fmt.Errorf("%w: %s needs an id", ErrInvalidMutation, m.Kind)
		}
	case ir.KindCustom:
		if m.Action == "" {
			return fmt.Errorf("%w: custom mutation needs an action", ErrInvalidMutation)
		}
		if _, ok := e.handler(ir.Operation{Action: m.Action}); !ok {
			return fmt.Errorf("%w: no handler for action %q", ErrInvalidMutation, m.Action)
		}
	}
	return nil
}

// payloadFor is the operation payload. The entity id travels in the
// operation itself, not the payload.
func payloadFor(m Mutation) ir.IRObject {
	if m.Kind == ir.KindDelete {
		return ir.IRObject{}
	}
	return ir.Clone(m.Data).(ir.IRObject)
}

// canSendInline is false when offline, and when an older operation for
// the same entity is still queued: sending the newer one first would let
// the older one overwrite it later.
func (e *Engine) canSendInline(ctx context.Context, op *ir.Operation) (bool, error) {
	if !e.monitor.Online() {
		return false, nil
	}
	if op.Kind == ir.KindCreate {
		return true, nil
	}
	queued, err := e.queue.HasPending(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return false, err
	}
	return !queued, nil
}

// writeLocal applies m to the store and returns the action that undoes it.
func (e *Engine) writeLocal(ctx context.Context, m Mutation) (func(ctx context.Context) error, error) {
	if m.Kind == ir.KindCustom {
		return func(context.Context) error { return nil }, nil
	}
	var (
		prev     *ir.Record
		prevSnap *ir.StockSnapshot
	)
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		rec, err := tx.Get(ctx, m.EntityType, m.ID)
		switch {
		case err == nil:
			prev = &rec
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if m.EntityType == ir.EntityInventory {
			snap, err := tx.Snapshot(ctx, m.ID)
			switch {
			case err == nil:
				prevSnap = &snap
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		now := e.clock.Now()
		switch m.Kind {
		case ir.KindCreate, ir.KindUpdate:
			data := ir.Clone(m.Data).(ir.IRObject)
			if prev != nil {
				data = prev.Data.Merge(m.Data)
			}
			data["id"] = ir.IRString(m.ID)
			if err := tx.Put(ctx, ir.Record{EntityType: m.EntityType, ID: m.ID, Data: data, UpdatedAt: now}); err != nil {
				return err
			}
			return e.snapshotFromData(ctx, tx, m.EntityType, m.ID, m.Data)
		case ir.KindDelete:
			if err := tx.Delete(ctx, m.EntityType, m.ID); err != nil {
				return err
			}
			if prevSnap != nil {
				return tx.DeleteSnapshot(ctx, m.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entityType, id := m.EntityType, m.ID
	restore := func(ctx context.Context) error {
		return e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
			if prev != nil {
				if err := tx.Put(ctx, *prev); err != nil {
					return err
				}
			} else if err := tx.Delete(ctx, entityType, id); err != nil {
				return err
			}
			if entityType != ir.EntityInventory {
				return nil
			}
			if prevSnap != nil {
				return tx.PutSnapshot(ctx, *prevSnap)
			}
			return tx.DeleteSnapshot(ctx, id)
		})
	}
	return restore, nil
}

func (e *Engine) abort(ctx context.Context, txID string) {
	report, err := e.txns.Abort(ctx, txID)
	if err != nil {
		e.logger.Error("abort transaction", "txn_id", txID, "error", err)
		return
	}
	if len(report.Failed) > 0 {
		e.logger.Error("rollback incomplete", "txn_id", txID, "failed", report.Failed)
	}
}

// abortCreate rolls back the local write and drops the temporary id a
// create minted.
func (e *Engine) abortCreate(ctx context.Context, txID string, created bool, tempID string) {
	e.abort(ctx, txID)
	if !created {
		return
	}
	if err := e.resolver.Forget(ctx, tempID); err != nil {
		e.logger.Warn("forget temporary id", "temp_id", tempID, "error", err)
	}
}
