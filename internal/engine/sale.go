package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/resolver"
	"github.com/roach88/tillsync/internal/stock"
	"github.com/roach88/tillsync/internal/store"
)

// Sale line progress recorded in a processSale payload.
const (
	itemInserted    = "inserted"
	itemDecremented = "decremented"
)

// SaleResult describes a recorded sale.
type SaleResult struct {
	SaleID      string      `json:"sale_id"`
	OperationID string      `json:"operation_id"`
	Offline     bool        `json:"offline"`
	Sale        ir.IRObject `json:"sale,omitempty"`
}

// ProcessSale checks stock for every item, then records the sale remotely
// when online or locally plus a queued processSale operation when not.
// Insufficient stock for any item rejects the whole sale before anything
// is written.
func (e *Engine) ProcessSale(ctx context.Context, sale ir.IRObject, items []ir.SaleItem) (*SaleResult, error) {
	if sale == nil {
		sale = ir.IRObject{}
	}
	if err := ir.ValidatePayload(sale); err != nil {
		return nil, fmt.Errorf("%w: sale: %v", ErrInvalidMutation, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: sale has no items", ErrInvalidMutation)
	}
	if _, _, err := stock.Demand(items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	items = e.resolveItems(items)
	opID := e.ids.Generate()
	online := e.monitor.Online()

	if err := e.validator.Validate(ctx, items, online); err != nil {
		switch {
		case stock.IsInsufficientStock(err):
			return nil, insufficientStock(opID, err)
		case remote.IsBusiness(err):
			return nil, remoteError(opID, ir.EntityInventory, "", err)
		default:
			return nil, localStorageError(opID, "read stock", err)
		}
	}

	tempSaleID := resolver.NewTemporaryID()
	saleData := ir.Clone(sale).(ir.IRObject)
	saleData["id"] = ir.IRString(tempSaleID)
	lines := make(ir.IRArray, len(items))
	for i, item := range items {
		lines[i] = item.ToIR()
	}
	op := &ir.Operation{
		ID:         opID,
		EntityType: ir.EntitySales,
		EntityID:   tempSaleID,
		Kind:       ir.KindCustom,
		Action:     ir.ActionProcessSale,
		Payload:    ir.IRObject{"sale": saleData, "items": lines},
		Critical:   true,
	}

	if fp, err := ir.SaleFingerprint(items); err == nil {
		e.logger.Debug("processing sale", "op_id", opID, "items", len(items), "fingerprint", fp, "online", online)
	}

	if online && !dependsOnUnsynced(items) {
		err := e.execute(ctx, op)
		if err == nil {
			saleID := op.EntityID
			if err := e.writeSyncedSale(ctx, op, saleID, items); err != nil {
				e.logger.Warn("local copy of synced sale failed", "op_id", opID, "sale_id", saleID, "error", err)
			}
			e.metrics.Sale("online")
			result := outgoing(saleData)
			result["id"] = ir.IRString(saleID)
			return &SaleResult{SaleID: saleID, OperationID: opID, Sale: result}, nil
		}
		if IsBusinessRule(err) {
			e.logger.Info("sale rejected", "op_id", opID, "error", err)
			return nil, err
		}
		if !IsUnresolvedDependency(err) {
			op.Attempts = 1
			op.LastError = err.Error()
		}
		e.logger.Warn("online sale failed, recording offline", "op_id", opID, "error", err)
	}

	if err := e.queueSale(ctx, op, items); err != nil {
		return nil, err
	}
	e.metrics.Sale("offline")
	return &SaleResult{SaleID: op.EntityID, OperationID: opID, Offline: true, Sale: saleData}, nil
}

func (e *Engine) resolveItems(items []ir.SaleItem) []ir.SaleItem {
	out := make([]ir.SaleItem, len(items))
	for i, item := range items {
		if realID, ok := e.resolver.Resolve(item.InventoryID); ok {
			item.InventoryID = realID
		}
		out[i] = item
	}
	return out
}

func dependsOnUnsynced(items []ir.SaleItem) bool {
	for _, item := range items {
		if ir.IsTemporaryID(item.InventoryID) {
			return true
		}
	}
	return false
}

// queueSale writes the sale, its lines and the stock decrements in one
// local transaction, then queues the processSale operation. If the
// enqueue fails the local writes are rolled back.
func (e *Engine) queueSale(ctx context.Context, op *ir.Operation, items []ir.SaleItem) error {
	txID := "sale:" + op.ID
	if err := e.txns.Begin(txID); err != nil {
		return localStorageError(op.ID, "begin transaction", err)
	}

	progress := saleProgress(op)
	demand := make(map[string]int64)
	var order []string
	for i, item := range items {
		if progress.decremented(i) {
			continue
		}
		if _, ok := demand[item.InventoryID]; !ok {
			order = append(order, item.InventoryID)
		}
		demand[item.InventoryID] += item.Quantity
	}

	saleID := op.EntityID
	saleData, _ := op.Payload.Object("sale")
	type stockBefore struct {
		rec  *ir.Record
		snap *ir.StockSnapshot
	}
	before := make(map[string]stockBefore, len(order))

	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		now := e.clock.Now()
		if err := tx.Put(ctx, ir.Record{EntityType: ir.EntitySales, ID: saleID, Data: saleData, UpdatedAt: now}); err != nil {
			return err
		}
		for i, item := range items {
			if err := tx.Put(ctx, saleItemRecord(op.ID, i, saleID, item, now)); err != nil {
				return err
			}
		}
		for _, id := range order {
			var b stockBefore
			rec, err := tx.Get(ctx, ir.EntityInventory, id)
			switch {
			case err == nil:
				b.rec = &rec
				if qty, ok := rec.Data.Int("quantity"); ok {
					updated := ir.Record{EntityType: rec.EntityType, ID: rec.ID, UpdatedAt: now,
						Data: rec.Data.Merge(ir.IRObject{"quantity": ir.IRInt(qty - demand[id])})}
					if err := tx.Put(ctx, updated); err != nil {
						return err
					}
				}
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
			snap, err := tx.Snapshot(ctx, id)
			switch {
			case err == nil:
				b.snap = &snap
				if err := tx.PutSnapshot(ctx, ir.StockSnapshot{EntityID: id, Quantity: snap.Quantity - demand[id], AsOf: now}); err != nil {
					return err
				}
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
			before[id] = b
		}
		return nil
	})
	if err != nil {
		e.abort(ctx, txID)
		return localStorageError(op.ID, "record sale locally", err)
	}

	e.txns.AddRollbackEntry(txID, ir.EntitySales+"/"+saleID, func(ctx context.Context) error {
		return e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
			for i := range items {
				if err := tx.Delete(ctx, ir.EntitySaleItems, saleItemID(op.ID, i)); err != nil {
					return err
				}
			}
			return tx.Delete(ctx, ir.EntitySales, saleID)
		})
	})
	for _, id := range order {
		id, b := id, before[id]
		e.txns.AddRollbackEntry(txID, ir.EntityInventory+"/"+id, func(ctx context.Context) error {
			return e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
				if b.rec != nil {
					if err := tx.Put(ctx, *b.rec); err != nil {
						return err
					}
				}
				if b.snap != nil {
					return tx.PutSnapshot(ctx, *b.snap)
				}
				return nil
			})
		})
	}

	if err := e.resolver.Track(ctx, saleID, ir.EntitySales); err != nil {
		e.abort(ctx, txID)
		return localStorageError(op.ID, "track temporary id", err)
	}

	if op.Attempts > 0 {
		op.NotBefore = e.clock.Now().Add(e.policy.Delay(op.Attempts))
	}
	if err := e.queue.Enqueue(ctx, op); err != nil {
		e.abortCreate(ctx, txID, true, saleID)
		return localStorageError(op.ID, "enqueue sale", err)
	}
	_ = e.txns.Commit(txID)
	e.kick(ctx, op)
	e.refreshPending(ctx)

	e.logger.Info("sale queued",
		"op_id", op.ID,
		"sale_id", saleID,
		"items", len(items),
	)
	return nil
}

// writeSyncedSale stores the local copy of a sale the server accepted.
func (e *Engine) writeSyncedSale(ctx context.Context, op *ir.Operation, saleID string, items []ir.SaleItem) error {
	saleData, _ := op.Payload.Object("sale")
	return e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		now := e.clock.Now()
		data := saleData.Merge(ir.IRObject{"id": ir.IRString(saleID)})
		if err := tx.Put(ctx, ir.Record{EntityType: ir.EntitySales, ID: saleID, Data: data, UpdatedAt: now}); err != nil {
			return err
		}
		for i, item := range items {
			if err := tx.Put(ctx, saleItemRecord(op.ID, i, saleID, item, now)); err != nil {
				return err
			}
		}
		return nil
	})
}

func saleItemID(opID string, i int) string {
	return opID + ":" + strconv.Itoa(i)
}

func saleItemRecord(opID string, i int, saleID string, item ir.SaleItem, now time.Time) ir.Record {
	data := item.ToIR()
	data["sale_id"] = ir.IRString(saleID)
	data["id"] = ir.IRString(saleItemID(opID, i))
	return ir.Record{EntityType: ir.EntitySaleItems, ID: saleItemID(opID, i), Data: data, UpdatedAt: now}
}

// progress tracks how far a processSale operation got on the server so a
// retry picks up where the last attempt stopped.
type progress struct {
	obj ir.IRObject
}

func saleProgress(op *ir.Operation) progress {
	obj, ok := op.Payload.Object("progress")
	if !ok {
		obj = ir.IRObject{}
	}
	return progress{obj: obj}
}

func (p progress) saleID() string {
	id, _ := p.obj.String("sale_id")
	return id
}

func (p progress) item(i int) string {
	lines, _ := p.obj.Object("items")
	state, _ := lines.String(strconv.Itoa(i))
	return state
}

func (p progress) decremented(i int) bool {
	return p.item(i) == itemDecremented
}

// save writes p back into op's payload.
func (p progress) save(op *ir.Operation) {
	payload := ir.Clone(op.Payload).(ir.IRObject)
	payload["progress"] = ir.Clone(p.obj)
	op.Payload = payload
}

func (p progress) setSaleID(id string) {
	p.obj["sale_id"] = ir.IRString(id)
}

func (p progress) setItem(i int, state string) {
	lines, ok := p.obj.Object("items")
	if !ok {
		lines = ir.IRObject{}
		p.obj["items"] = lines
	}
	lines[strconv.Itoa(i)] = ir.IRString(state)
}

// saleHandler replays a processSale operation: the sale row, one row per
// line, and one decrement per line. Each step is keyed by client_ref and
// recorded in the payload's progress, so neither a retry after a partial
// failure nor a replay of an already-synced sale decrements twice.
func (e *Engine) saleHandler(ctx context.Context, op *ir.Operation) (ir.IRObject, error) {
	saleData, ok := op.Payload.Object("sale")
	if !ok {
		return nil, &SyncError{Code: ErrCodeBusinessRule, Message: "processSale payload has no sale", OperationID: op.ID}
	}
	lines, _ := op.Payload["items"].(ir.IRArray)
	items := make([]ir.SaleItem, len(lines))
	for i, line := range lines {
		item, err := ir.SaleItemFromIR(line)
		if err != nil {
			return nil, &SyncError{Code: ErrCodeBusinessRule, Message: "malformed sale line", OperationID: op.ID, Err: err}
		}
		items[i] = item
	}

	p := saleProgress(op)
	defer p.save(op)

	saleID := p.saleID()
	if saleID == "" {
		rec := outgoing(saleData)
		rec[remote.ClientRefField] = ir.IRString(op.ID)
		row, err := e.remote.Insert(ctx, ir.EntitySales, rec)
		switch {
		case remote.IsDuplicate(err):
			saleID = remote.DuplicateID(err)
		case err != nil:
			return nil, err
		default:
			saleID, _ = row.String("id")
		}
		if saleID == "" {
			return nil, &SyncError{Code: ErrCodeBusinessRule, Message: "remote returned no sale id", OperationID: op.ID}
		}
		p.setSaleID(saleID)
	}

	for i, item := range items {
		if p.decremented(i) {
			continue
		}
		line := item.ToIR()
		line["sale_id"] = ir.IRString(saleID)
		line[remote.ClientRefField] = ir.IRString(saleItemID(op.ID, i))
		_, err := e.remote.Insert(ctx, ir.EntitySaleItems, line)
		if err != nil && !remote.IsDuplicate(err) {
			return nil, err
		}
		if remote.IsDuplicate(err) && p.item(i) != itemInserted {
			// Inserted by an attempt whose progress was lost, which only
			// happens once that attempt finished the line.
			e.logger.Info("sale line already applied", "op_id", op.ID, "line", i, "inventory_id", item.InventoryID)
			p.setItem(i, itemDecremented)
			continue
		}
		p.setItem(i, itemInserted)

		qty, err := e.decrement(ctx, item.InventoryID, item.Quantity)
		if err != nil {
			return nil, err
		}
		p.setItem(i, itemDecremented)
		e.refreshLocalStock(ctx, item.InventoryID, qty)
	}

	result := outgoing(saleData)
	result["id"] = ir.IRString(saleID)
	return result, nil
}

// decrement takes qty off an inventory item's remote quantity and returns
// the new quantity. With a conditional decrementer the write is atomic;
// otherwise the quantity is read back after the write and the round is
// repeated if another writer got in between.
func (e *Engine) decrement(ctx context.Context, id string, qty int64) (int64, error) {
	cd, conditional := e.remote.(remote.ConditionalDecrementer)
	conditional = conditional && e.sale.Conditional

	var lastErr error
	for attempt := 1; attempt <= e.sale.DecrementAttempts; attempt++ {
		if attempt > 1 {
			if err := clock.Sleep(ctx, e.clock, e.sale.DecrementDelay); err != nil {
				return 0, err
			}
		}
		current, err := e.remote.ReadQuantity(ctx, id)
		if err != nil {
			return 0, err
		}
		if current < qty {
			return 0, insufficientStock("", &stock.InsufficientStockError{InventoryID: id, Available: current, Requested: qty})
		}
		want := current - qty

		if conditional {
			applied, err := cd.DecrementIf(ctx, id, current, qty)
			if err != nil {
				return 0, err
			}
			if applied {
				return want, nil
			}
			lastErr = fmt.Errorf("quantity of %s changed from %d during decrement", id, current)
			e.logger.Warn("conditional decrement lost race", "inventory_id", id, "attempt", attempt)
			continue
		}

		if _, err := e.remote.Update(ctx, ir.EntityInventory, id, ir.IRObject{"quantity": ir.IRInt(want)}); err != nil {
			return 0, err
		}
		got, err := e.remote.ReadQuantity(ctx, id)
		if err != nil {
			// The write went through; a failed read-back is not a reason
			// to decrement again.
			e.logger.Warn("decrement verify read failed", "inventory_id", id, "error", err)
			return want, nil
		}
		if got == want {
			return want, nil
		}
		lastErr = fmt.Errorf("quantity of %s is %d after writing %d", id, got, want)
		e.logger.Warn("decrement verify mismatch", "inventory_id", id, "attempt", attempt, "wrote", want, "read", got)
	}
	return 0, &remote.Error{Class: remote.Transient, Op: "update", Table: ir.EntityInventory, Code: "contention", Err: lastErr}
}

// refreshLocalStock copies a quantity the server confirmed into the local
// inventory record and snapshot.
func (e *Engine) refreshLocalStock(ctx context.Context, id string, qty int64) {
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		now := e.clock.Now()
		rec, err := tx.Get(ctx, ir.EntityInventory, id)
		switch {
		case err == nil:
			rec.Data = rec.Data.Merge(ir.IRObject{"quantity": ir.IRInt(qty)})
			rec.UpdatedAt = now
			if err := tx.Put(ctx, rec); err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		return tx.PutSnapshot(ctx, ir.StockSnapshot{EntityID: id, Quantity: qty, AsOf: now})
	})
	if err != nil {
		e.logger.Warn("refresh local stock", "inventory_id", id, "error", err)
	}
}
