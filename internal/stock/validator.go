// Package stock enforces that a sale never takes an item below zero.
package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/store"
)

// QuantityReader reads the authoritative quantity of an inventory item.
type QuantityReader interface {
	ReadQuantity(ctx context.Context, entityID string) (int64, error)
}

// SnapshotStore holds the last known quantities.
type SnapshotStore interface {
	Snapshot(ctx context.Context, entityID string) (ir.StockSnapshot, error)
	PutSnapshot(ctx context.Context, snap ir.StockSnapshot) error
}

// InsufficientStockError rejects a sale. Available is the quantity the
// check saw; Requested is the total asked for across the cart.
type InsufficientStockError struct {
	InventoryID string
	Available   int64
	Requested   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", e.InventoryID, e.Available, e.Requested)
}

// IsInsufficientStock reports whether err is an *InsufficientStockError.
func IsInsufficientStock(err error) bool {
	var e *InsufficientStockError
	return errors.As(err, &e)
}

// Validator checks carts against remote stock when online and against
// snapshots when not.
type Validator struct {
	remote    QuantityReader
	snapshots SnapshotStore
	clock     clock.Clock
	logger    *slog.Logger
}

// NewValidator builds a validator.
func NewValidator(r QuantityReader, snaps SnapshotStore, clk clock.Clock, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{remote: r, snapshots: snaps, clock: clk, logger: logger}
}

// Demand sums the requested quantity per inventory id, keeping first-seen
// order.
func Demand(items []ir.SaleItem) ([]string, map[string]int64, error) {
	order := make([]string, 0, len(items))
	totals := make(map[string]int64, len(items))
	for _, item := range items {
		if item.InventoryID == "" {
			return nil, nil, fmt.Errorf("sale item without inventory id")
		}
		if item.Quantity <= 0 {
			return nil, nil, fmt.Errorf("sale item %s: quantity must be positive, got %d", item.InventoryID, item.Quantity)
		}
		if _, ok := totals[item.InventoryID]; !ok {
			order = append(order, item.InventoryID)
		}
		totals[item.InventoryID] += item.Quantity
	}
	return order, totals, nil
}

// Validate returns nil when every item has enough stock, or the first
// shortfall as an *InsufficientStockError. It writes nothing except
// refreshed snapshots.
func (v *Validator) Validate(ctx context.Context, items []ir.SaleItem, online bool) error {
	order, totals, err := Demand(items)
	if err != nil {
		return err
	}
	for _, id := range order {
		available, err := v.available(ctx, id, online)
		if err != nil {
			return err
		}
		if available < totals[id] {
			v.logger.Info("sale rejected: insufficient stock",
				"inventory_id", id,
				"available", available,
				"requested", totals[id],
				"online", online,
			)
			return &InsufficientStockError{InventoryID: id, Available: available, Requested: totals[id]}
		}
	}
	return nil
}

func (v *Validator) available(ctx context.Context, id string, online bool) (int64, error) {
	// A temporary id has never reached the server.
	if online && v.remote != nil && !ir.IsTemporaryID(id) {
		qty, err := v.remote.ReadQuantity(ctx, id)
		if err == nil {
			v.refresh(ctx, id, qty)
			return qty, nil
		}
		if !remote.IsTransient(err) {
			return 0, fmt.Errorf("read stock %s: %w", id, err)
		}
		v.logger.Warn("remote stock read failed, using snapshot", "inventory_id", id, "error", err)
	}
	return v.snapshot(ctx, id)
}

func (v *Validator) snapshot(ctx context.Context, id string) (int64, error) {
	snap, err := v.snapshots.Snapshot(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	return snap.Quantity, nil
}

func (v *Validator) refresh(ctx context.Context, id string, qty int64) {
	snap := ir.StockSnapshot{EntityID: id, Quantity: qty, AsOf: v.clock.Now()}
	if err := v.snapshots.PutSnapshot(ctx, snap); err != nil {
		v.logger.Warn("stock snapshot refresh failed", "inventory_id", id, "error", err)
	}
}
