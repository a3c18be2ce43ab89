package ir

import (
	"fmt"
	"strings"
	"time"
)

// Entity types the client mirrors locally.
const (
	EntityInventory = "inventory"
	EntitySales     = "sales"
	EntitySaleItems = "sale_items"
	EntityExpenses  = "expenses"
)

// ActionProcessSale names the durable handler that replays an offline sale.
const ActionProcessSale = "processSale"

// TempIDPrefix marks identifiers minted on the device before the server
// has assigned a real one.
const TempIDPrefix = "temp_"

// IsTemporaryID reports whether id was minted locally.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix) && len(id) > len(TempIDPrefix)
}

// OperationKind is the remote effect a queued operation performs.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
	KindCustom OperationKind = "custom"
)

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindCustom:
		return true
	}
	return false
}

// OperationStatus tracks an operation through the queue.
//
//	pending -> in_flight -> done
//	                     -> pending (retry scheduled)
//	                     -> failed  (terminal)
type OperationStatus string

const (
	StatusPending  OperationStatus = "pending"
	StatusInFlight OperationStatus = "in_flight"
	StatusFailed   OperationStatus = "failed"
	StatusDone     OperationStatus = "done"
)

// CanTransition reports whether an operation may move from one status to another.
func CanTransition(from, to OperationStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusInFlight
	case StatusInFlight:
		return to == StatusPending || to == StatusDone || to == StatusFailed
	}
	return false
}

// ParseStatus converts user input (CLI flags, HTTP queries) to a status.
func ParseStatus(s string) (OperationStatus, error) {
	switch st := OperationStatus(s); st {
	case StatusPending, StatusInFlight, StatusFailed, StatusDone:
		return st, nil
	}
	return "", fmt.Errorf("unknown operation status %q", s)
}

// Operation is a deferred remote mutation. Payload must survive
// MarshalCanonical so the row can be reloaded after a restart.
type Operation struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Kind           OperationKind   `json:"kind"`
	Action         string          `json:"action,omitempty"`
	Payload        IRObject        `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	NotBefore      time.Time       `json:"not_before"`
	Attempts       uint            `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	Status         OperationStatus `json:"status"`
	Critical       bool            `json:"critical"`
}

// Due reports whether a pending operation may be attempted at now.
func (op Operation) Due(now time.Time) bool {
	return op.Status == StatusPending && !op.NotBefore.After(now)
}

// Record is a locally mirrored entity.
type Record struct {
	EntityType string    `json:"entity_type"`
	ID         string    `json:"id"`
	Data       IRObject  `json:"data"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SaleItem is one line of a sale. UnitPrice is in minor currency units.
type SaleItem struct {
	InventoryID string `json:"inventory_id" yaml:"inventory_id"`
	Quantity    int64  `json:"quantity" yaml:"quantity"`
	UnitPrice   int64  `json:"unit_price" yaml:"unit_price"`
}

// ToIR converts the item to its payload form.
func (s SaleItem) ToIR() IRObject {
	return IRObject{
		"inventory_id": IRString(s.InventoryID),
		"quantity":     IRInt(s.Quantity),
		"unit_price":   IRInt(s.UnitPrice),
	}
}

// SaleItemFromIR is the inverse of SaleItem.ToIR.
func SaleItemFromIR(v IRValue) (SaleItem, error) {
	obj, ok := v.(IRObject)
	if !ok {
		return SaleItem{}, fmt.Errorf("sale item: expected object, got %T", v)
	}
	id, ok := obj.String("inventory_id")
	if !ok || id == "" {
		return SaleItem{}, fmt.Errorf("sale item: missing inventory_id")
	}
	qty, ok := obj.Int("quantity")
	if !ok {
		return SaleItem{}, fmt.Errorf("sale item %s: missing quantity", id)
	}
	price, _ := obj.Int("unit_price")
	return SaleItem{InventoryID: id, Quantity: qty, UnitPrice: price}, nil
}

// StockSnapshot is the last known quantity of an inventory item.
type StockSnapshot struct {
	EntityID string    `json:"entity_id"`
	Quantity int64     `json:"quantity"`
	AsOf     time.Time `json:"as_of"`
}

// TempIDMapping links a locally minted id to the id the server assigned.
// RealID is empty until the create has synced.
type TempIDMapping struct {
	TempID     string    `json:"temp_id"`
	RealID     string    `json:"real_id,omitempty"`
	EntityType string    `json:"entity_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// Resolved reports whether the server id is known.
func (m TempIDMapping) Resolved() bool {
	return m.RealID != ""
}
