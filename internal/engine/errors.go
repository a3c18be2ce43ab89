package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/stock"
)

// ErrorCode categorizes sync failures.
type ErrorCode string

const (
	// ErrCodeTransientRemote is a network or timeout failure. Always retried.
	ErrCodeTransientRemote ErrorCode = "TRANSIENT_REMOTE"

	// ErrCodeBusinessRule is a rejection the remote will repeat. Never retried.
	ErrCodeBusinessRule ErrorCode = "BUSINESS_RULE"

	// ErrCodeLocalStorage means the local write failed; nothing was queued.
	ErrCodeLocalStorage ErrorCode = "LOCAL_STORAGE"

	// ErrCodeUnresolvedDependency means a temporary id has no server id yet.
	ErrCodeUnresolvedDependency ErrorCode = "UNRESOLVED_DEPENDENCY"

	// ErrCodeInsufficientStock is the business rule protecting stock levels.
	ErrCodeInsufficientStock ErrorCode = "INSUFFICIENT_STOCK"
)

// ErrInvalidMutation is wrapped by errors for malformed StoreData and
// ProcessSale input.
var ErrInvalidMutation = errors.New("invalid mutation")

// ErrClosed is returned by Start on an engine that was closed.
var ErrClosed = errors.New("engine closed")

// ErrOffline is returned by Sync when there is no connectivity.
var ErrOffline = errors.New("offline")

// SyncError is the error type surfaced by the engine.
type SyncError struct {
	Code        ErrorCode
	Message     string
	OperationID string
	EntityType  string
	EntityID    string
	Err         error
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.OperationID != "" {
		msg += fmt.Sprintf(" (op=%s)", e.OperationID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Err }

func hasCode(err error, codes ...ErrorCode) bool {
	var se *SyncError
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.Code == c {
			return true
		}
	}
	return false
}

// IsTransient reports whether err will be retried.
func IsTransient(err error) bool {
	return hasCode(err, ErrCodeTransientRemote)
}

// IsBusinessRule reports whether err is a permanent rejection, including
// insufficient stock.
func IsBusinessRule(err error) bool {
	return hasCode(err, ErrCodeBusinessRule, ErrCodeInsufficientStock)
}

// IsLocalStorage reports whether the local write failed.
func IsLocalStorage(err error) bool {
	return hasCode(err, ErrCodeLocalStorage)
}

// IsUnresolvedDependency reports whether err is waiting on a temporary id.
func IsUnresolvedDependency(err error) bool {
	return hasCode(err, ErrCodeUnresolvedDependency)
}

// IsInsufficientStock reports whether a sale was rejected for stock.
func IsInsufficientStock(err error) bool {
	return hasCode(err, ErrCodeInsufficientStock) || stock.IsInsufficientStock(err)
}

func localStorageError(op, message string, err error) *SyncError {
	return &SyncError{Code: ErrCodeLocalStorage, Message: message, OperationID: op, Err: err}
}

// remoteError classifies an error returned by a remote call or a handler.
func remoteError(op string, entityType, entityID string, err error) error {
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	code := ErrCodeBusinessRule
	msg := "rejected by remote"
	if remote.IsTransient(err) {
		code = ErrCodeTransientRemote
		msg = "remote unavailable"
	}
	return &SyncError{Code: code, Message: msg, OperationID: op, EntityType: entityType, EntityID: entityID, Err: err}
}

func insufficientStock(op string, err error) *SyncError {
	var ise *stock.InsufficientStockError
	msg := "insufficient stock"
	if errors.As(err, &ise) {
		msg = fmt.Sprintf("insufficient stock for %s", ise.InventoryID)
	}
	return &SyncError{Code: ErrCodeInsufficientStock, Message: msg, OperationID: op, EntityType: "inventory", Err: err}
}
