// Package remote defines the contract the engine needs from the
// authoritative data service, and the error classes it must surface.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// ClientRefField is the column carrying the device-side operation id on
// inserts. Services reject a second insert with the same client_ref as
// ErrDuplicate.
const ClientRefField = "client_ref"

// Service is the remote data service.
type Service interface {
	Insert(ctx context.Context, table string, record ir.IRObject) (ir.IRObject, error)
	Update(ctx context.Context, table, id string, patch ir.IRObject) (ir.IRObject, error)
	Delete(ctx context.Context, table, id string) error
	ReadQuantity(ctx context.Context, entityID string) (int64, error)
}

// ConditionalDecrementer is implemented by services that can decrement
// inventory atomically. DecrementIf applies only when the stored quantity
// still equals expected and reports whether it did.
type ConditionalDecrementer interface {
	DecrementIf(ctx context.Context, entityID string, expected, by int64) (bool, error)
}

// Class separates failures worth retrying from ones that never will succeed.
type Class int

const (
	Transient Class = iota
	Business
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Business:
		return "business"
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// ErrDuplicate marks an insert whose client_ref has already been applied.
var ErrDuplicate = errors.New("duplicate client_ref")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Error is the only error type a Service returns.
type Error struct {
	Class Class
	Op    string // insert, update, delete, read
	Table string
	Code  string // service-specific, e.g. a SQLSTATE
	ID    string // for ErrDuplicate, the existing row's id
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("remote %s %s (%s)", e.Op, e.Table, e.Class)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable remote failure. Errors
// that are not *Error (context deadline, dropped connection) count as
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Class == Transient
	}
	return true
}

// IsBusiness reports whether err is a rejection the service will repeat.
func IsBusiness(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Class == Business
}

// IsDuplicate reports whether err marks an already-applied insert.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// DuplicateID returns the id of the row an ErrDuplicate points at.
func DuplicateID(err error) string {
	var re *Error
	if errors.As(err, &re) && errors.Is(re.Err, ErrDuplicate) {
		return re.ID
	}
	return ""
}
