package queue

import (
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// DurabilityError means an operation could not be persisted. The caller
// must not treat the mutation as queued.
type DurabilityError struct {
	OperationID string
	Err         error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("operation %s not durable: %v", e.OperationID, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

// TransitionError reports an illegal status change.
type TransitionError struct {
	OperationID string
	From, To    ir.OperationStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("operation %s: illegal transition %s -> %s", e.OperationID, e.From, e.To)
}

// IsDurabilityError reports whether err is (or wraps) a DurabilityError.
func IsDurabilityError(err error) bool {
	var de *DurabilityError
	return errors.As(err, &de)
}
