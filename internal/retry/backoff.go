package retry

import (
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// Default backoff parameters.
const (
	DefaultBase = time.Second
	DefaultCap  = 30 * time.Second
)

// Policy decides how long a failed operation waits and when it gives up.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
	// MaxAttempts fails non-critical operations once reached. 0 means unbounded.
	MaxAttempts uint
}

// DefaultPolicy is 1s doubling up to 30s with no attempt ceiling.
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap}
}

// Delay returns min(Base * 2^(attempts-1), Cap). attempts counts failures
// so far, starting at 1.
func (p Policy) Delay(attempts uint) time.Duration {
	if attempts == 0 {
		return 0
	}
	base, limit := p.Base, p.Cap
	if base <= 0 {
		base = DefaultBase
	}
	if limit <= 0 {
		limit = DefaultCap
	}
	d := base
	for i := uint(1); i < attempts; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Exhausted reports whether op has used up its attempts. Critical
// operations never are.
func (p Policy) Exhausted(op ir.Operation) bool {
	return p.MaxAttempts > 0 && !op.Critical && op.Attempts >= p.MaxAttempts
}
