package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/tillsync/internal/ir"
)

func TestDelayDoublesUpToCap(t *testing.T) {
	p := DefaultPolicy()

	expected := map[uint]time.Duration{
		1:   1 * time.Second,
		2:   2 * time.Second,
		3:   4 * time.Second,
		4:   8 * time.Second,
		5:   16 * time.Second,
		6:   30 * time.Second,
		7:   30 * time.Second,
		64:  30 * time.Second,
		500: 30 * time.Second,
	}
	for n, want := range expected {
		assert.Equal(t, want, p.Delay(n), "attempt %d", n)
	}
	assert.Zero(t, p.Delay(0))
}

func TestDelayCustomPolicy(t *testing.T) {
	p := Policy{Base: 250 * time.Millisecond, Cap: time.Second}

	assert.Equal(t, 250*time.Millisecond, p.Delay(1))
	assert.Equal(t, 500*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}

	assert.False(t, p.Exhausted(ir.Operation{Attempts: 2}))
	assert.True(t, p.Exhausted(ir.Operation{Attempts: 3}))
	assert.False(t, p.Exhausted(ir.Operation{Attempts: 10, Critical: true}), "critical operations never exhaust")

	unbounded := DefaultPolicy()
	assert.False(t, unbounded.Exhausted(ir.Operation{Attempts: 1000}))
}
