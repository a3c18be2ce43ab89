package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

var testEpoch = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// createTestStore opens a file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestOperation builds a pending update operation.
func createTestOperation(id string, seq int64) ir.Operation {
	return ir.Operation{
		ID:             id,
		Seq:            seq,
		EntityType:     ir.EntityInventory,
		EntityID:       "inv-1",
		Kind:           ir.KindUpdate,
		Payload:        ir.IRObject{"quantity": ir.IRInt(seq)},
		IdempotencyKey: "key-" + id,
		CreatedAt:      testEpoch,
		Status:         ir.StatusPending,
	}
}
