// Package txn groups local mutations with the actions that undo them.
//
// A transaction is an ordered list of rollback entries. Commit discards
// them; Abort runs them newest first. Nothing here touches storage: the
// entries close over whatever they need to restore.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/clock"
)

var (
	// ErrTransactionOpen is returned by Begin for an id that is already open.
	ErrTransactionOpen = errors.New("transaction already open")
	// ErrTransactionNotOpen is returned by Commit and Abort for unknown ids.
	ErrTransactionNotOpen = errors.New("transaction not open")
)

// RollbackAction undoes one local mutation.
type RollbackAction func(ctx context.Context) error

// Entry is a named rollback action.
type Entry struct {
	Key    string
	Action RollbackAction
}

// Transaction is an open group of rollback entries.
type Transaction struct {
	ID       string
	OpenedAt time.Time
	Entries  []Entry
}

// AbortReport lists the entries that failed during an abort.
type AbortReport struct {
	Ran    int
	Failed []string
}

// Coordinator tracks open transactions by id.
type Coordinator struct {
	clock  clock.Clock
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*Transaction
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(clk clock.Clock, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		clock:  clk,
		logger: logger,
		open:   make(map[string]*Transaction),
	}
}

// Begin opens a transaction.
func (c *Coordinator) Begin(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.open[id]; ok {
		return fmt.Errorf("begin %s: %w", id, ErrTransactionOpen)
	}
	c.open[id] = &Transaction{ID: id, OpenedAt: c.clock.Now()}
	return nil
}

// AddRollbackEntry appends an undo action. Adding to a transaction that is
// not open is logged and ignored.
func (c *Coordinator) AddRollbackEntry(id, key string, action RollbackAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.open[id]
	if !ok {
		c.logger.Warn("rollback entry for unknown transaction ignored", "tx_id", id, "key", key)
		return
	}
	tx.Entries = append(tx.Entries, Entry{Key: key, Action: action})
}

// Commit discards the rollback entries and frees the id.
func (c *Coordinator) Commit(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.open[id]; !ok {
		return fmt.Errorf("commit %s: %w", id, ErrTransactionNotOpen)
	}
	delete(c.open, id)
	return nil
}

// Abort runs the rollback entries in reverse insertion order. A failing or
// panicking entry is logged and the remaining entries still run. The id is
// freed before any entry runs.
func (c *Coordinator) Abort(ctx context.Context, id string) (AbortReport, error) {
	c.mu.Lock()
	tx, ok := c.open[id]
	delete(c.open, id)
	c.mu.Unlock()
	if !ok {
		return AbortReport{}, fmt.Errorf("abort %s: %w", id, ErrTransactionNotOpen)
	}

	var report AbortReport
	for i := len(tx.Entries) - 1; i >= 0; i-- {
		entry := tx.Entries[i]
		report.Ran++
		if err := runEntry(ctx, entry); err != nil {
			report.Failed = append(report.Failed, entry.Key)
			c.logger.Error("rollback entry failed",
				"tx_id", id,
				"key", entry.Key,
				"error", err,
			)
		}
	}
	if len(report.Failed) > 0 {
		c.logger.Warn("transaction aborted with failures", "tx_id", id, "failed", len(report.Failed))
	} else {
		c.logger.Debug("transaction aborted", "tx_id", id, "entries", report.Ran)
	}
	return report, nil
}

func runEntry(ctx context.Context, e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if e.Action == nil {
		return nil
	}
	return e.Action(ctx)
}

// Open lists open transaction ids, sorted.
func (c *Coordinator) Open() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.open))
	for id := range c.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
