package txn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/clock"
)

func newCoordinator() *Coordinator {
	return NewCoordinator(
		clock.NewVirtual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func record(log *[]string, key string) RollbackAction {
	return func(context.Context) error {
		*log = append(*log, key)
		return nil
	}
}

func TestAbortRunsEntriesInReverse(t *testing.T) {
	c := newCoordinator()
	var ran []string

	require.NoError(t, c.Begin("t1"))
	c.AddRollbackEntry("t1", "a", record(&ran, "a"))
	c.AddRollbackEntry("t1", "b", record(&ran, "b"))

	report, err := c.Abort(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ran)
	assert.Equal(t, 2, report.Ran)
	assert.Empty(t, report.Failed)
	assert.Empty(t, c.Open())
}

func TestBeginTwiceFails(t *testing.T) {
	c := newCoordinator()
	require.NoError(t, c.Begin("t1"))
	assert.ErrorIs(t, c.Begin("t1"), ErrTransactionOpen)

	require.NoError(t, c.Commit("t1"))
	assert.NoError(t, c.Begin("t1"), "id is reusable after commit")
}

func TestCommitDiscardsEntries(t *testing.T) {
	c := newCoordinator()
	var ran []string

	require.NoError(t, c.Begin("t1"))
	c.AddRollbackEntry("t1", "a", record(&ran, "a"))
	require.NoError(t, c.Commit("t1"))

	_, err := c.Abort(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrTransactionNotOpen)
	assert.Empty(t, ran)
}

func TestUnknownTransaction(t *testing.T) {
	c := newCoordinator()
	var ran []string

	assert.NotPanics(t, func() { c.AddRollbackEntry("ghost", "a", record(&ran, "a")) })
	assert.ErrorIs(t, c.Commit("ghost"), ErrTransactionNotOpen)
	_, err := c.Abort(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrTransactionNotOpen)
	assert.Empty(t, ran)
}

func TestAbortContinuesPastFailures(t *testing.T) {
	c := newCoordinator()
	var ran []string

	require.NoError(t, c.Begin("t1"))
	c.AddRollbackEntry("t1", "a", record(&ran, "a"))
	c.AddRollbackEntry("t1", "boom", func(context.Context) error { return errors.New("disk full") })
	c.AddRollbackEntry("t1", "panic", func(context.Context) error { panic("unexpected") })
	c.AddRollbackEntry("t1", "d", record(&ran, "d"))

	report, err := c.Abort(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "a"}, ran)
	assert.Equal(t, 4, report.Ran)
	assert.Equal(t, []string{"panic", "boom"}, report.Failed)
}

func TestOpenListsSortedIDs(t *testing.T) {
	c := newCoordinator()
	require.NoError(t, c.Begin("sale:2"))
	require.NoError(t, c.Begin("sale:1"))

	assert.Equal(t, []string{"sale:1", "sale:2"}, c.Open())
}

func TestConcurrentTransactions(t *testing.T) {
	c := newCoordinator()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i))
			if assert.NoError(t, c.Begin(id)) {
				c.AddRollbackEntry(id, "k", nil)
				assert.NoError(t, c.Commit(id))
			}
		}(i)
	}
	wg.Wait()
	assert.Empty(t, c.Open())
}
