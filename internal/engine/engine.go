package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/metrics"
	"github.com/roach88/tillsync/internal/network"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/resolver"
	"github.com/roach88/tillsync/internal/retry"
	"github.com/roach88/tillsync/internal/stock"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/txn"
)

// SaleConfig tunes the inventory decrement performed when a sale syncs.
type SaleConfig struct {
	// DecrementAttempts bounds read-write-verify rounds per item.
	DecrementAttempts int
	// DecrementDelay is the fixed pause between rounds.
	DecrementDelay time.Duration
	// Conditional uses the remote's atomic compare-and-decrement when it
	// has one.
	Conditional bool
}

// DefaultSaleConfig is three attempts 200ms apart, verify-after-write.
func DefaultSaleConfig() SaleConfig {
	return SaleConfig{DecrementAttempts: 3, DecrementDelay: 200 * time.Millisecond}
}

// Status is what SyncStatus reports.
type Status struct {
	IsOnline         bool `json:"is_online"`
	PendingSync      int  `json:"pending_sync"`
	Failed           int  `json:"failed"`
	SyncInProgress   bool `json:"sync_in_progress"`
	ScheduledRetries int  `json:"scheduled_retries"`
}

// Engine wires the queue, scheduler, resolver, validator and coordinator
// around one local store and one remote service.
type Engine struct {
	store    *store.Store
	remote   remote.Service
	provider network.ConnectivityProvider

	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Collector
	ids      IDGenerator
	policy   retry.Policy
	interval time.Duration
	sale     SaleConfig

	monitor   *network.Monitor
	queue     *queue.Queue
	scheduler *retry.Scheduler
	txns      *txn.Coordinator
	resolver  *resolver.Resolver
	validator *stock.Validator

	hmu      sync.RWMutex
	handlers map[string]Handler

	// writeMu serializes the writers: StoreData, ProcessSale and drains.
	writeMu sync.Mutex

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unsub   func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock for timestamps and retry timers.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records engine metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithIDGenerator sets the operation id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithRetryPolicy sets the backoff policy and attempt ceiling.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithDrainInterval makes Start trigger a drain every d while online.
// Zero disables the periodic drain.
func WithDrainInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithSaleConfig tunes sale inventory decrements.
func WithSaleConfig(c SaleConfig) Option {
	return func(e *Engine) { e.sale = c }
}

// New builds an engine. It does not observe connectivity or drain until
// Start is called.
func New(ctx context.Context, st *store.Store, svc remote.Service, provider network.ConnectivityProvider, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:    st,
		remote:   svc,
		provider: provider,
		clock:    clock.Real{},
		logger:   slog.Default(),
		ids:      UUIDv7Generator{},
		policy:   retry.DefaultPolicy(),
		sale:     DefaultSaleConfig(),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sale.DecrementAttempts <= 0 {
		e.sale.DecrementAttempts = 1
	}

	q, err := queue.New(ctx, st, e.clock, e.logger)
	if err != nil {
		return nil, err
	}
	res, err := resolver.New(ctx, st, q, e.clock, e.logger)
	if err != nil {
		return nil, err
	}
	e.queue = q
	e.resolver = res
	e.validator = stock.NewValidator(svc, st, e.clock, e.logger)
	e.txns = txn.NewCoordinator(e.clock, e.logger)
	e.monitor = network.NewMonitor(provider,
		network.WithLogger(e.logger),
		network.WithClock(e.clock),
	)
	e.scheduler = retry.NewScheduler(q, e.execute, classify,
		retry.WithPolicy(e.policy),
		retry.WithClock(e.clock),
		retry.WithLogger(e.logger),
		retry.WithMetrics(e.metrics),
		retry.WithOnline(e.monitor.Online),
		retry.WithAfterPass(e.afterPass),
		retry.WithPassLock(&e.writeMu),
		retry.WithOnFailed(e.onFailed),
	)
	e.registerDefaultHandlers()
	return e, nil
}

// Start recovers operations interrupted by a crash, begins observing
// connectivity and drains if already online.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return fmt.Errorf("engine already started")
	}

	if _, err := e.queue.Recover(ctx); err != nil {
		return localStorageError("", "recover queue", err)
	}
	// Resolved mappings from an earlier run are dropped. Within a run they
	// stay, so a temporary id handed to a caller keeps resolving.
	if _, err := e.resolver.Prune(ctx); err != nil {
		return localStorageError("", "prune id mappings", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.monitor.SetReconnectHook(func() {
		e.logger.Info("connectivity restored, draining queue")
		e.scheduler.Trigger(runCtx)
	})
	e.unsub = e.monitor.Subscribe(func(s network.State) {
		e.metrics.SetOnline(s.Online)
	})
	if err := e.monitor.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start network monitor: %w", err)
	}
	e.cancel = cancel
	e.started = true

	online := e.monitor.Online()
	e.metrics.SetOnline(online)
	e.refreshPending(ctx)
	if online {
		e.scheduler.Trigger(runCtx)
	}
	if e.interval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			_ = e.scheduler.Run(runCtx, e.interval)
		}()
	}

	e.logger.Info("sync engine started",
		"online", online,
		"drain_interval", e.interval,
		"max_attempts", e.policy.MaxAttempts,
	)
	return nil
}

// Close stops retries and observation. Running drains finish first. The
// store is not closed; it belongs to the caller. A closed engine cannot be
// started again; build a new one with New.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	unsub := e.unsub
	e.cancel = nil
	e.unsub = nil
	e.started = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	e.monitor.Stop()
	e.scheduler.Stop()
	e.wg.Wait()
	e.queue.Close()
	return nil
}

// Online reports the current connectivity.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// Subscribe registers a connectivity listener.
func (e *Engine) Subscribe(l network.Listener) func() {
	return e.monitor.Subscribe(l)
}

// SyncStatus reports connectivity and queue depth.
func (e *Engine) SyncStatus(ctx context.Context) (Status, error) {
	pending, err := e.queue.List(ctx, ir.StatusPending, ir.StatusInFlight)
	if err != nil {
		return Status{}, localStorageError("", "read queue", err)
	}
	failed, err := e.store.CountOperations(ctx, ir.StatusFailed)
	if err != nil {
		return Status{}, localStorageError("", "read queue", err)
	}
	return Status{
		IsOnline:         e.monitor.Online(),
		PendingSync:      len(pending),
		Failed:           failed,
		SyncInProgress:   e.scheduler.InProgress(),
		ScheduledRetries: e.scheduler.ScheduledRetries(),
	}, nil
}

// Sync drains the queue now and waits for the pass to finish.
func (e *Engine) Sync(ctx context.Context) (retry.Report, error) {
	if !e.monitor.Online() {
		return retry.Report{}, ErrOffline
	}
	return e.scheduler.DrainOnce(ctx)
}

// WaitIdle blocks until every background drain has returned.
func (e *Engine) WaitIdle() {
	e.scheduler.Wait()
}

// Operations lists stored operations by status, all statuses when none
// are given.
func (e *Engine) Operations(ctx context.Context, statuses ...ir.OperationStatus) ([]ir.Operation, error) {
	return e.queue.List(ctx, statuses...)
}

// Mappings lists known temporary id mappings.
func (e *Engine) Mappings() []ir.TempIDMapping {
	return e.resolver.Mappings()
}

// BeginTransaction opens a rollback group.
func (e *Engine) BeginTransaction(id string) error {
	return e.txns.Begin(id)
}

// AddRollbackEntry appends an undo step to an open transaction.
func (e *Engine) AddRollbackEntry(id, key string, action txn.RollbackAction) {
	e.txns.AddRollbackEntry(id, key, action)
}

// CommitTransaction discards the transaction's rollback entries.
func (e *Engine) CommitTransaction(id string) error {
	return e.txns.Commit(id)
}

// RollbackTransaction runs the transaction's rollback entries newest first.
func (e *Engine) RollbackTransaction(ctx context.Context, id string) (txn.AbortReport, error) {
	return e.txns.Abort(ctx, id)
}

func (e *Engine) afterPass(ctx context.Context) {
	e.refreshPending(ctx)
}

// onFailed cleans up after an operation the scheduler gave up on. A
// rejected create will never get a server id, so its temporary id and
// local record go too; dependents become orphaned and fail in turn.
func (e *Engine) onFailed(ctx context.Context, op ir.Operation) {
	if op.Kind != ir.KindCreate || !ir.IsTemporaryID(op.EntityID) {
		return
	}
	if err := e.resolver.Forget(ctx, op.EntityID); err != nil {
		e.logger.Warn("forget temporary id", "temp_id", op.EntityID, "error", err)
	}
	if err := e.store.Delete(ctx, op.EntityType, op.EntityID); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("remove rejected record", "entity_type", op.EntityType, "entity_id", op.EntityID, "error", err)
	}
}

// kick makes sure a freshly queued operation gets a drain: after its
// backoff if the inline attempt failed, right away if it was queued while
// online for another reason.
func (e *Engine) kick(ctx context.Context, op *ir.Operation) {
	ctx = context.WithoutCancel(ctx)
	switch {
	case op.Attempts > 0:
		e.scheduler.Schedule(ctx, op.ID, e.policy.Delay(op.Attempts))
	case e.monitor.Online():
		e.scheduler.Trigger(ctx)
	}
}

func (e *Engine) refreshPending(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	n, err := e.queue.Len(ctx)
	if err != nil {
		return
	}
	e.metrics.SetPending(n)
}
