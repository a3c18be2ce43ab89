// Package retry drains the durable queue and schedules failed operations
// for another attempt with exponential backoff.
package retry

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
	"github.com/roach88/tillsync/internal/queue"
)

// ErrDrainInProgress is returned by DrainOnce when another pass is running.
// The running pass picks up the request and drains again before finishing.
var ErrDrainInProgress = errors.New("drain already in progress")

// Disposition is what the scheduler does with a failed operation.
type Disposition int

const (
	// Retry requeues with backoff, subject to the attempt ceiling.
	Retry Disposition = iota
	// Defer requeues with backoff and is never failed; used while an
	// operation waits on another operation's result.
	Defer
	// Abandon fails the operation terminally.
	Abandon
)

// Executor sends one operation to the remote. It may rewrite op in place;
// the rewritten copy is what gets persisted on retry.
type Executor func(ctx context.Context, op *ir.Operation) error

// Classifier maps an executor error to a Disposition.
type Classifier func(err error) Disposition

// Report summarises a drain.
type Report struct {
	Drained  int `json:"drained"`
	Synced   int `json:"synced"`
	Retried  int `json:"retried"`
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`
}

func (r *Report) add(o Report) {
	r.Drained += o.Drained
	r.Synced += o.Synced
	r.Retried += o.Retried
	r.Deferred += o.Deferred
	r.Failed += o.Failed
}

// Scheduler owns the drain loop. Passes never overlap.
type Scheduler struct {
	queue     *queue.Queue
	exec      Executor
	classify  Classifier
	policy    Policy
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Collector
	online    func() bool
	afterPass func(ctx context.Context)
	onFailed  func(ctx context.Context, op ir.Operation)
	passLock  sync.Locker

	mu         sync.Mutex
	inProgress bool
	rerun      bool
	stopped    bool
	timers     map[string]clock.Timer
	wg         sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPolicy sets the backoff policy.
func WithPolicy(p Policy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithClock sets the clock used for retry timers.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records drain outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// WithOnline gates triggered passes on connectivity.
func WithOnline(fn func() bool) Option {
	return func(s *Scheduler) { s.online = fn }
}

// WithAfterPass runs fn at the end of every drain, still inside the
// in-progress window.
func WithAfterPass(fn func(ctx context.Context)) Option {
	return func(s *Scheduler) { s.afterPass = fn }
}

// WithPassLock makes every drain hold l from its first pass until
// afterPass returns. Writers holding l never observe a drain half done.
func WithPassLock(l sync.Locker) Option {
	return func(s *Scheduler) { s.passLock = l }
}

// WithOnFailed runs fn after an operation has been failed terminally.
func WithOnFailed(fn func(ctx context.Context, op ir.Operation)) Option {
	return func(s *Scheduler) { s.onFailed = fn }
}

// NewScheduler creates a scheduler over q.
func NewScheduler(q *queue.Queue, exec Executor, classify Classifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:    q,
		exec:     exec,
		classify: classify,
		policy:   DefaultPolicy(),
		clock:    clock.Real{},
		logger:   slog.Default(),
		online:   func() bool { return true },
		timers:   make(map[string]clock.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InProgress reports whether a drain is running.
func (s *Scheduler) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// DrainOnce drains every due operation. If a trigger arrives while it runs
// it drains again before returning.
func (s *Scheduler) DrainOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.inProgress {
		s.rerun = true
		s.mu.Unlock()
		return Report{}, ErrDrainInProgress
	}
	s.inProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
	}()

	if s.passLock != nil {
		s.passLock.Lock()
		defer s.passLock.Unlock()
	}

	var total Report
	var firstErr error
	for {
		r, err := s.pass(ctx)
		total.add(r)
		if err != nil {
			firstErr = err
			break
		}

		s.mu.Lock()
		again := s.rerun && !s.stopped
		s.rerun = false
		s.mu.Unlock()
		if !again || !s.online() {
			break
		}
	}

	if s.afterPass != nil {
		s.afterPass(ctx)
	}

	s.logger.Debug("drain finished",
		"drained", total.Drained,
		"synced", total.Synced,
		"retried", total.Retried,
		"deferred", total.Deferred,
		"failed", total.Failed,
	)
	return total, firstErr
}

func (s *Scheduler) pass(ctx context.Context) (Report, error) {
	s.metrics.DrainStarted()

	ops, err := s.queue.DrainAll(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Drained: len(ops)}

	var firstErr error
	for i := range ops {
		op := &ops[i]

		// Went offline mid-pass: hand the rest back untouched.
		if !s.online() {
			if err := s.queue.Requeue(ctx, *op, 0); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}

		execErr := s.exec(ctx, op)
		if err := s.settle(ctx, op, execErr, &report); err != nil {
			s.logger.Error("settle operation",
				"op_id", op.ID,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return report, firstErr
}

func (s *Scheduler) settle(ctx context.Context, op *ir.Operation, execErr error, report *Report) error {
	if execErr == nil {
		report.Synced++
		s.metrics.Operation(metrics.OutcomeSynced)
		s.logger.Debug("operation synced",
			"op_id", op.ID,
			"entity_type", op.EntityType,
			"entity_id", op.EntityID,
		)
		return s.queue.Complete(ctx, op.ID)
	}

	op.Attempts++
	op.LastError = execErr.Error()

	disp := s.classify(execErr)
	if disp == Abandon || (disp == Retry && s.policy.Exhausted(*op)) {
		report.Failed++
		s.metrics.Operation(metrics.OutcomeFailed)
		if err := s.queue.Fail(ctx, *op); err != nil {
			return err
		}
		op.Status = ir.StatusFailed
		if s.onFailed != nil {
			s.onFailed(ctx, *op)
		}
		return nil
	}

	delay := s.policy.Delay(op.Attempts)
	if err := s.queue.Requeue(ctx, *op, delay); err != nil {
		return fmt.Errorf("requeue %s: %w", op.ID, err)
	}
	if disp == Defer {
		report.Deferred++
		s.metrics.Operation(metrics.OutcomeDeferred)
	} else {
		report.Retried++
		s.metrics.Operation(metrics.OutcomeRetried)
	}
	s.metrics.Backoff(delay)

	s.logger.Warn("operation sync failed, retry scheduled",
		"op_id", op.ID,
		"entity_type", op.EntityType,
		"attempt", op.Attempts,
		"delay", delay,
		"error", execErr,
	)
	s.arm(ctx, op.ID, delay)
	return nil
}

// arm schedules a drain once op's backoff has elapsed.
func (s *Scheduler) arm(ctx context.Context, opID string, delay time.Duration) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[opID]; ok {
		old.Stop()
	}
	s.timers[opID] = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, opID)
		s.mu.Unlock()
		s.Trigger(ctx)
	})
}

// Schedule arms a drain for after delay on behalf of an operation that was
// enqueued already carrying a failed attempt.
func (s *Scheduler) Schedule(ctx context.Context, opID string, delay time.Duration) {
	s.arm(ctx, opID, delay)
}

// Trigger starts a drain in the background when online. Triggers that
// arrive during a running drain are folded into it.
func (s *Scheduler) Trigger(ctx context.Context) {
	if !s.online() {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.DrainOnce(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
			s.logger.Error("background drain failed", "error", err)
		}
	}()
}

// Run triggers a drain every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		tick := make(chan struct{})
		t := s.clock.AfterFunc(interval, func() { close(tick) })
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-tick:
			s.Trigger(ctx)
		}
	}
}

// ScheduledRetries returns how many operations have a retry timer armed.
func (s *Scheduler) ScheduledRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Wait blocks until every triggered drain has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop cancels retry timers, refuses new triggers and waits for running drains.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
