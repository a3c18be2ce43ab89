package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/network"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/remote/memory"
	"github.com/roach88/tillsync/internal/retry"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

// Epoch is the virtual clock's start time in every scenario.
var Epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// remoteOps is the order remote call counts are reported in.
var remoteOps = []string{memory.OpInsert, memory.OpUpdate, memory.OpDelete, memory.OpRead}

// Harness drives one engine through a scenario.
type Harness struct {
	store    *store.Store
	remote   *memory.Service
	provider *network.ManualProvider
	clock    *clock.Virtual
	engine   *engine.Engine
	logger   *slog.Logger
}

// Option configures a scenario run.
type Option func(*runConfig)

type runConfig struct {
	logger *slog.Logger
}

// WithLogger routes engine logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// Run executes a scenario and returns the result.
//
// Each scenario gets a fresh in-memory database, an in-process remote,
// a virtual clock and sequential operation ids, so two runs of the same
// scenario produce the same trace. An error means the scenario could not
// be run at all; failed expectations are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	h := &Harness{
		store:    st,
		remote:   memory.New(),
		provider: network.NewManualProvider(scenario.Online),
		clock:    clock.NewVirtual(Epoch),
		logger:   cfg.logger,
	}
	if err := h.seed(ctx, scenario.Inventory); err != nil {
		return nil, fmt.Errorf("failed to seed inventory: %w", err)
	}

	eng, err := engine.New(ctx, st, h.remote, h.provider,
		engine.WithClock(h.clock),
		engine.WithLogger(h.logger),
		engine.WithIDGenerator(testutil.NewSequenceIDs("op")),
		engine.WithRetryPolicy(retry.Policy{
			Base:        retry.DefaultBase,
			Cap:         retry.DefaultCap,
			MaxAttempts: scenario.MaxAttempts,
		}),
		engine.WithSaleConfig(engine.SaleConfig{
			DecrementAttempts: 3,
			Conditional:       scenario.Conditional,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Close()
	eng.WaitIdle()
	h.engine = eng

	result := NewResult(scenario.Name)
	for i, step := range scenario.Steps {
		ev := h.execute(ctx, i+1, step)
		result.AddEvent(ev)
		for _, msg := range checkExpect(ev, step.Expect) {
			result.AddError(msg)
		}
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) seed(ctx context.Context, seeds []StockSeed) error {
	for _, s := range seeds {
		h.remote.SetQuantity(s.ID, s.Quantity)
		rec := ir.Record{
			EntityType: ir.EntityInventory,
			ID:         s.ID,
			Data:       ir.IRObject{"id": ir.IRString(s.ID), "quantity": ir.IRInt(s.Quantity)},
			UpdatedAt:  Epoch,
		}
		if err := h.store.Put(ctx, rec); err != nil {
			return err
		}
		if err := h.store.PutSnapshot(ctx, ir.StockSnapshot{EntityID: s.ID, Quantity: s.Quantity, AsOf: Epoch}); err != nil {
			return err
		}
	}
	return nil
}

// execute runs one step and waits for any drain it set off.
func (h *Harness) execute(ctx context.Context, n int, step Step) TraceEvent {
	ev := TraceEvent{Step: n, Kind: step.Kind()}

	switch ev.Kind {
	case StepOnline:
		ev.Detail = fmt.Sprintf("%t", *step.Online)
		h.provider.Set(*step.Online)

	case StepRemoteDown:
		ev.Detail = fmt.Sprintf("%t", *step.RemoteDown)
		h.remote.SetOffline(*step.RemoteDown)

	case StepStore:
		s := step.Store
		ev.Detail = s.EntityType + " " + s.Kind
		m := engine.Mutation{
			EntityType: s.EntityType,
			ID:         s.ID,
			Kind:       ir.OperationKind(s.Kind),
			Action:     s.Action,
			Critical:   s.Critical,
		}
		if s.Data != nil {
			data, err := ir.ObjectFromAny(s.Data)
			if err != nil {
				ev.Error = ExpectInvalid
				break
			}
			m.Data = data
		}
		res, err := h.engine.StoreData(ctx, m)
		if err != nil {
			ev.Error = errorCode(err)
			break
		}
		ev.OperationID = res.OperationID
		ev.EntityID = res.ID
		ev.Offline = res.Offline

	case StepSale:
		s := step.Sale
		ev.Detail = fmt.Sprintf("lines=%d", len(s.Items))
		var sale ir.IRObject
		if s.Sale != nil {
			obj, err := ir.ObjectFromAny(s.Sale)
			if err != nil {
				ev.Error = ExpectInvalid
				break
			}
			sale = obj
		}
		res, err := h.engine.ProcessSale(ctx, sale, s.Items)
		if err != nil {
			ev.Error = errorCode(err)
			break
		}
		ev.OperationID = res.OperationID
		ev.EntityID = res.SaleID
		ev.Offline = res.Offline

	case StepDrain:
		report, err := h.engine.Sync(ctx)
		if err != nil {
			ev.Error = errorCode(err)
			break
		}
		ev.Synced = report.Synced
		ev.Detail = fmt.Sprintf("drained=%d retried=%d deferred=%d failed=%d",
			report.Drained, report.Retried, report.Deferred, report.Failed)

	case StepAdvance:
		// Validated when the scenario was loaded.
		d, _ := time.ParseDuration(step.Advance)
		ev.Detail = step.Advance
		h.clock.Advance(d)

	case StepFailNext:
		f := step.FailNext
		class, _ := parseClass(f.Class)
		ev.Detail = fmt.Sprintf("%s %s %s", f.Op, tableOrAny(f.Table), f.Class)
		var err error
		if f.Message != "" {
			err = errors.New(f.Message)
		}
		h.remote.FailNext(f.Op, f.Table, class, err)
	}

	h.engine.WaitIdle()
	h.logger.Debug("scenario step", "step", n, "kind", ev.Kind, "error", ev.Error)
	return ev
}

// collect reads the final state into result.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	st := &result.State
	st.Online = h.engine.Online()

	ops, err := h.engine.Operations(ctx)
	if err != nil {
		return err
	}
	st.Operations = ops

	local, err := h.store.List(ctx, ir.EntityInventory)
	if err != nil {
		return err
	}
	for _, rec := range local {
		if qty, ok := rec.Data.Int("quantity"); ok {
			st.LocalStock[rec.ID] = qty
		}
	}

	for _, row := range h.remote.Rows(ir.EntityInventory) {
		id, _ := row.String("id")
		if qty, ok := row.Int("quantity"); ok {
			st.RemoteStock[id] = qty
		}
	}

	for _, table := range h.tables(ops) {
		if n := len(h.remote.Rows(table)); n > 0 {
			st.RemoteRows[table] = n
		}
	}
	for _, op := range remoteOps {
		if n := h.remote.Calls(op); n > 0 {
			st.RemoteCalls[op] = n
		}
	}
	return nil
}

// tables lists the known tables plus any entity type an operation named.
func (h *Harness) tables(ops []ir.Operation) []string {
	seen := map[string]bool{
		ir.EntityInventory: true,
		ir.EntitySales:     true,
		ir.EntitySaleItems: true,
		ir.EntityExpenses:  true,
	}
	for _, op := range ops {
		seen[op.EntityType] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func checkExpect(ev TraceEvent, want *ExpectClause) []string {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf("steps[%d] (%s): ", ev.Step-1, ev.Kind)+fmt.Sprintf(format, args...))
	}

	if want == nil || want.Error == "" {
		if ev.Error != "" {
			fail("unexpected error %s", ev.Error)
		}
	} else {
		got := ev.Error
		if got == "" {
			got = ExpectNoError
		}
		if got != want.Error {
			fail("expected error %s, got %s", want.Error, got)
		}
	}
	if want == nil {
		return errs
	}
	if want.Offline != nil && ev.Offline != *want.Offline {
		fail("expected offline=%t, got offline=%t", *want.Offline, ev.Offline)
	}
	if want.ID != "" && ev.EntityID != want.ID {
		fail("expected id %s, got %q", want.ID, ev.EntityID)
	}
	if want.Synced != nil && ev.Synced != *want.Synced {
		fail("expected %d synced, got %d", *want.Synced, ev.Synced)
	}
	return errs
}

// errorCode maps an engine error to the code scenarios expect.
func errorCode(err error) string {
	var se *engine.SyncError
	switch {
	case errors.As(err, &se):
		return string(se.Code)
	case errors.Is(err, engine.ErrInvalidMutation):
		return ExpectInvalid
	case errors.Is(err, engine.ErrOffline):
		return ExpectOffline
	case errors.Is(err, retry.ErrDrainInProgress):
		return ExpectDrainRunning
	}
	return "ERROR"
}

func parseClass(s string) (remote.Class, error) {
	switch s {
	case "transient":
		return remote.Transient, nil
	case "business":
		return remote.Business, nil
	}
	return 0, fmt.Errorf("unknown failure class %q", s)
}

func tableOrAny(t string) string {
	if t == "" {
		return "*"
	}
	return t
}
