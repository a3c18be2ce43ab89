package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/ir"
)

// Assertion checks the final state or the step trace.
type Assertion struct {
	// Type selects the check:
	//   - "queue_length": Count unsent operations (pending or in flight)
	//   - "failed_count": Count terminally failed operations
	//   - "operations": Count operations with EntityType and Status
	//   - "local_stock": device inventory ID has Quantity
	//   - "remote_stock": server inventory ID has Quantity
	//   - "remote_rows": server Table has Count rows
	//   - "remote_calls": Op was attempted Count times
	//   - "trace_count": Count steps of Kind failed with Error ("" = succeeded)
	//   - "online": connectivity at the end equals Online
	Type string `yaml:"type"`

	ID         string `yaml:"id,omitempty"`
	Table      string `yaml:"table,omitempty"`
	Op         string `yaml:"op,omitempty"`
	EntityType string `yaml:"entity_type,omitempty"`
	Status     string `yaml:"status,omitempty"`
	Kind       string `yaml:"kind,omitempty"`
	Error      string `yaml:"error,omitempty"`

	Count    *int   `yaml:"count,omitempty"`
	Quantity *int64 `yaml:"quantity,omitempty"`
	Online   *bool  `yaml:"online,omitempty"`
}

// Assertion type constants.
const (
	AssertQueueLength = "queue_length"
	AssertFailedCount = "failed_count"
	AssertOperations  = "operations"
	AssertLocalStock  = "local_stock"
	AssertRemoteStock = "remote_stock"
	AssertRemoteRows  = "remote_rows"
	AssertRemoteCalls = "remote_calls"
	AssertTraceCount  = "trace_count"
	AssertOnline      = "online"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nTrace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", FormatEvent(ev))
		}
	}
	return buf.String()
}

func validateAssertion(index int, a *Assertion) error {
	need := func(ok bool, what string) error {
		if !ok {
			return fmt.Errorf("assertions[%d]: %s is required for %s", index, what, a.Type)
		}
		return nil
	}
	counted := func() error {
		if err := need(a.Count != nil, "count"); err != nil {
			return err
		}
		if *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertQueueLength, AssertFailedCount:
		return counted()
	case AssertOperations:
		if err := need(a.EntityType != "", "entity_type"); err != nil {
			return err
		}
		if _, err := ir.ParseStatus(a.Status); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		return counted()
	case AssertLocalStock, AssertRemoteStock:
		if err := need(a.ID != "", "id"); err != nil {
			return err
		}
		return need(a.Quantity != nil, "quantity")
	case AssertRemoteRows:
		if err := need(a.Table != "", "table"); err != nil {
			return err
		}
		return counted()
	case AssertRemoteCalls:
		if err := need(a.Op != "", "op"); err != nil {
			return err
		}
		return counted()
	case AssertTraceCount:
		if err := need(a.Kind != "", "kind"); err != nil {
			return err
		}
		return counted()
	case AssertOnline:
		return need(a.Online != nil, "online")
	}
	return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
}

func assertCount(a Assertion, what string, actual int, trace []TraceEvent) error {
	if actual == *a.Count {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%d %s", *a.Count, what),
		Actual:   fmt.Sprintf("%d %s", actual, what),
		Trace:    trace,
	}
}

func assertQuantity(a Assertion, side string, stock map[string]int64) error {
	qty, ok := stock[a.ID]
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s inventory %s with quantity %d", side, a.ID, *a.Quantity),
			Actual:   "no such item",
		}
	}
	if qty != *a.Quantity {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s inventory %s quantity %d", side, a.ID, *a.Quantity),
			Actual:   fmt.Sprintf("quantity %d", qty),
		}
	}
	return nil
}

func countEvents(trace []TraceEvent, kind, code string) int {
	n := 0
	for _, ev := range trace {
		if ev.Kind == kind && ev.Error == code {
			n++
		}
	}
	return n
}

// EvaluateAssertions checks every assertion against the result and
// returns one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string
	st := result.State

	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertQueueLength:
			n := len(st.OperationsWith(ir.StatusPending)) + len(st.OperationsWith(ir.StatusInFlight))
			err = assertCount(a, "queued operations", n, result.Trace)
		case AssertFailedCount:
			err = assertCount(a, "failed operations", len(st.OperationsWith(ir.StatusFailed)), result.Trace)
		case AssertOperations:
			n := 0
			for _, op := range st.Operations {
				if op.EntityType == a.EntityType && string(op.Status) == a.Status {
					n++
				}
			}
			err = assertCount(a, fmt.Sprintf("%s operations %s", a.Status, a.EntityType), n, result.Trace)
		case AssertLocalStock:
			err = assertQuantity(a, "local", st.LocalStock)
		case AssertRemoteStock:
			err = assertQuantity(a, "remote", st.RemoteStock)
		case AssertRemoteRows:
			err = assertCount(a, "rows in "+a.Table, st.RemoteRows[a.Table], nil)
		case AssertRemoteCalls:
			err = assertCount(a, a.Op+" calls", st.RemoteCalls[a.Op], nil)
		case AssertTraceCount:
			what := a.Kind + " steps succeeded"
			if a.Error != "" {
				what = fmt.Sprintf("%s steps failed with %s", a.Kind, a.Error)
			}
			err = assertCount(a, what, countEvents(result.Trace, a.Kind, a.Error), result.Trace)
		case AssertOnline:
			if st.Online != *a.Online {
				err = &AssertionError{
					Type:     a.Type,
					Expected: fmt.Sprintf("online=%t", *a.Online),
					Actual:   fmt.Sprintf("online=%t", st.Online),
				}
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
