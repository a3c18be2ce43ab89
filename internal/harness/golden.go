package harness

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tillsync/internal/ir"
)

// mintedID matches temporary ids minted by the engine. They are random,
// so Render replaces them with stable placeholders.
var mintedID = regexp.MustCompile(ir.TempIDPrefix + `[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// FormatEvent renders one trace event on a single line.
func FormatEvent(ev TraceEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", ev.Step, ev.Kind)
	if ev.Detail != "" {
		b.WriteString(" " + ev.Detail)
	}
	if ev.OperationID != "" {
		b.WriteString(" op=" + ev.OperationID)
	}
	if ev.EntityID != "" {
		b.WriteString(" id=" + ev.EntityID)
	}
	if ev.Offline {
		b.WriteString(" offline")
	}
	if ev.Kind == StepDrain && ev.Error == "" {
		fmt.Fprintf(&b, " synced=%d", ev.Synced)
	}
	if ev.Error != "" {
		b.WriteString(" error=" + ev.Error)
	}
	return b.String()
}

// Render is the text snapshot of a result compared against golden files.
// Minted temporary ids become temp_#1, temp_#2, ... in order of first
// appearance.
func Render(r *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", r.Name)
	if r.Pass {
		b.WriteString("result: PASS\n")
	} else {
		b.WriteString("result: FAIL\n")
	}
	fmt.Fprintf(&b, "online: %t\n", r.State.Online)

	b.WriteString("trace:\n")
	for _, ev := range r.Trace {
		fmt.Fprintf(&b, "  %s\n", FormatEvent(ev))
	}

	if len(r.State.Operations) == 0 {
		b.WriteString("operations: none\n")
	} else {
		b.WriteString("operations:\n")
		for _, op := range r.State.Operations {
			what := string(op.Kind)
			if op.Action != "" {
				what = op.Action
			}
			fmt.Fprintf(&b, "  %s %s %s %s status=%s attempts=%d\n",
				op.ID, op.EntityType, what, op.EntityID, op.Status, op.Attempts)
		}
	}

	writeInts(&b, "local_stock", r.State.LocalStock)
	writeInts(&b, "remote_stock", r.State.RemoteStock)
	writeCounts(&b, "remote_rows", r.State.RemoteRows, nil)
	writeCounts(&b, "remote_calls", r.State.RemoteCalls, remoteOps)

	if len(r.Errors) > 0 {
		b.WriteString("errors:\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  %s\n", strings.ReplaceAll(strings.TrimSpace(e), "\n", "\n  "))
		}
	}

	seen := make(map[string]string)
	out := mintedID.ReplaceAllStringFunc(b.String(), func(id string) string {
		if label, ok := seen[id]; ok {
			return label
		}
		label := fmt.Sprintf("%s#%d", ir.TempIDPrefix, len(seen)+1)
		seen[id] = label
		return label
	})
	return []byte(out)
}

func writeInts(b *strings.Builder, name string, m map[string]int64) {
	if len(m) == 0 {
		fmt.Fprintf(b, "%s: none\n", name)
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "%s:\n", name)
	for _, k := range keys {
		fmt.Fprintf(b, "  %s %d\n", k, m[k])
	}
}

// writeCounts prints m in the given key order, or sorted when order is nil.
func writeCounts(b *strings.Builder, name string, m map[string]int, order []string) {
	if len(m) == 0 {
		fmt.Fprintf(b, "%s: none\n", name)
		return
	}
	keys := order
	if keys == nil {
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	fmt.Fprintf(b, "%s:\n", name)
	for _, k := range keys {
		if n, ok := m[k]; ok {
			fmt.Fprintf(b, "  %s %d\n", k, n)
		}
	}
}

// RunWithGolden executes a scenario and compares its rendered result
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		t.Fatalf("run %s: %v", scenario.Name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, Render(result))
	return result
}
