package harness

import "github.com/roach88/tillsync/internal/ir"

// TraceEvent records what one step did.
type TraceEvent struct {
	Step        int    `json:"step"`
	Kind        string `json:"kind"`
	Detail      string `json:"detail,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`
	Offline     bool   `json:"offline,omitempty"`
	// Error is the error code, empty on success.
	Error string `json:"error,omitempty"`
	// Synced is the number of operations a drain completed.
	Synced int `json:"synced,omitempty"`
}

// State is what the engine left behind once the last step ran.
type State struct {
	Online bool `json:"online"`
	// Operations holds every stored operation in enqueue order.
	Operations []ir.Operation `json:"operations"`
	// LocalStock is the device's inventory quantities by id.
	LocalStock map[string]int64 `json:"local_stock"`
	// RemoteStock is the server's inventory quantities by id.
	RemoteStock map[string]int64 `json:"remote_stock"`
	// RemoteRows counts server rows per table.
	RemoteRows map[string]int `json:"remote_rows"`
	// RemoteCalls counts attempted remote calls by operation name.
	RemoteCalls map[string]int `json:"remote_calls"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	Name string `json:"name"`

	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`

	State State `json:"state"`
}

// NewResult creates a new passing result.
func NewResult(name string) *Result {
	return &Result{
		Name:   name,
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State: State{
			LocalStock:  make(map[string]int64),
			RemoteStock: make(map[string]int64),
			RemoteRows:  make(map[string]int),
			RemoteCalls: make(map[string]int),
		},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends a trace event.
func (r *Result) AddEvent(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// OperationsWith returns the stored operations with the given status.
func (s State) OperationsWith(status ir.OperationStatus) []ir.Operation {
	var out []ir.Operation
	for _, op := range s.Operations {
		if op.Status == status {
			out = append(out, op)
		}
	}
	return out
}
