package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/ir"
)

// Scenario is a scripted session against a fresh engine: seed stock,
// flip connectivity, write, sell, let time pass, then assert on what the
// queue, the local store and the remote ended up holding.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description"`

	// Online is the connectivity when the engine starts.
	Online bool `yaml:"online"`

	// Conditional switches sale decrements to compare-and-decrement.
	Conditional bool `yaml:"conditional,omitempty"`

	// MaxAttempts is the retry ceiling for non-critical operations.
	// Zero retries forever.
	MaxAttempts uint `yaml:"max_attempts,omitempty"`

	// Inventory is seeded on both the remote and the device before the
	// first step.
	Inventory []StockSeed `yaml:"inventory,omitempty"`

	// Steps run in order. Each step does exactly one thing.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated once every step has run.
	Assertions []Assertion `yaml:"assertions"`
}

// StockSeed is an inventory row known to both sides.
type StockSeed struct {
	ID       string `yaml:"id"`
	Quantity int64  `yaml:"quantity"`
}

// Step is one scripted action. Exactly one of the action fields is set.
type Step struct {
	// Online sets connectivity. Going online triggers the reconnect drain.
	Online *bool `yaml:"online,omitempty"`

	// RemoteDown makes every remote call fail transiently while true,
	// without touching connectivity.
	RemoteDown *bool `yaml:"remote_down,omitempty"`

	Store *StoreStep `yaml:"store,omitempty"`
	Sale  *SaleStep  `yaml:"sale,omitempty"`

	// Drain runs an explicit sync pass.
	Drain bool `yaml:"drain,omitempty"`

	// Advance moves the virtual clock, firing due retry timers.
	Advance string `yaml:"advance,omitempty"`

	// FailNext injects a single remote failure.
	FailNext *FaultStep `yaml:"fail_next,omitempty"`

	// Expect checks the outcome of a store, sale or drain step.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// StoreStep is a StoreData call.
type StoreStep struct {
	EntityType string         `yaml:"entity_type"`
	ID         string         `yaml:"id,omitempty"`
	Kind       string         `yaml:"kind"`
	Action     string         `yaml:"action,omitempty"`
	Data       map[string]any `yaml:"data,omitempty"`
	Critical   bool           `yaml:"critical,omitempty"`
}

// SaleStep is a ProcessSale call.
type SaleStep struct {
	Sale  map[string]any `yaml:"sale,omitempty"`
	Items []ir.SaleItem  `yaml:"items"`
}

// FaultStep describes an injected remote failure.
type FaultStep struct {
	// Op is insert, update, delete or read.
	Op string `yaml:"op"`
	// Table restricts the fault to one table. Empty matches any.
	Table string `yaml:"table,omitempty"`
	// Class is transient or business.
	Class   string `yaml:"class"`
	Message string `yaml:"message,omitempty"`
}

// ExpectClause checks a step's outcome. Unset fields are not checked.
type ExpectClause struct {
	// Error is the expected error code, or "none".
	Error string `yaml:"error,omitempty"`
	// Offline is whether the write was queued instead of synced.
	Offline *bool `yaml:"offline,omitempty"`
	// ID is the entity id after the write.
	ID string `yaml:"id,omitempty"`
	// Synced is the number of operations a drain completed.
	Synced *int `yaml:"synced,omitempty"`
}

// Kind names the action a step performs.
func (s Step) Kind() string {
	switch {
	case s.Online != nil:
		return StepOnline
	case s.RemoteDown != nil:
		return StepRemoteDown
	case s.Store != nil:
		return StepStore
	case s.Sale != nil:
		return StepSale
	case s.Drain:
		return StepDrain
	case s.Advance != "":
		return StepAdvance
	case s.FailNext != nil:
		return StepFailNext
	}
	return ""
}

// Step kinds.
const (
	StepOnline     = "online"
	StepRemoteDown = "remote_down"
	StepStore      = "store"
	StepSale       = "sale"
	StepDrain      = "drain"
	StepAdvance    = "advance"
	StepFailNext   = "fail_next"
)

// Error codes used by expect clauses besides the engine's own.
const (
	ExpectNoError      = "none"
	ExpectInvalid      = "INVALID_MUTATION"
	ExpectOffline      = "OFFLINE"
	ExpectDrainRunning = "DRAIN_IN_PROGRESS"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so a typo cannot silently skip a check.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads path if it is a file, or every *.yaml file in it
// (sorted by name) if it is a directory.
func LoadScenarios(path string) ([]*Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenarios: %w", err)
	}
	if !info.IsDir() {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return []*Scenario{s}, nil
	}

	matches, err := filepath.Glob(filepath.Join(path, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no scenario files in %s", path)
	}
	scenarios := make([]*Scenario, 0, len(matches))
	for _, m := range matches {
		s, err := LoadScenario(m)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m, err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, seed := range s.Inventory {
		if seed.ID == "" {
			return fmt.Errorf("inventory[%d]: id is required", i)
		}
		if ir.IsTemporaryID(seed.ID) {
			return fmt.Errorf("inventory[%d]: seeded id %q must not be temporary", i, seed.ID)
		}
		if seed.Quantity < 0 {
			return fmt.Errorf("inventory[%d]: quantity must be non-negative", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	set := 0
	for _, on := range []bool{
		s.Online != nil, s.RemoteDown != nil, s.Store != nil, s.Sale != nil,
		s.Drain, s.Advance != "", s.FailNext != nil,
	} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}

	switch s.Kind() {
	case StepStore:
		if s.Store.EntityType == "" {
			return fmt.Errorf("steps[%d].store: entity_type is required", index)
		}
		if !ir.OperationKind(s.Store.Kind).Valid() {
			return fmt.Errorf("steps[%d].store: unknown kind %q", index, s.Store.Kind)
		}
		// Minted temporary ids are random; scenarios name their own so
		// later steps can refer to them.
		if ir.OperationKind(s.Store.Kind) == ir.KindCreate && !ir.IsTemporaryID(s.Store.ID) {
			return fmt.Errorf("steps[%d].store: create needs an id starting with %q", index, ir.TempIDPrefix)
		}
	case StepSale:
		if len(s.Sale.Items) == 0 {
			return fmt.Errorf("steps[%d].sale: items are required", index)
		}
	case StepAdvance:
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d].advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d].advance: duration must be positive", index)
		}
	case StepFailNext:
		if _, err := parseClass(s.FailNext.Class); err != nil {
			return fmt.Errorf("steps[%d].fail_next: %w", index, err)
		}
		switch s.FailNext.Op {
		case "insert", "update", "delete", "read":
		default:
			return fmt.Errorf("steps[%d].fail_next: unknown op %q", index, s.FailNext.Op)
		}
	}

	if s.Expect != nil {
		switch s.Kind() {
		case StepStore, StepSale, StepDrain:
		default:
			return fmt.Errorf("steps[%d]: expect is only allowed on store, sale and drain steps", index)
		}
	}
	return nil
}
