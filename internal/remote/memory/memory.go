// Package memory is an in-process remote.Service. It keeps tables in maps,
// enforces client_ref uniqueness the way the real schema does, counts calls
// and can be told to fail.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
)

// ErrOffline is wrapped by the transient error returned while the service
// is marked unreachable.
var ErrOffline = errors.New("service unreachable")

// Remote operation names used for call counts and fault injection.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpRead   = "read"
)

type fault struct {
	op    string
	table string
	class remote.Class
	err   error
}

// Service is safe for concurrent use.
type Service struct {
	mu       sync.Mutex
	tables   map[string]map[string]ir.IRObject
	refs     map[string]map[string]string // table -> client_ref -> id
	counters map[string]int
	prefixes map[string]string
	calls    map[string]int
	faults   []fault
	offline  bool
	onUpdate func(table, id string)
}

// New returns an empty service. Ids are "<prefix>-<n>" per table.
func New() *Service {
	return &Service{
		tables:   make(map[string]map[string]ir.IRObject),
		refs:     make(map[string]map[string]string),
		counters: make(map[string]int),
		prefixes: map[string]string{
			ir.EntityInventory: "X",
			ir.EntitySales:     "S",
			ir.EntitySaleItems: "SI",
			ir.EntityExpenses:  "E",
		},
		calls: make(map[string]int),
	}
}

// SetNextID makes the next insert into table receive "<prefix>-<n>".
func (s *Service) SetNextID(table string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[table] = n - 1
}

// SetOffline makes every call fail transiently until cleared.
func (s *Service) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext queues a failure for the next call of op ("insert", "update",
// "delete", "read") on table. An empty table matches any table.
func (s *Service) FailNext(op, table string, class remote.Class, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("injected %s failure", class)
	}
	s.faults = append(s.faults, fault{op: op, table: table, class: class, err: err})
}

// OnUpdate registers fn to run after every successful update, outside the
// lock. Tests use it to simulate a concurrent writer.
func (s *Service) OnUpdate(fn func(table, id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Seed stores a row directly, bypassing counters and faults.
func (s *Service) Seed(table, id string, row ir.IRObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := ir.Clone(row).(ir.IRObject)
	stored["id"] = ir.IRString(id)
	s.table(table)[id] = stored
}

// SetQuantity sets an inventory row's quantity, creating the row if needed.
func (s *Service) SetQuantity(id string, qty int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(ir.EntityInventory)
	row, ok := t[id]
	if !ok {
		row = ir.IRObject{"id": ir.IRString(id)}
		t[id] = row
	}
	row["quantity"] = ir.IRInt(qty)
}

// Row returns a copy of a stored row.
func (s *Service) Row(table, id string) (ir.IRObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tables[table][id]
	if !ok {
		return nil, false
	}
	return ir.Clone(row).(ir.IRObject), true
}

// Rows returns copies of every row in table ordered by id.
func (s *Service) Rows(table string) []ir.IRObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tables[table]))
	for id := range s.tables[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]ir.IRObject, 0, len(ids))
	for _, id := range ids {
		out = append(out, ir.Clone(s.tables[table][id]).(ir.IRObject))
	}
	return out
}

// Calls returns how many times op was attempted, failures included.
func (s *Service) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Insert assigns a server id and stores record. A repeated client_ref
// returns ErrDuplicate carrying the existing id.
func (s *Service) Insert(_ context.Context, table string, record ir.IRObject) (ir.IRObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsert, table); err != nil {
		return nil, err
	}

	ref, _ := record.String(remote.ClientRefField)
	if ref != "" {
		if id, ok := s.refs[table][ref]; ok {
			return nil, &remote.Error{Class: remote.Business, Op: OpInsert, Table: table, Code: "duplicate", ID: id, Err: remote.ErrDuplicate}
		}
	}

	s.counters[table]++
	id := fmt.Sprintf("%s-%d", s.prefix(table), s.counters[table])
	stored := ir.Clone(record).(ir.IRObject)
	stored["id"] = ir.IRString(id)
	s.table(table)[id] = stored
	if ref != "" {
		if s.refs[table] == nil {
			s.refs[table] = make(map[string]string)
		}
		s.refs[table][ref] = id
	}
	return ir.Clone(stored).(ir.IRObject), nil
}

// Update merges patch into an existing row.
func (s *Service) Update(_ context.Context, table, id string, patch ir.IRObject) (ir.IRObject, error) {
	s.mu.Lock()
	if err := s.enter(OpUpdate, table); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	row, ok := s.tables[table][id]
	if !ok {
		s.mu.Unlock()
		return nil, &remote.Error{Class: remote.Business, Op: OpUpdate, Table: table, Code: "not_found", Err: fmt.Errorf("%s: %w", id, remote.ErrNotFound)}
	}
	merged := row.Merge(patch)
	merged["id"] = ir.IRString(id)
	s.tables[table][id] = merged
	out := ir.Clone(merged).(ir.IRObject)
	hook := s.onUpdate
	s.mu.Unlock()

	if hook != nil {
		hook(table, id)
	}
	return out, nil
}

// Delete removes a row. Deleting a missing row succeeds so replays are
// harmless.
func (s *Service) Delete(_ context.Context, table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDelete, table); err != nil {
		return err
	}
	delete(s.tables[table], id)
	return nil
}

// ReadQuantity returns an inventory row's quantity.
func (s *Service) ReadQuantity(_ context.Context, entityID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpRead, ir.EntityInventory); err != nil {
		return 0, err
	}
	row, ok := s.tables[ir.EntityInventory][entityID]
	if !ok {
		return 0, &remote.Error{Class: remote.Business, Op: OpRead, Table: ir.EntityInventory, Code: "not_found", Err: fmt.Errorf("%s: %w", entityID, remote.ErrNotFound)}
	}
	qty, _ := row.Int("quantity")
	return qty, nil
}

// DecrementIf implements remote.ConditionalDecrementer.
func (s *Service) DecrementIf(_ context.Context, entityID string, expected, by int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpUpdate, ir.EntityInventory); err != nil {
		return false, err
	}
	row, ok := s.tables[ir.EntityInventory][entityID]
	if !ok {
		return false, &remote.Error{Class: remote.Business, Op: OpUpdate, Table: ir.EntityInventory, Code: "not_found", Err: fmt.Errorf("%s: %w", entityID, remote.ErrNotFound)}
	}
	qty, _ := row.Int("quantity")
	if qty != expected {
		return false, nil
	}
	row["quantity"] = ir.IRInt(qty - by)
	return true, nil
}

// enter counts the call and returns an injected or offline failure.
// Callers hold s.mu.
func (s *Service) enter(op, table string) error {
	s.calls[op]++
	if s.offline {
		return &remote.Error{Class: remote.Transient, Op: op, Table: table, Code: "offline", Err: ErrOffline}
	}
	for i, f := range s.faults {
		if f.op != op || (f.table != "" && f.table != table) {
			continue
		}
		s.faults = append(s.faults[:i], s.faults[i+1:]...)
		return &remote.Error{Class: f.class, Op: op, Table: table, Code: "injected", Err: f.err}
	}
	return nil
}

func (s *Service) table(name string) map[string]ir.IRObject {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]ir.IRObject)
		s.tables[name] = t
	}
	return t
}

func (s *Service) prefix(table string) string {
	if p, ok := s.prefixes[table]; ok {
		return p
	}
	return strings.ToUpper(table[:1])
}

var (
	_ remote.Service                = (*Service)(nil)
	_ remote.ConditionalDecrementer = (*Service)(nil)
)
