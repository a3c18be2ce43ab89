// Package resolver tracks temporary ids minted on the device and swaps
// them for server ids once the create that owns them has synced.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/store"
)

// Resolver keeps an in-memory copy of the id_mappings table.
type Resolver struct {
	store  *store.Store
	queue  *queue.Queue
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.RWMutex
	mappings map[string]ir.TempIDMapping
}

// New loads the persisted mappings.
func New(ctx context.Context, st *store.Store, q *queue.Queue, clk clock.Clock, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ms, err := st.ListMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load id mappings: %w", err)
	}
	r := &Resolver{
		store:    st,
		queue:    q,
		clock:    clk,
		logger:   logger,
		mappings: make(map[string]ir.TempIDMapping, len(ms)),
	}
	for _, m := range ms {
		r.mappings[m.TempID] = m
	}
	return r, nil
}

// NewTemporaryID mints "temp_<uuidv7>".
func NewTemporaryID() string {
	return ir.TempIDPrefix + uuid.Must(uuid.NewV7()).String()
}

// IsTemporary reports whether id was minted locally.
func IsTemporary(id string) bool {
	return ir.IsTemporaryID(id)
}

// Track records an unresolved temporary id.
func (r *Resolver) Track(ctx context.Context, tempID, entityType string) error {
	if !IsTemporary(tempID) {
		return fmt.Errorf("track %q: not a temporary id", tempID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mappings[tempID]; ok {
		return nil
	}
	m := ir.TempIDMapping{TempID: tempID, EntityType: entityType, CreatedAt: r.clock.Now()}
	if err := r.store.PutMapping(ctx, m); err != nil {
		return err
	}
	r.mappings[tempID] = m
	return nil
}

// Forget drops a temporary id whose create was rejected. Operations that
// still reference it become orphaned.
func (r *Resolver) Forget(ctx context.Context, tempID string) error {
	if err := r.store.DeleteMapping(ctx, tempID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.mappings, tempID)
	r.mu.Unlock()
	return nil
}

// Resolve returns the server id for tempID once known.
func (r *Resolver) Resolve(tempID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[tempID]
	if !ok || !m.Resolved() {
		return "", false
	}
	return m.RealID, true
}

// Record resolves tempID to realID. The local record is re-keyed, local
// references are rewritten, and every queued operation referencing tempID
// is rewritten in place.
func (r *Resolver) Record(ctx context.Context, entityType, tempID, realID string) error {
	if realID == "" {
		return fmt.Errorf("record %s: empty server id", tempID)
	}
	if err := r.store.RenameEntity(ctx, entityType, tempID, realID, r.clock.Now()); err != nil {
		return fmt.Errorf("record %s: %w", tempID, err)
	}

	r.mu.Lock()
	m, ok := r.mappings[tempID]
	if !ok {
		m = ir.TempIDMapping{TempID: tempID, EntityType: entityType, CreatedAt: r.clock.Now()}
	}
	m.RealID = realID
	r.mappings[tempID] = m
	r.mu.Unlock()

	n, err := r.queue.Rewrite(ctx, func(op *ir.Operation) bool {
		return rewriteOp(op, tempID, realID)
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", tempID, err)
	}

	r.logger.Info("temporary id resolved",
		"temp_id", tempID,
		"real_id", realID,
		"entity_type", entityType,
		"rewritten_ops", n,
	)
	return nil
}

// Rewrite applies every known mapping to op and reports whether it changed.
func (r *Resolver) Rewrite(op *ir.Operation) bool {
	changed := false
	for _, tempID := range references(*op) {
		if realID, ok := r.Resolve(tempID); ok {
			changed = rewriteOp(op, tempID, realID) || changed
		}
	}
	return changed
}

// Unresolved lists tracked temporary ids in op that have no server id yet.
// The id an operation creates is its own and is not a dependency.
func (r *Resolver) Unresolved(op ir.Operation) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range dependencies(op) {
		if m, ok := r.mappings[id]; ok && !m.Resolved() {
			out = append(out, id)
		}
	}
	return out
}

// Orphaned lists temporary ids in op the resolver has never heard of, or
// has forgotten because their create was rejected. They will never resolve.
func (r *Resolver) Orphaned(op ir.Operation) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range dependencies(op) {
		if _, ok := r.mappings[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Prune deletes resolved mappings that no stored operation references.
func (r *Resolver) Prune(ctx context.Context) (int, error) {
	ops, err := r.queue.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune mappings: %w", err)
	}
	referenced := make(map[string]bool)
	for _, op := range ops {
		for _, id := range references(op) {
			referenced[id] = true
		}
	}

	r.mu.RLock()
	var stale []string
	for id, m := range r.mappings {
		if m.Resolved() && !referenced[id] {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(stale)

	for _, id := range stale {
		if err := r.store.DeleteMapping(ctx, id); err != nil {
			return 0, fmt.Errorf("prune mappings: %w", err)
		}
		r.mu.Lock()
		delete(r.mappings, id)
		r.mu.Unlock()
	}
	if len(stale) > 0 {
		r.logger.Debug("pruned id mappings", "count", len(stale))
	}
	return len(stale), nil
}

// Mappings returns a snapshot of all known mappings ordered by temp id.
func (r *Resolver) Mappings() []ir.TempIDMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ir.TempIDMapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TempID < out[j].TempID })
	return out
}

// references returns the distinct temporary ids op mentions anywhere.
func references(op ir.Operation) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if ir.IsTemporaryID(s) && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(op.EntityID)
	if op.Payload != nil {
		ir.WalkStrings(op.Payload, add)
	}
	return out
}

// dependencies is references minus the entity op itself creates.
func dependencies(op ir.Operation) []string {
	own := ""
	if op.Kind == ir.KindCreate || op.Kind == ir.KindCustom {
		own = op.EntityID
	}
	var out []string
	for _, id := range references(op) {
		if id != own {
			out = append(out, id)
		}
	}
	return out
}

func rewriteOp(op *ir.Operation, tempID, realID string) bool {
	changed := false
	if op.EntityID == tempID {
		op.EntityID = realID
		changed = true
	}
	if op.Payload != nil {
		if out, ok := ir.ReplaceStrings(op.Payload, tempID, realID); ok {
			op.Payload = out.(ir.IRObject)
			changed = true
		}
	}
	return changed
}
