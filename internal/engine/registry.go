// File: internal/engine/registry.go

package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/guardbot/api/schemas"
)

// Registry is the synchronized home of every task record the service knows
// about. The engine is the only writer; HTTP handlers read through it. Every
// accessor copies, so a caller can never reach engine-owned state.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*schemas.TaskRecord
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*schemas.TaskRecord)}
}

// Put stores a copy of rec, replacing any existing record with the same id.
func (r *Registry) Put(rec schemas.TaskRecord) {
	clone := rec.Clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.TaskID] = &clone
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (schemas.TaskRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return schemas.TaskRecord{}, false
	}
	return rec.Clone(), true
}

// Update mutates the record for id under the registry lock and returns the
// updated copy. The callback must not retain the pointer it is handed.
func (r *Registry) Update(id string, fn func(*schemas.TaskRecord)) (schemas.TaskRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return schemas.TaskRecord{}, false
	}
	fn(rec)
	return rec.Clone(), true
}

// Delete removes the record for id, if present.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// List returns copies of every record, most recently queued first.
func (r *Registry) List() []schemas.TaskRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schemas.TaskRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].QueuedAt.After(out[j].QueuedAt)
	})
	return out
}

// Len reports how many records are currently held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// EvictBefore removes terminal records whose terminal timestamp predates the
// cutoff and reports how many went. Records still in flight are never
// evicted, whatever their age.
func (r *Registry) EvictBefore(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, rec := range r.records {
		if !rec.Status.IsTerminal() {
			continue
		}
		if terminalTime(rec).Before(cutoff) {
			delete(r.records, id)
			evicted++
		}
	}
	return evicted
}

// terminalTime picks the timestamp that ended the task. Completed tasks carry
// CompletedAt, failed and errored ones FailedAt; QueuedAt covers records that
// somehow reached a terminal status without either.
func terminalTime(rec *schemas.TaskRecord) time.Time {
	switch {
	case rec.CompletedAt != nil:
		return *rec.CompletedAt
	case rec.FailedAt != nil:
		return *rec.FailedAt
	}
	return rec.QueuedAt
}
