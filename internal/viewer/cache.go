package viewer

import (
	"sort"
	"sync"

	"github.com/ehr/careflow/internal/domain/careflow"
)

type entry struct {
	// auth is the newest authoritative record seen; nil until one arrives.
	auth *careflow.PatientWorkflowRecord

	// pending is set from ApplyOptimistic or Begin until Resolve.
	pending bool
	// predicted is the speculative overlay, valid while pending.
	predicted        *careflow.Flags
	predictedVersion int64

	stale bool
}

// Cache is one viewing context's projection of patient state. It is never
// shared between viewing contexts.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Begin marks a gateway call for id as in flight without an overlay.
func (c *Cache) Begin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(id).pending = true
}

func (c *Cache) entry(id string) *entry {
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	return e
}

// ApplyOptimistic overlays predicted flags on the authoritative record for
// id until the pending call resolves. It reports false when there is no
// authoritative record to predict from.
func (c *Cache) ApplyOptimistic(id string, predicted careflow.Flags) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.auth == nil {
		return false
	}
	e.pending = true
	e.predicted = &predicted
	e.predictedVersion = e.auth.Version + 1
	return true
}

// Resolve ends the pending call for id. On success rec becomes the
// authoritative record; on failure the speculation is discarded and id is
// marked stale so the caller refetches it.
func (c *Cache) Resolve(id string, rec *careflow.PatientWorkflowRecord, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(id)
	e.pending = false
	e.predicted = nil
	if err != nil || rec == nil {
		e.stale = true
		return
	}
	c.accept(e, rec)
}

// accept installs rec unless it is older than what e already holds.
func (c *Cache) accept(e *entry, rec *careflow.PatientWorkflowRecord) bool {
	if e.auth != nil && rec.Version < e.auth.Version {
		return false
	}
	e.auth = rec.Clone()
	e.stale = false
	return true
}

// merge applies one authoritative record. While a call is pending and rec
// is not newer than the prediction the overlay stays visible.
func (c *Cache) merge(e *entry, rec *careflow.PatientWorkflowRecord) {
	if !c.accept(e, rec) {
		return
	}
	if e.pending && e.predicted != nil && rec.Version > e.predictedVersion {
		e.predicted = nil
	}
}

// Reconcile replaces the projection with an authoritative set. Entries
// absent from set are dropped unless a call for them is pending.
func (c *Cache) Reconcile(set []*careflow.PatientWorkflowRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	present := make(map[string]struct{}, len(set))
	for _, rec := range set {
		if rec == nil {
			continue
		}
		present[rec.ID] = struct{}{}
		c.merge(c.entry(rec.ID), rec)
	}
	for id, e := range c.entries {
		if _, ok := present[id]; !ok && !e.pending {
			delete(c.entries, id)
		}
	}
}

// Update merges a single authoritative record.
func (c *Cache) Update(rec *careflow.PatientWorkflowRecord) {
	if rec == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.merge(c.entry(rec.ID), rec)
}

// Remove drops id unless a call for it is pending.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok && !e.pending {
		delete(c.entries, id)
	}
}

func (e *entry) view() (careflow.PatientWorkflowRecord, bool) {
	if e.auth == nil {
		return careflow.PatientWorkflowRecord{}, false
	}
	out := *e.auth.Clone()
	if e.pending && e.predicted != nil {
		out.Flags = *e.predicted
		out.Version = e.predictedVersion
	}
	return out, true
}

// Get returns the projection for id, including any optimistic overlay.
func (c *Cache) Get(id string) (careflow.PatientWorkflowRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return careflow.PatientWorkflowRecord{}, false
	}
	return e.view()
}

// Speculative reports whether id currently shows an optimistic overlay.
func (c *Cache) Speculative(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return ok && e.pending && e.predicted != nil
}

// List returns every projection ordered by creation time.
func (c *Cache) List() []careflow.PatientWorkflowRecord {
	c.mu.Lock()
	out := make([]careflow.PatientWorkflowRecord, 0, len(c.entries))
	for _, e := range c.entries {
		if v, ok := e.view(); ok {
			out = append(out, v)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stale returns the ids whose last call failed and that have not been
// refreshed since.
func (c *Cache) Stale() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, e := range c.entries {
		if e.stale {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
