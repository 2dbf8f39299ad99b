package careflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

type fanoutKey struct {
	patientID string
	version   int64
}

type fanoutEntry struct {
	claim FanoutClaim
	done  bool
}

// MemoryStore is an in-process Store for single-instance development and
// tests. Records are copied on the way in and out.
type MemoryStore struct {
	mu            sync.RWMutex
	records       map[string]*PatientWorkflowRecord
	notifications map[string]*NotificationRecord
	fanouts       map[fanoutKey]*fanoutEntry
	audit         []*AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:       make(map[string]*PatientWorkflowRecord),
		notifications: make(map[string]*NotificationRecord),
		fanouts:       make(map[fanoutKey]*fanoutEntry),
	}
}

func (s *MemoryStore) Create(_ context.Context, rec *PatientWorkflowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return ErrAlreadyExists
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Fetch(_ context.Context, id string) (*PatientWorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) FetchSet(_ context.Context, f Filter) ([]*PatientWorkflowRecord, int, error) {
	s.mu.RLock()
	var after *PatientWorkflowRecord
	if f.AfterID != "" {
		if after = s.records[f.AfterID]; after == nil {
			s.mu.RUnlock()
			return nil, 0, nil
		}
	}
	var matched []*PatientWorkflowRecord
	for _, rec := range s.records {
		if f.Match(rec) && (after == nil || createdAfter(rec, after)) {
			matched = append(matched, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

// createdAfter orders records the way FetchSet pages them.
func createdAfter(rec, after *PatientWorkflowRecord) bool {
	if rec.CreatedAt.Equal(after.CreatedAt) {
		return rec.ID > after.ID
	}
	return rec.CreatedAt.After(after.CreatedAt)
}

func (s *MemoryStore) ConditionalWrite(_ context.Context, id string, expectedVersion int64, next *PatientWorkflowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(id, expectedVersion, next)
}

// CommitTransition applies the write and records the claim under one lock.
func (s *MemoryStore) CommitTransition(_ context.Context, id string, expectedVersion int64, next *PatientWorkflowRecord, claim FanoutClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(id, expectedVersion, next); err != nil {
		return err
	}
	s.claimLocked(claim)
	return nil
}

func (s *MemoryStore) writeLocked(id string, expectedVersion int64, next *PatientWorkflowRecord) error {
	cur, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	stored := next.Clone()
	stored.ID = id
	stored.Version = expectedVersion + 1
	stored.CreatedAt = cur.CreatedAt
	s.records[id] = stored
	return nil
}

func (s *MemoryStore) ClaimFanout(_ context.Context, c FanoutClaim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimLocked(c), nil
}

func (s *MemoryStore) claimLocked(c FanoutClaim) bool {
	k := fanoutKey{c.PatientID, c.Version}
	if _, ok := s.fanouts[k]; ok {
		return false
	}
	s.fanouts[k] = &fanoutEntry{claim: c}
	return true
}

func (s *MemoryStore) CompleteFanout(_ context.Context, patientID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.fanouts[fanoutKey{patientID, version}]; ok {
		e.done = true
	}
	return nil
}

func (s *MemoryStore) PendingFanouts(_ context.Context, olderThan time.Time, limit int) ([]FanoutClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FanoutClaim
	for _, e := range s.fanouts {
		if !e.done && !e.claim.ClaimedAt.After(olderThan) {
			out = append(out, e.claim)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PersistNotification(_ context.Context, n *NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[n.ID]; ok {
		return nil
	}
	cp := *n
	s.notifications[n.ID] = &cp
	return nil
}

func (s *MemoryStore) FetchNotifications(_ context.Context, role Role, limit int) ([]*NotificationRecord, error) {
	s.mu.RLock()
	var out []*NotificationRecord
	for _, n := range s.notifications {
		if n.TargetRole == role {
			cp := *n
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RecordAudit(_ context.Context, e *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.Roles = append([]string(nil), e.Roles...)
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) FetchAudit(_ context.Context, q AuditQuery) ([]*AuditRecord, int, error) {
	s.mu.RLock()
	var out []*AuditRecord
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if q.PatientID != "" && e.PatientID != q.PatientID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	total := len(out)
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, total, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, total, nil
}
