package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps rules in process memory. Every write happens under
// one lock, so a snapshot and its rule update are never observed apart.
type MemoryRepository struct {
	mu        sync.RWMutex
	rules     map[uuid.UUID]*Rule
	snapshots map[uuid.UUID]*Snapshot
	byRule    map[uuid.UUID][]uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rules:     make(map[uuid.UUID]*Rule),
		snapshots: make(map[uuid.UUID]*Snapshot),
		byRule:    make(map[uuid.UUID][]uuid.UUID),
	}
}

func (m *MemoryRepository) Create(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.rules[r.ID] = r.clone()
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryRepository) List(_ context.Context, f ListFilter) ([]*Rule, int, error) {
	m.mu.RLock()
	var all []*Rule
	for _, r := range m.rules {
		if f.matches(r) {
			all = append(all, r.clone())
		}
	}
	m.mu.RUnlock()

	sortRules(all)
	total := len(all)
	if f.Offset > 0 {
		if f.Offset >= len(all) {
			return []*Rule{}, total, nil
		}
		all = all[f.Offset:]
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *MemoryRepository) UpdateWithSnapshot(_ context.Context, r *Rule, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		return ErrNotFound
	}
	if snap != nil {
		s := *snap
		m.snapshots[s.ID] = &s
		m.byRule[r.ID] = append(m.byRule[r.ID], s.ID)
	}
	m.rules[r.ID] = r.clone()
	return nil
}

func (m *MemoryRepository) SoftDelete(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	if r.DeletedAt == nil {
		r.DeletedAt = &at
		r.UpdatedAt = at
	}
	return nil
}

func (m *MemoryRepository) ListSnapshots(_ context.Context, ruleID uuid.UUID) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byRule[ruleID]
	out := make([]*Snapshot, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		s := *m.snapshots[ids[i]]
		out = append(out, &s)
	}
	return out, nil
}

func (m *MemoryRepository) GetSnapshot(_ context.Context, id uuid.UUID) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *MemoryRepository) ListActive(_ context.Context, resourceType string) ([]*Rule, error) {
	m.mu.RLock()
	var out []*Rule
	for _, r := range m.rules {
		if r.IsActive() && r.AppliesTo(resourceType) {
			out = append(out, r.clone())
		}
	}
	m.mu.RUnlock()
	sortRules(out)
	return out, nil
}

// sortRules orders by name then id so listings and evaluation are stable.
func sortRules(rs []*Rule) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Name != rs[j].Name {
			return rs[i].Name < rs[j].Name
		}
		return rs[i].ID.String() < rs[j].ID.String()
	})
}
