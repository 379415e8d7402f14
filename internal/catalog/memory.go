package catalog

import (
	"context"
	"sync"

	"regionworker/internal/region"
)

// Memory is an in-process catalog. It is safe for concurrent use and lets
// callers mutate the region set or inject a failure.
type Memory struct {
	mu      sync.RWMutex
	regions map[string]region.Region
	order   []string
	err     error
	calls   int
}

func NewMemory(rs ...region.Region) *Memory {
	m := &Memory{regions: make(map[string]region.Region)}
	m.Put(rs...)
	return m
}

// Put inserts or replaces regions by ID.
func (m *Memory) Put(rs ...region.Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rs {
		if _, ok := m.regions[r.ID]; !ok {
			m.order = append(m.order, r.ID)
		}
		m.regions[r.ID] = r
	}
}

// Delete removes regions by ID.
func (m *Memory) Delete(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.regions[id]; !ok {
			continue
		}
		delete(m.regions, id)
		for i, o := range m.order {
			if o == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
}

// Replace swaps the whole region set.
func (m *Memory) Replace(rs ...region.Region) {
	m.mu.Lock()
	m.regions = make(map[string]region.Region, len(rs))
	m.order = m.order[:0]
	m.mu.Unlock()
	m.Put(rs...)
}

// SetErr makes every read fail with err until cleared with nil.
func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Calls is the number of ListActive calls served.
func (m *Memory) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *Memory) all() []region.Region {
	out := make([]region.Region, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.regions[id])
	}
	return out
}

func (m *Memory) ListActive(ctx context.Context) ([]region.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	m.mu.Lock()
	m.calls++
	err := m.err
	all := m.all()
	m.mu.Unlock()
	if err != nil {
		return nil, unavailable("list", err)
	}
	return filterActive(all), nil
}

func (m *Memory) GetByCode(ctx context.Context, code string, includeInactive bool) (region.Region, bool, error) {
	if err := ctx.Err(); err != nil {
		return region.Region{}, false, unavailable("get", err)
	}
	m.mu.RLock()
	err := m.err
	all := m.all()
	m.mu.RUnlock()
	if err != nil {
		return region.Region{}, false, unavailable("get", err)
	}
	r, ok := findByCode(all, code, includeInactive)
	return r, ok, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return unavailable("ping", m.err)
	}
	return ctx.Err()
}

func (m *Memory) Close() error { return nil }
