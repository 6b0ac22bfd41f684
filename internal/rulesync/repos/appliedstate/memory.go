package appliedstate

import (
	"maps"
	"sync"

	"github.com/haukened/rr-rulesync/internal/rulesync/domain"
)

// Memory is a process-local AppliedState. Everything is lost on restart,
// which only costs one round of redundant (idempotent) applies.
type Memory struct {
	mu       sync.RWMutex
	backends map[string]map[string]domain.EffectiveDecision
}

// NewMemory returns an empty in-memory applied state.
func NewMemory() *Memory {
	return &Memory{backends: make(map[string]map[string]domain.EffectiveDecision)}
}

// Load returns a copy of the decisions last applied to backend, keyed by domain.
func (m *Memory) Load(backend string) (map[string]domain.EffectiveDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := maps.Clone(m.backends[backend])
	if out == nil {
		out = make(map[string]domain.EffectiveDecision)
	}
	return out, nil
}

// Put records d as applied to backend.
func (m *Memory) Put(backend string, d domain.EffectiveDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backends[backend]
	if !ok {
		b = make(map[string]domain.EffectiveDecision)
		m.backends[backend] = b
	}
	b[d.Domain] = d
	return nil
}

// Delete forgets any decision applied to backend for name. Missing entries are not an error.
func (m *Memory) Delete(backend, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backends[backend], name)
	return nil
}

func (m *Memory) Close() error { return nil }
