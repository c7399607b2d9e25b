package depsort

import (
	"sync"

	"github.com/port-labs/ocean-sub007/core"
)

// Sorter accumulates entities whose upsert failed during a run so they can be
// retried in dependency order once the run completes. It is owned by the root
// execution context and shared with every descendant, so all methods are safe
// for concurrent use.
type Sorter struct {
	mu      sync.Mutex
	order   []core.EntityKey
	pending map[core.EntityKey]core.Entity
}

func NewSorter() *Sorter {
	return &Sorter{pending: map[core.EntityKey]core.Entity{}}
}

// Register records entities as pending; a later registration of the same key
// replaces the earlier entity but keeps its position.
func (s *Sorter) Register(entities ...core.Entity) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = map[core.EntityKey]core.Entity{}
	}
	for _, entity := range entities {
		key := entity.Key()
		if !key.Valid() {
			continue
		}
		if _, exists := s.pending[key]; !exists {
			s.order = append(s.order, key)
		}
		s.pending[key] = entity.Clone()
	}
}

func (s *Sorter) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Pending returns the registered entities in registration order.
func (s *Sorter) Pending() []core.Entity {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Entity, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.pending[key].Clone())
	}
	return out
}

// Sorted returns the pending entities in upsert order.
func (s *Sorter) Sorted() ([]core.Entity, error) {
	return Order(s.Pending())
}

// Drain returns the pending entities in upsert order and clears the set. On a
// cycle the set is left untouched.
func (s *Sorter) Drain() ([]core.Entity, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := make([]core.Entity, 0, len(s.order))
	for _, key := range s.order {
		current = append(current, s.pending[key])
	}
	ordered, err := Order(current)
	if err != nil {
		return nil, err
	}
	s.order = nil
	s.pending = map[core.EntityKey]core.Entity{}
	return ordered, nil
}

func (s *Sorter) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.pending = map[core.EntityKey]core.Entity{}
}
