package execution

import (
	"context"
	"sync"
)

// Tracker enforces supersession: when a context of a superseding kind begins,
// the previous in-flight context of the same kind is aborted.
type Tracker struct {
	mu          sync.Mutex
	superseding map[Kind]struct{}
	active      map[Kind]*Context
}

// NewTracker builds a tracker; with no kinds only resync runs supersede.
func NewTracker(kinds ...Kind) *Tracker {
	if len(kinds) == 0 {
		kinds = []Kind{KindResync}
	}
	superseding := make(map[Kind]struct{}, len(kinds))
	for _, kind := range kinds {
		superseding[kind] = struct{}{}
	}
	return &Tracker{superseding: superseding, active: map[Kind]*Context{}}
}

// Begin registers ec as the active context of its kind and aborts the one it
// replaces. The aborted predecessor, if any, is returned.
func (t *Tracker) Begin(ctx context.Context, ec *Context) *Context {
	if t == nil || ec == nil {
		return nil
	}
	t.mu.Lock()
	if _, ok := t.superseding[ec.Kind()]; !ok {
		t.mu.Unlock()
		return nil
	}
	previous := t.active[ec.Kind()]
	t.active[ec.Kind()] = ec
	t.mu.Unlock()

	if previous == nil || previous == ec {
		return nil
	}
	previous.Abort(ctx)
	return previous
}

// End clears ec if it is still the active context of its kind.
func (t *Tracker) End(ec *Context) {
	if t == nil || ec == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[ec.Kind()] == ec {
		delete(t.active, ec.Kind())
	}
}

func (t *Tracker) Active(kind Kind) (*Context, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ec, ok := t.active[kind]
	return ec, ok
}
