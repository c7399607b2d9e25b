// Package execution carries the scoped state of a unit of work (a resync run,
// a webhook event, start-up) through context.Context.
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/depsort"
)

type Kind string

const (
	KindResync  Kind = "resync"
	KindWebhook Kind = "webhook"
	KindStartup Kind = "startup"
	KindManual  Kind = "manual"
)

// AbortFunc is invoked once when the owning context is aborted.
type AbortFunc func(ctx context.Context) error

// Context is the scoped state of one unit of work. The attribute cache is
// private to the context; the dependency sorter is owned by the root context
// of a run and shared by reference with its descendants.
type Context struct {
	id        string
	kind      Kind
	trigger   string
	createdAt time.Time
	parent    *Context
	mapping   *core.ResourceMapping
	sorter    *depsort.Sorter
	logger    core.Logger

	mu         sync.RWMutex
	attributes map[string]any
	released   bool
	fetches    singleflight.Group

	aborted   atomic.Bool
	abortMu   sync.Mutex
	abortFns  []AbortFunc
	abortOnce sync.Once
	children  map[*Context]struct{}
}

type Option func(*Context)

func WithTrigger(trigger string) Option {
	return func(c *Context) {
		c.trigger = strings.TrimSpace(trigger)
	}
}

func WithID(id string) Option {
	return func(c *Context) {
		if id = strings.TrimSpace(id); id != "" {
			c.id = id
		}
	}
}

// WithMapping replaces the active resource mapping.
func WithMapping(mapping core.ResourceMapping) Option {
	return func(c *Context) {
		copied := mapping
		c.mapping = &copied
	}
}

// WithSorter replaces the shared dependency sorter.
func WithSorter(sorter *depsort.Sorter) Option {
	return func(c *Context) {
		if sorter != nil {
			c.sorter = sorter
		}
	}
}

// WithAttributes overlays attributes on top of the inherited ones.
func WithAttributes(attributes map[string]any) Option {
	return func(c *Context) {
		for key, value := range attributes {
			c.attributes[key] = value
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func withKind(kind Kind) Option {
	return func(c *Context) {
		if kind != "" {
			c.kind = kind
		}
	}
}

// New creates a root context which owns a fresh dependency sorter.
func New(kind Kind, opts ...Option) *Context {
	ec := &Context{
		id:         uuid.NewString(),
		kind:       kind,
		createdAt:  time.Now().UTC(),
		sorter:     depsort.NewSorter(),
		logger:     glog.Nop(),
		attributes: map[string]any{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ec)
		}
	}
	return ec
}

// Child creates a descendant context. Attributes are a shallow copy of the
// parent's overlaid with WithAttributes values; the sorter and mapping are
// inherited unless replaced.
func (c *Context) Child(kind Kind, opts ...Option) *Context {
	if c == nil {
		return New(kind, opts...)
	}
	child := &Context{
		id:         uuid.NewString(),
		kind:       c.kind,
		trigger:    c.trigger,
		createdAt:  time.Now().UTC(),
		parent:     c,
		mapping:    c.mapping,
		sorter:     c.sorter,
		logger:     c.logger,
		attributes: c.snapshot(false),
	}
	withKind(kind)(child)
	for _, opt := range opts {
		if opt != nil {
			opt(child)
		}
	}
	c.adopt(child)
	return child
}

// Clone returns an independent copy suitable for handing to a queue. The
// attributes are deep-copied, identity, parent, mapping and sorter are kept.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	cloned := &Context{
		id:         c.id,
		kind:       c.kind,
		trigger:    c.trigger,
		createdAt:  c.createdAt,
		parent:     c.parent,
		mapping:    c.mapping,
		sorter:     c.sorter,
		logger:     c.logger,
		attributes: c.snapshot(true),
	}
	if c.aborted.Load() {
		cloned.aborted.Store(true)
	}
	c.parent.adopt(cloned)
	return cloned
}

func (c *Context) ID() string           { return c.id }
func (c *Context) Kind() Kind           { return c.kind }
func (c *Context) Trigger() string      { return c.trigger }
func (c *Context) CreatedAt() time.Time { return c.createdAt }
func (c *Context) Parent() *Context     { return c.parent }

// Sorter returns the dependency sorter shared across the run.
func (c *Context) Sorter() *depsort.Sorter {
	if c == nil {
		return nil
	}
	return c.sorter
}

// Mapping returns the active resource mapping, if one is set.
func (c *Context) Mapping() (core.ResourceMapping, bool) {
	if c == nil || c.mapping == nil {
		return core.ResourceMapping{}, false
	}
	return *c.mapping, true
}

func (c *Context) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.attributes[key]
	return value, ok
}

func (c *Context) Set(key string, value any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.attributes[key] = value
}

func (c *Context) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attributes, key)
}

// Attributes returns a shallow copy of the attribute cache.
func (c *Context) Attributes() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	return c.snapshot(false)
}

// Release discards the attribute cache once the unit of work is done and
// detaches the context from its parent.
func (c *Context) Release() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.attributes = map[string]any{}
	c.released = true
	c.mu.Unlock()
	c.parent.disown(c)
}

// Cache returns the cached attribute for key, calling fetch on a miss.
// Concurrent misses for the same key share a single fetch.
func Cache[T any](ctx context.Context, c *Context, key string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	if fetch == nil {
		return zero, fmt.Errorf("execution: fetch func is required")
	}
	if c == nil {
		return fetch(ctx)
	}
	if value, ok := c.Get(key); ok {
		if typed, ok := value.(T); ok {
			return typed, nil
		}
	}
	value, err, _ := c.fetches.Do(key, func() (any, error) {
		if cached, ok := c.Get(key); ok {
			if typed, ok := cached.(T); ok {
				return typed, nil
			}
		}
		fetched, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, fetched)
		return fetched, nil
	})
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("execution: cached value for %q has type %T", key, value)
	}
	return typed, nil
}

// OnAbort registers fn to run when the context or one of its ancestors is
// aborted. Registering on an already aborted context runs fn immediately.
func (c *Context) OnAbort(fn AbortFunc) {
	if c == nil || fn == nil {
		return
	}
	c.abortMu.Lock()
	if !c.Aborted() {
		c.abortFns = append(c.abortFns, fn)
		c.abortMu.Unlock()
		return
	}
	c.abortMu.Unlock()
	c.runAbort(context.Background(), fn)
}

// Abort marks the context aborted, runs every registered callback, then
// aborts the live descendants. Callback errors and panics are logged and
// never returned.
func (c *Context) Abort(ctx context.Context) {
	if c == nil {
		return
	}
	c.abortOnce.Do(func() {
		c.abortMu.Lock()
		c.aborted.Store(true)
		callbacks := c.abortFns
		c.abortFns = nil
		children := make([]*Context, 0, len(c.children))
		for child := range c.children {
			children = append(children, child)
		}
		c.children = nil
		c.abortMu.Unlock()

		for _, fn := range callbacks {
			c.runAbort(ctx, fn)
		}
		for _, child := range children {
			child.Abort(ctx)
		}
	})
}

func (c *Context) adopt(child *Context) {
	if c == nil || child == nil {
		return
	}
	c.abortMu.Lock()
	defer c.abortMu.Unlock()
	if c.aborted.Load() {
		return
	}
	if c.children == nil {
		c.children = map[*Context]struct{}{}
	}
	c.children[child] = struct{}{}
}

func (c *Context) disown(child *Context) {
	if c == nil {
		return
	}
	c.abortMu.Lock()
	defer c.abortMu.Unlock()
	delete(c.children, child)
}

// Aborted reports whether this context or any ancestor has been aborted.
func (c *Context) Aborted() bool {
	for current := c; current != nil; current = current.parent {
		if current.aborted.Load() {
			return true
		}
	}
	return false
}

func (c *Context) runAbort(ctx context.Context, fn AbortFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("execution abort callback panicked",
				"context_id", c.id, "kind", string(c.kind), "panic", recovered)
		}
	}()
	if err := fn(ctx); err != nil {
		c.logger.Warn("execution abort callback failed",
			"context_id", c.id, "kind", string(c.kind), "error", err)
	}
}

func (c *Context) snapshot(deep bool) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if deep {
		copied := core.CloneAnyMap(c.attributes)
		if copied == nil {
			copied = map[string]any{}
		}
		return copied
	}
	copied := make(map[string]any, len(c.attributes))
	for key, value := range c.attributes {
		copied[key] = value
	}
	return copied
}
