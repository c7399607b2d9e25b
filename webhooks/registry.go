package webhooks

import (
	"fmt"
	"strings"
	"sync"

	"github.com/port-labs/ocean-sub007/core"
)

type registration struct {
	name    string
	factory core.HandlerFactory
}

type route struct {
	path          string
	registrations []registration
	queue         *PathQueue
}

// Registry maps inbound paths to their ordered handler factories. It is
// written during start-up and read-only once sealed.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	routes map[string]*route
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{routes: map[string]*route{}}
}

// Register appends factory to the handlers of path. The factory is probed
// once so that a factory yielding no handler fails at start-up.
func (r *Registry) Register(path string, factory core.HandlerFactory) error {
	if r == nil {
		return core.NewConfigurationError("webhooks: registry is nil", nil)
	}
	normalized, err := core.NormalizePath(path)
	if err != nil {
		return core.NewConfigurationError(err.Error(), map[string]any{"path": path})
	}
	if factory == nil {
		return core.NewConfigurationError(
			fmt.Sprintf("webhooks: handler factory for %q is nil", normalized),
			map[string]any{"path": normalized},
		)
	}
	name, err := probeFactory(normalized, factory)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return core.NewConfigurationError(
			fmt.Sprintf("webhooks: cannot register %q after processing started", normalized),
			map[string]any{"path": normalized, "handler": name},
		)
	}
	if r.routes == nil {
		r.routes = map[string]*route{}
	}
	entry, exists := r.routes[normalized]
	if !exists {
		entry = &route{path: normalized, queue: NewPathQueue(normalized)}
		r.routes[normalized] = entry
		r.order = append(r.order, normalized)
	}
	entry.registrations = append(entry.registrations, registration{name: name, factory: factory})
	return nil
}

// Seal rejects further registrations.
func (r *Registry) Seal() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Paths returns the registered paths in registration order.
func (r *Registry) Paths() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Registered(path string) bool {
	_, ok := r.lookup(path)
	return ok
}

// HandlerNames returns the probed handler names of path in order.
func (r *Registry) HandlerNames(path string) []string {
	entry, ok := r.lookup(path)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(entry.registrations))
	for _, item := range entry.registrations {
		names = append(names, item.name)
	}
	return names
}

func (r *Registry) Queue(path string) (*PathQueue, bool) {
	entry, ok := r.lookup(path)
	if !ok {
		return nil, false
	}
	return entry.queue, true
}

func (r *Registry) factories(path string) []core.HandlerFactory {
	entry, ok := r.lookup(path)
	if !ok {
		return nil
	}
	out := make([]core.HandlerFactory, 0, len(entry.registrations))
	for _, item := range entry.registrations {
		out = append(out, item.factory)
	}
	return out
}

func (r *Registry) lookup(path string) (*route, bool) {
	if r == nil {
		return nil, false
	}
	normalized, err := core.NormalizePath(path)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.routes[normalized]
	return entry, ok
}

func probeFactory(path string, factory core.HandlerFactory) (name string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.NewConfigurationError(
				fmt.Sprintf("webhooks: handler factory for %q panicked: %v", path, recovered),
				map[string]any{"path": path},
			)
		}
	}()
	handler := factory(core.InboundEvent{Path: path})
	if handler == nil {
		return "", core.NewConfigurationError(
			fmt.Sprintf("webhooks: handler factory for %q returned nil", path),
			map[string]any{"path": path},
		)
	}
	name = strings.TrimSpace(handler.Name())
	if name == "" {
		name = fmt.Sprintf("%T", handler)
	}
	return name, nil
}

func handlerName(handler core.Handler) string {
	if handler == nil {
		return ""
	}
	if name := strings.TrimSpace(handler.Name()); name != "" {
		return name
	}
	return fmt.Sprintf("%T", handler)
}
