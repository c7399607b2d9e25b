package ocean

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/port-labs/ocean-sub007/core"
	oceansync "github.com/port-labs/ocean-sub007/sync"
)

// HandlerRoute binds one handler factory to a webhook path.
type HandlerRoute struct {
	Path    string
	Factory core.HandlerFactory
}

// HandlerPack is a named group of webhook handlers shipped together, usually
// one per integration.
type HandlerPack struct {
	Name   string
	Routes []HandlerRoute
}

// SourcePack is a named group of resync sources keyed by mapping kind.
type SourcePack struct {
	Name    string
	Sources map[string]oceansync.SourceFunc
}

type HandlerRegistrar interface {
	Register(path string, factory core.HandlerFactory) error
}

type ExtensionHooks struct {
	mu sync.RWMutex

	handlerPacks map[string]HandlerPack
	sourcePacks  map[string]SourcePack
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		handlerPacks: map[string]HandlerPack{},
		sourcePacks:  map[string]SourcePack{},
	}
}

func (h *ExtensionHooks) RegisterHandlerPack(pack HandlerPack) error {
	if h == nil {
		return fmt.Errorf("ocean: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("ocean: handler pack name is required")
	}
	if len(pack.Routes) == 0 {
		return fmt.Errorf("ocean: handler pack %q has no routes", name)
	}
	for _, route := range pack.Routes {
		if route.Factory == nil {
			return fmt.Errorf("ocean: handler pack %q route %q has no factory", name, route.Path)
		}
	}

	normalized := HandlerPack{
		Name:   name,
		Routes: append([]HandlerRoute(nil), pack.Routes...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.handlerPacks[name]; exists {
		return fmt.Errorf("ocean: handler pack %q already registered", name)
	}
	h.handlerPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterSourcePack(pack SourcePack) error {
	if h == nil {
		return fmt.Errorf("ocean: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("ocean: source pack name is required")
	}
	if len(pack.Sources) == 0 {
		return fmt.Errorf("ocean: source pack %q has no sources", name)
	}
	sources := make(map[string]oceansync.SourceFunc, len(pack.Sources))
	for kind, source := range pack.Sources {
		kind = strings.TrimSpace(kind)
		if kind == "" {
			return fmt.Errorf("ocean: source pack %q has a blank kind", name)
		}
		if source == nil {
			return fmt.Errorf("ocean: source pack %q kind %q has no source", name, kind)
		}
		sources[kind] = source
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sourcePacks[name]; exists {
		return fmt.Errorf("ocean: source pack %q already registered", name)
	}
	h.sourcePacks[name] = SourcePack{Name: name, Sources: sources}
	return nil
}

// ApplyHandlerPacks registers every route of every pack, packs in name order.
func (h *ExtensionHooks) ApplyHandlerPacks(registrar HandlerRegistrar) error {
	if h == nil {
		return nil
	}
	if registrar == nil {
		return fmt.Errorf("ocean: handler registrar is required")
	}
	for _, pack := range h.HandlerPacks() {
		for _, route := range pack.Routes {
			if err := registrar.Register(route.Path, route.Factory); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sources merges the sources of every pack. Two packs serving the same kind
// is an error.
func (h *ExtensionHooks) Sources() (map[string]oceansync.SourceFunc, error) {
	out := map[string]oceansync.SourceFunc{}
	if h == nil {
		return out, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	owners := map[string]string{}
	for _, name := range sortedKeys(h.sourcePacks) {
		for kind, source := range h.sourcePacks[name].Sources {
			if owner, exists := owners[kind]; exists {
				return nil, fmt.Errorf("ocean: kind %q served by source packs %q and %q", kind, owner, name)
			}
			owners[kind] = name
			out[kind] = source
		}
	}
	return out, nil
}

func (h *ExtensionHooks) HandlerPacks() []HandlerPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]HandlerPack, 0, len(h.handlerPacks))
	for _, name := range sortedKeys(h.handlerPacks) {
		pack := h.handlerPacks[name]
		out = append(out, HandlerPack{
			Name:   pack.Name,
			Routes: append([]HandlerRoute(nil), pack.Routes...),
		})
	}
	return out
}

func (h *ExtensionHooks) SourcePackNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.sourcePacks)
}

func sortedKeys[V any](values map[string]V) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
