package webhooks

import (
	"context"
	"fmt"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/port-labs/ocean-sub007/core"
)

// Match is one (mapping, handler) pair selected for an event. Handler is a
// fresh instance built from a private copy of the event.
type Match struct {
	Mapping core.ResourceMapping
	Handler core.Handler
}

type Dispatcher struct {
	registry *Registry
	mappings core.MappingSource
}

func NewDispatcher(registry *Registry, mappings core.MappingSource) *Dispatcher {
	if mappings == nil {
		mappings = core.StaticMappings(nil)
	}
	return &Dispatcher{registry: registry, mappings: mappings}
}

// Match tries every handler registered on the event path in registration
// order and keeps the pairs whose claimed kinds are present in the active
// mappings. An empty selection fails with an event-not-supported error.
func (d *Dispatcher) Match(ctx context.Context, event core.InboundEvent) ([]Match, error) {
	if d == nil || d.registry == nil {
		return nil, core.NewConfigurationError("webhooks: dispatcher is not configured", nil)
	}
	path, err := core.NormalizePath(event.Path)
	if err != nil {
		return nil, core.NewBadInputError(err.Error(), map[string]any{"path": event.Path})
	}
	factories := d.registry.factories(path)
	if len(factories) == 0 {
		return nil, core.NewEventNotSupportedError(path, event.TraceID)
	}

	mappings, err := d.mappings.Mappings(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "webhooks: load resource mappings").
			WithTextCode(core.ErrorInternal)
	}
	byKind := map[string][]core.ResourceMapping{}
	for _, mapping := range mappings {
		kind := strings.TrimSpace(mapping.Kind)
		if kind == "" {
			continue
		}
		byKind[kind] = append(byKind[kind], mapping)
	}

	matches := []Match{}
	for _, factory := range factories {
		probe := factory(event.Clone())
		if probe == nil {
			continue
		}
		if !probe.ShouldProcessEvent(event.Clone()) {
			continue
		}
		for _, kind := range uniqueKinds(probe.MatchingKinds(event.Clone())) {
			for _, mapping := range byKind[kind] {
				handler := factory(event.Clone())
				if handler == nil {
					continue
				}
				matches = append(matches, Match{Mapping: mapping, Handler: handler})
			}
		}
	}
	if len(matches) == 0 {
		return nil, core.NewEventNotSupportedError(path, event.TraceID)
	}
	return matches, nil
}

func uniqueKinds(kinds []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		kind = strings.TrimSpace(kind)
		if kind == "" {
			continue
		}
		if _, exists := seen[kind]; exists {
			continue
		}
		seen[kind] = struct{}{}
		out = append(out, kind)
	}
	return out
}

func (m Match) String() string {
	return fmt.Sprintf("%s:%s", m.Mapping.Kind, handlerName(m.Handler))
}
