// Package memory provides an in-process Catalog for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/port-labs/ocean-sub007/core"
)

// Catalog keeps entities in a map. With StrictRelations set an upsert whose
// relation targets are not yet present is rejected for that entity, which is
// how a catalog enforcing referential integrity behaves.
type Catalog struct {
	StrictRelations bool

	mu       sync.RWMutex
	entities map[core.EntityKey]core.Entity
	upserts  [][]core.Entity
	deletes  [][]core.Entity
}

func NewCatalog(seed ...core.Entity) *Catalog {
	catalog := &Catalog{entities: map[core.EntityKey]core.Entity{}}
	for _, entity := range seed {
		catalog.entities[entity.Key()] = entity.Clone()
	}
	return catalog
}

// Upsert applies entities in the given order and returns those applied.
func (c *Catalog) Upsert(ctx context.Context, entities []core.Entity, _ string) ([]core.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensure()
	c.upserts = append(c.upserts, cloneEntities(entities))

	applied := make([]core.Entity, 0, len(entities))
	rejected := []string{}
	for _, entity := range entities {
		key := entity.Key()
		if !key.Valid() {
			rejected = append(rejected, key.String())
			continue
		}
		if c.StrictRelations && !c.relationsResolvedLocked(entity) {
			rejected = append(rejected, key.String())
			continue
		}
		c.entities[key] = entity.Clone()
		applied = append(applied, entity.Clone())
	}
	if len(rejected) > 0 && len(applied) == 0 {
		return applied, fmt.Errorf("memory: upsert rejected [%s]", strings.Join(rejected, ", "))
	}
	return applied, nil
}

func (c *Catalog) Delete(ctx context.Context, entities []core.Entity, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensure()
	c.deletes = append(c.deletes, cloneEntities(entities))
	for _, entity := range entities {
		delete(c.entities, entity.Key())
	}
	return nil
}

func (c *Catalog) SearchEntities(ctx context.Context, query core.EntityQuery) ([]core.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	identifiers := map[string]struct{}{}
	for _, identifier := range query.Identifiers {
		identifiers[strings.TrimSpace(identifier)] = struct{}{}
	}
	blueprint := strings.TrimSpace(query.Blueprint)

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := []core.Entity{}
	for key, entity := range c.entities {
		if blueprint != "" && key.Blueprint != blueprint {
			continue
		}
		if len(identifiers) > 0 {
			if _, ok := identifiers[key.Identifier]; !ok {
				continue
			}
		}
		out = append(out, entity.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out, nil
}

func (c *Catalog) Get(key core.EntityKey) (core.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entity, ok := c.entities[key]
	if !ok {
		return core.Entity{}, false
	}
	return entity.Clone(), true
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities)
}

// UpsertCalls returns every batch passed to Upsert, in call order.
func (c *Catalog) UpsertCalls() [][]core.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]core.Entity, 0, len(c.upserts))
	for _, batch := range c.upserts {
		out = append(out, cloneEntities(batch))
	}
	return out
}

// DeleteCalls returns every batch passed to Delete, in call order.
func (c *Catalog) DeleteCalls() [][]core.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]core.Entity, 0, len(c.deletes))
	for _, batch := range c.deletes {
		out = append(out, cloneEntities(batch))
	}
	return out
}

func (c *Catalog) relationsResolvedLocked(entity core.Entity) bool {
	for _, target := range entity.RelatedIdentifiers() {
		if target == entity.Identifier {
			continue
		}
		found := false
		for key := range c.entities {
			if key.Identifier == target {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *Catalog) ensure() {
	if c.entities == nil {
		c.entities = map[core.EntityKey]core.Entity{}
	}
}

func cloneEntities(entities []core.Entity) []core.Entity {
	out := make([]core.Entity, 0, len(entities))
	for _, entity := range entities {
		out = append(out, entity.Clone())
	}
	return out
}

var _ core.Catalog = (*Catalog)(nil)
