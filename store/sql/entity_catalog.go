package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/port-labs/ocean-sub007/core"
)

// EntityCatalog stores entities in the ocean_entities table. With
// StrictRelations set an entity whose relation targets are missing is left
// unapplied, mirroring a catalog that enforces referential integrity.
type EntityCatalog struct {
	StrictRelations bool
	Now             func() time.Time

	db   *bun.DB
	repo repository.Repository[*entityRecord]
}

func NewEntityCatalog(db *bun.DB) (*EntityCatalog, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*entityRecord](db, entityHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid entity repository wiring: %w", err)
		}
	}
	return &EntityCatalog{db: db, repo: repo}, nil
}

// Upsert writes entities in order inside one transaction and returns those
// applied. It fails only when nothing could be applied.
func (c *EntityCatalog) Upsert(ctx context.Context, entities []core.Entity, callerTag string) ([]core.Entity, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("sqlstore: entity catalog is not configured")
	}
	now := c.now()
	applied := make([]core.Entity, 0, len(entities))
	rejected := []string{}

	err := c.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, entity := range entities {
			key := entity.Key()
			if !key.Valid() {
				rejected = append(rejected, key.String())
				continue
			}
			if c.StrictRelations {
				resolved, err := relationsResolvedTx(ctx, tx, entity)
				if err != nil {
					return err
				}
				if !resolved {
					rejected = append(rejected, key.String())
					continue
				}
			}
			record := newEntityRecord(entity, callerTag, now)
			_, err := tx.NewInsert().
				Model(record).
				On("CONFLICT (id) DO UPDATE").
				Set("title = EXCLUDED.title").
				Set("properties = EXCLUDED.properties").
				Set("relations = EXCLUDED.relations").
				Set("caller_tag = EXCLUDED.caller_tag").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("sqlstore: upsert entity %s: %w", key, err)
			}
			applied = append(applied, entity.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(applied) == 0 && len(rejected) > 0 {
		return applied, fmt.Errorf("sqlstore: upsert rejected [%s]", strings.Join(rejected, ", "))
	}
	return applied, nil
}

// Delete removes entities in the given order.
func (c *EntityCatalog) Delete(ctx context.Context, entities []core.Entity, _ string) error {
	if c == nil || c.db == nil {
		return fmt.Errorf("sqlstore: entity catalog is not configured")
	}
	return c.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, entity := range entities {
			if _, err := tx.NewDelete().
				Model((*entityRecord)(nil)).
				Where("id = ?", EntityRecordID(entity.Key())).
				Exec(ctx); err != nil {
				return fmt.Errorf("sqlstore: delete entity %s: %w", entity.Key(), err)
			}
		}
		return nil
	})
}

func (c *EntityCatalog) SearchEntities(ctx context.Context, query core.EntityQuery) ([]core.Entity, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("sqlstore: entity catalog is not configured")
	}
	records := []*entityRecord{}
	selectQuery := c.db.NewSelect().Model(&records)
	if blueprint := strings.TrimSpace(query.Blueprint); blueprint != "" {
		selectQuery = selectQuery.Where("?TableAlias.blueprint = ?", blueprint)
	}
	if identifiers := trimmedNonEmpty(query.Identifiers); len(identifiers) > 0 {
		selectQuery = selectQuery.Where("?TableAlias.identifier IN (?)", bun.In(identifiers))
	}
	if err := selectQuery.
		OrderExpr("?TableAlias.blueprint ASC, ?TableAlias.identifier ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.Entity, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// Get loads one entity through the repository.
func (c *EntityCatalog) Get(ctx context.Context, key core.EntityKey) (core.Entity, bool, error) {
	if c == nil || c.repo == nil {
		return core.Entity{}, false, fmt.Errorf("sqlstore: entity catalog is not configured")
	}
	records, _, err := c.repo.List(ctx,
		repository.SelectBy("id", "=", EntityRecordID(key)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Entity{}, false, err
	}
	if len(records) == 0 {
		return core.Entity{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (c *EntityCatalog) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func relationsResolvedTx(ctx context.Context, tx bun.Tx, entity core.Entity) (bool, error) {
	targets := []string{}
	for _, target := range entity.RelatedIdentifiers() {
		if target != entity.Identifier {
			targets = append(targets, target)
		}
	}
	if len(targets) == 0 {
		return true, nil
	}
	found := []string{}
	if err := tx.NewSelect().
		Model((*entityRecord)(nil)).
		ColumnExpr("DISTINCT ?TableAlias.identifier").
		Where("?TableAlias.identifier IN (?)", bun.In(targets)).
		Scan(ctx, &found); err != nil {
		return false, err
	}
	return len(found) == len(uniqueStrings(targets)), nil
}

func trimmedNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

var _ core.Catalog = (*EntityCatalog)(nil)
