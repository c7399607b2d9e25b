// Package reconcile turns the joined handler outcomes of one event into
// catalog upserts and deletes, ordered by relation dependencies.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/depsort"
	"github.com/port-labs/ocean-sub007/execution"
)

// Summary counts what one reconciliation did.
type Summary struct {
	Upserted    int
	Failed      int
	Deleted     int
	Filtered    int
	ParseErrors int
	FailedPairs int
	// Kept lists the keys of every entity the batch meant to keep.
	Kept []core.EntityKey
}

// Add accumulates other into s.
func (s *Summary) Add(other Summary) {
	s.Upserted += other.Upserted
	s.Failed += other.Failed
	s.Deleted += other.Deleted
	s.Filtered += other.Filtered
	s.ParseErrors += other.ParseErrors
	s.FailedPairs += other.FailedPairs
	s.Kept = append(s.Kept, other.Kept...)
}

type Engine struct {
	catalog  core.Catalog
	parser   core.EntityParser
	config   core.ReconcileConfig
	observer *core.Observer
}

func NewEngine(catalog core.Catalog, parser core.EntityParser, cfg core.ReconcileConfig, observer *core.Observer) *Engine {
	return &Engine{catalog: catalog, parser: parser, config: cfg, observer: observer}
}

type plan struct {
	upserts    []core.Entity
	kept       map[core.EntityKey]int
	candidates []core.Entity
	seen       map[core.EntityKey]struct{}
}

func newPlan() *plan {
	return &plan{kept: map[core.EntityKey]int{}, seen: map[core.EntityKey]struct{}{}}
}

// keep adds entity to the upserts and the kept-set; a later result for the
// same key replaces the earlier one.
func (p *plan) keep(entity core.Entity) {
	key := entity.Key()
	if position, exists := p.kept[key]; exists {
		p.upserts[position] = entity
		return
	}
	p.kept[key] = len(p.upserts)
	p.upserts = append(p.upserts, entity)
}

func (p *plan) deleteCandidate(entity core.Entity) {
	key := entity.Key()
	if _, exists := p.seen[key]; exists {
		return
	}
	p.seen[key] = struct{}{}
	p.candidates = append(p.candidates, entity)
}

// deletions returns the candidates no handler kept.
func (p *plan) deletions() []core.Entity {
	out := make([]core.Entity, 0, len(p.candidates))
	for _, entity := range p.candidates {
		if _, kept := p.kept[entity.Key()]; kept {
			continue
		}
		out = append(out, entity)
	}
	return out
}

// Reconcile applies the outcomes of one event. All catalog reads and the
// dependency ordering happen before the first mutation, so a cyclic batch
// fails without touching the catalog.
func (e *Engine) Reconcile(ctx context.Context, outcomes []core.HandlerOutcome) (summary Summary, err error) {
	if e == nil || e.catalog == nil || e.parser == nil {
		return Summary{}, core.NewConfigurationError("reconcile: catalog and parser are required", nil)
	}
	startedAt := time.Now()
	defer func() {
		e.observer.ObserveOperation(ctx, startedAt, "reconcile", err, map[string]any{
			"upserted":     summary.Upserted,
			"failed":       summary.Failed,
			"deleted":      summary.Deleted,
			"filtered":     summary.Filtered,
			"failed_pairs": summary.FailedPairs,
		})
	}()
	ec := execution.Current(ctx)

	work := newPlan()
	for _, outcome := range outcomes {
		if outcome.Failed() {
			summary.FailedPairs++
			continue
		}
		for _, item := range outcome.Result.UpdatedRawItems {
			parsed, parseErr := e.parser.Parse(ctx, item, outcome.Mapping)
			if parseErr != nil {
				summary.ParseErrors++
				e.observer.Warn(ctx, "reconcile: parse updated item failed", map[string]any{
					"handler": outcome.Handler, "kind": outcome.Mapping.Kind, "error": parseErr.Error(),
				})
				continue
			}
			key := parsed.Entity.Key()
			if parsed.Matched && key.Valid() {
				work.keep(parsed.Entity)
				continue
			}
			summary.Filtered++
			if !key.Valid() {
				continue
			}
			exists, existsErr := e.exists(ctx, ec, key)
			if existsErr != nil {
				e.observer.Warn(ctx, "reconcile: existence check failed", map[string]any{
					"entity": key.String(), "error": existsErr.Error(),
				})
				continue
			}
			if exists {
				work.deleteCandidate(parsed.Entity)
			}
		}
		for _, item := range outcome.Result.DeletedRawItems {
			parsed, parseErr := e.parser.Parse(ctx, item, outcome.Mapping)
			if parseErr != nil {
				summary.ParseErrors++
				continue
			}
			if parsed.Entity.Key().Valid() {
				work.deleteCandidate(parsed.Entity)
			}
		}
	}

	upserts := work.upserts
	deletes := work.deletions()
	for _, entity := range upserts {
		summary.Kept = append(summary.Kept, entity.Key())
	}
	if !e.config.CreateMissingRelatedEntities {
		if upserts, err = depsort.Order(upserts); err != nil {
			return summary, err
		}
		if deletes, err = depsort.ReverseOrder(deletes); err != nil {
			return summary, err
		}
	}
	if ec.Aborted() {
		return summary, core.NewCancelledError("reconcile", errors.New("execution context aborted"))
	}

	var errs []error
	if len(upserts) > 0 {
		applied, upsertErr := e.catalog.Upsert(ctx, upserts, e.config.CallerTag)
		if upsertErr != nil {
			errs = append(errs, upsertErr)
		}
		failed := notApplied(upserts, applied)
		summary.Upserted = len(upserts) - len(failed)
		summary.Failed = len(failed)
		if len(failed) > 0 {
			ec.Sorter().Register(failed...)
		}
		for _, entity := range applied {
			e.remember(ec, entity.Key(), true)
		}
	}
	if len(deletes) > 0 {
		if deleteErr := e.catalog.Delete(ctx, deletes, e.config.CallerTag); deleteErr != nil {
			errs = append(errs, deleteErr)
		} else {
			summary.Deleted = len(deletes)
			for _, entity := range deletes {
				e.remember(ec, entity.Key(), false)
			}
		}
	}
	return summary, errors.Join(errs...)
}

// Apply reconciles outcomes and discards the summary.
func (e *Engine) Apply(ctx context.Context, outcomes []core.HandlerOutcome) error {
	_, err := e.Reconcile(ctx, outcomes)
	return err
}

func (e *Engine) exists(ctx context.Context, ec *execution.Context, key core.EntityKey) (bool, error) {
	return execution.Cache(ctx, ec, existsCacheKey(key), func(ctx context.Context) (bool, error) {
		found, err := e.catalog.SearchEntities(ctx, core.EntityQuery{
			Blueprint:   key.Blueprint,
			Identifiers: []string{key.Identifier},
		})
		if err != nil {
			return false, err
		}
		for _, entity := range found {
			if entity.Key() == key {
				return true, nil
			}
		}
		return false, nil
	})
}

func (e *Engine) remember(ec *execution.Context, key core.EntityKey, exists bool) {
	if ec == nil {
		return
	}
	ec.Set(existsCacheKey(key), exists)
}

func existsCacheKey(key core.EntityKey) string {
	return "catalog.exists::" + key.Blueprint + "::" + key.Identifier
}

func notApplied(requested []core.Entity, applied []core.Entity) []core.Entity {
	done := make(map[core.EntityKey]struct{}, len(applied))
	for _, entity := range applied {
		done[entity.Key()] = struct{}{}
	}
	out := []core.Entity{}
	for _, entity := range requested {
		if _, ok := done[entity.Key()]; !ok {
			out = append(out, entity)
		}
	}
	return out
}
