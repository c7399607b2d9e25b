// Package sync runs full resyncs: every mapping kind is fetched from its
// source, reconciled in batches under one root resync execution context,
// then pending entities are flushed and stale entities removed.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/depsort"
	"github.com/port-labs/ocean-sub007/execution"
	"github.com/port-labs/ocean-sub007/reconcile"
)

const defaultBatchSize = 100

// SourceFunc returns the raw items of one mapping kind.
type SourceFunc func(ctx context.Context, mapping core.ResourceMapping) ([]core.RawItem, error)

type Reconciler interface {
	Reconcile(ctx context.Context, outcomes []core.HandlerOutcome) (reconcile.Summary, error)
}

// Result describes one resync run.
type Result struct {
	RunID    string
	Summary  reconcile.Summary
	Flushed  int
	Stale    int
	Aborted  bool
	Skipped  []string
	Duration time.Duration
}

type Orchestrator struct {
	Reconciler Reconciler
	Catalog    core.Catalog
	Mappings   core.MappingSource
	Tracker    *execution.Tracker
	BatchSize  int
	CallerTag  string
	Observer   *core.Observer
	Now        func() time.Time
}

func NewOrchestrator(
	reconciler Reconciler,
	catalog core.Catalog,
	mappings core.MappingSource,
	observer *core.Observer,
) *Orchestrator {
	return &Orchestrator{
		Reconciler: reconciler,
		Catalog:    catalog,
		Mappings:   mappings,
		Tracker:    execution.NewTracker(execution.KindResync),
		BatchSize:  defaultBatchSize,
		CallerTag:  "ocean-resync",
		Observer:   observer,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Run starts a resync. A run still in progress is aborted first; a run that
// gets aborted itself stops between batches and returns a CancelledError
// without flushing or deleting anything.
func (o *Orchestrator) Run(ctx context.Context, sources map[string]SourceFunc) (result Result, err error) {
	if o == nil || o.Reconciler == nil || o.Catalog == nil || o.Mappings == nil {
		return Result{}, core.NewConfigurationError("sync: reconciler, catalog and mappings are required", nil)
	}
	ec := execution.New(
		execution.KindResync,
		execution.WithTrigger("resync"),
		execution.WithLogger(o.Observer.Logger()),
	)
	result.RunID = ec.ID()
	startedAt := o.now()
	defer func() {
		result.Duration = o.now().Sub(startedAt)
		o.Observer.ObserveOperation(ctx, startedAt, "resync", err, map[string]any{
			"run_id":   result.RunID,
			"upserted": result.Summary.Upserted,
			"flushed":  result.Flushed,
			"stale":    result.Stale,
			"aborted":  result.Aborted,
		})
	}()

	if previous := o.tracker().Begin(ctx, ec); previous != nil {
		o.Observer.Info(ctx, "resync superseded previous run", map[string]any{
			"run_id":      ec.ID(),
			"previous_id": previous.ID(),
		})
	}
	defer o.tracker().End(ec)
	defer ec.Release()
	runCtx := execution.WithContext(ctx, ec)

	mappings, err := o.Mappings.Mappings(runCtx)
	if err != nil {
		return result, fmt.Errorf("sync: load mappings: %w", err)
	}

	var errs []error
	for _, mapping := range mappings {
		source := sources[mapping.Kind]
		if source == nil {
			result.Skipped = append(result.Skipped, mapping.Kind)
			continue
		}
		summary, kindErr := o.syncKind(runCtx, ec, mapping, source)
		result.Summary.Add(summary)
		if kindErr != nil {
			errs = append(errs, fmt.Errorf("sync: kind %q: %w", mapping.Kind, kindErr))
		}
		if ec.Aborted() {
			break
		}
	}

	if ec.Aborted() {
		result.Aborted = true
		return result, core.NewCancelledError("resync", errors.New("resync superseded"))
	}

	flushed, flushErr := o.flushPending(runCtx, ec)
	result.Flushed = flushed
	if flushErr != nil {
		errs = append(errs, flushErr)
	}

	if len(errs) == 0 {
		stale, staleErr := o.deleteStale(runCtx, result.Summary.Kept)
		result.Stale = stale
		if staleErr != nil {
			errs = append(errs, staleErr)
		}
	} else {
		o.Observer.Warn(ctx, "resync skipped stale deletion after errors", map[string]any{"run_id": result.RunID})
	}
	return result, errors.Join(errs...)
}

func (o *Orchestrator) syncKind(
	ctx context.Context,
	ec *execution.Context,
	mapping core.ResourceMapping,
	source SourceFunc,
) (reconcile.Summary, error) {
	kindCtx := ec.Child("", execution.WithMapping(mapping))
	defer kindCtx.Release()
	ctx = execution.WithContext(ctx, kindCtx)

	items, err := source(ctx, mapping)
	if err != nil {
		return reconcile.Summary{}, err
	}
	var total reconcile.Summary
	var errs []error
	size := o.batchSize()
	for start := 0; start < len(items); start += size {
		if kindCtx.Aborted() {
			break
		}
		end := min(start+size, len(items))
		summary, batchErr := o.Reconciler.Reconcile(ctx, []core.HandlerOutcome{{
			Mapping:  mapping,
			Handler:  "resync",
			Result:   core.HandlerResult{UpdatedRawItems: items[start:end]},
			Attempts: 1,
		}})
		total.Add(summary)
		if batchErr != nil && !core.IsCancelled(batchErr) {
			errs = append(errs, batchErr)
		}
	}
	return total, errors.Join(errs...)
}

// flushPending retries the entities left unapplied by earlier batches in
// dependency order.
func (o *Orchestrator) flushPending(ctx context.Context, ec *execution.Context) (int, error) {
	pending, err := ec.Sorter().Drain()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	applied, err := o.Catalog.Upsert(ctx, pending, o.CallerTag)
	if err != nil {
		return len(applied), fmt.Errorf("sync: flush pending entities: %w", err)
	}
	return len(applied), nil
}

// deleteStale removes entities of the synced blueprints that the run did not
// produce.
func (o *Orchestrator) deleteStale(ctx context.Context, kept []core.EntityKey) (int, error) {
	produced := make(map[core.EntityKey]struct{}, len(kept))
	blueprints := []string{}
	seen := map[string]struct{}{}
	for _, key := range kept {
		produced[key] = struct{}{}
		if _, ok := seen[key.Blueprint]; !ok {
			seen[key.Blueprint] = struct{}{}
			blueprints = append(blueprints, key.Blueprint)
		}
	}

	stale := []core.Entity{}
	for _, blueprint := range blueprints {
		existing, err := o.Catalog.SearchEntities(ctx, core.EntityQuery{Blueprint: blueprint})
		if err != nil {
			return 0, fmt.Errorf("sync: search blueprint %q: %w", strings.TrimSpace(blueprint), err)
		}
		for _, entity := range existing {
			if _, ok := produced[entity.Key()]; !ok {
				stale = append(stale, entity)
			}
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	ordered, err := depsort.ReverseOrder(stale)
	if err != nil {
		return 0, err
	}
	if err := o.Catalog.Delete(ctx, ordered, o.CallerTag); err != nil {
		return 0, fmt.Errorf("sync: delete stale entities: %w", err)
	}
	return len(ordered), nil
}

func (o *Orchestrator) tracker() *execution.Tracker {
	if o.Tracker == nil {
		o.Tracker = execution.NewTracker(execution.KindResync)
	}
	return o.Tracker
}

func (o *Orchestrator) batchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return defaultBatchSize
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}
