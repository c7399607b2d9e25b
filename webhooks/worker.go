package webhooks

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/execution"
)

// Reconciler consumes the joined outcomes of one event.
type Reconciler interface {
	Reconcile(ctx context.Context, outcomes []core.HandlerOutcome) error
}

type ReconcilerFunc func(ctx context.Context, outcomes []core.HandlerOutcome) error

func (f ReconcilerFunc) Reconcile(ctx context.Context, outcomes []core.HandlerOutcome) error {
	if f == nil {
		return nil
	}
	return f(ctx, outcomes)
}

// Worker is the single consumer of one path queue.
type Worker struct {
	queue      *PathQueue
	dispatcher *Dispatcher
	executor   *Executor
	reconciler Reconciler
	observer   *core.Observer
}

func NewWorker(
	queue *PathQueue,
	dispatcher *Dispatcher,
	executor *Executor,
	reconciler Reconciler,
	observer *core.Observer,
) *Worker {
	return &Worker{
		queue:      queue,
		dispatcher: dispatcher,
		executor:   executor,
		reconciler: reconciler,
		observer:   observer,
	}
}

// Run consumes the queue until it is closed and drained or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return nil
			}
			if remaining := w.queue.Len(); remaining > 0 {
				w.observer.Warn(ctx, "webhook worker stopped with queued events", map[string]any{
					"path":      w.queue.Path(),
					"remaining": remaining,
				})
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			w.observer.Warn(ctx, "webhook worker dropped queued event after cancellation", map[string]any{
				"path":      w.queue.Path(),
				"trace_id":  task.Event.TraceID,
				"remaining": w.queue.Len(),
			})
			return err
		}
		w.Process(ctx, task)
	}
}

// Process handles one dequeued task: match, fan out, join, reconcile.
func (w *Worker) Process(ctx context.Context, task Task) {
	startedAt := time.Now()
	ec := task.Context
	if ec == nil {
		ec = execution.New(execution.KindWebhook, execution.WithTrigger("webhook"))
	}
	defer ec.Release()
	ctx = execution.WithContext(ctx, ec)
	fields := map[string]any{
		"path":       task.Event.Path,
		"trace_id":   task.Event.TraceID,
		"context_id": ec.ID(),
		"queued_ms":  startedAt.Sub(task.EnqueuedAt).Milliseconds(),
	}

	if ec.Aborted() {
		w.observer.Warn(ctx, "webhook event skipped, execution context aborted", fields)
		return
	}

	matches, err := w.dispatcher.Match(ctx, task.Event)
	if err != nil {
		w.observer.ObserveOperation(ctx, startedAt, "webhook_event", err, fields)
		return
	}

	outcomes := make([]core.HandlerOutcome, len(matches))
	var group errgroup.Group
	for index, match := range matches {
		group.Go(func() error {
			outcomes[index] = w.executor.Run(ctx, task.Event, match)
			return nil
		})
	}
	_ = group.Wait()

	failed := 0
	for _, outcome := range outcomes {
		if outcome.Failed() {
			failed++
		}
	}
	fields["pairs"] = len(outcomes)
	fields["failed_pairs"] = failed

	if ec.Aborted() {
		w.observer.Warn(ctx, "webhook event reconciliation skipped, execution context aborted", fields)
		return
	}
	if w.reconciler != nil {
		err = w.reconciler.Reconcile(ctx, outcomes)
	}
	w.observer.ObserveOperation(ctx, startedAt, "webhook_event", err, fields)
}
