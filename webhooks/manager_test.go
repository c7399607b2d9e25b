package webhooks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/execution"
)

func newTestManager(t *testing.T, reconciler Reconciler, executor *Executor, maxWait time.Duration) *Manager {
	t.Helper()
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, testMappings("repository"))
	return NewManager(registry, dispatcher, ManagerOptions{
		Executor:        executor,
		Reconciler:      reconciler,
		ShutdownMaxWait: maxWait,
	})
}

func waitOutcomes(t *testing.T, reconciler *captureReconciler) []core.HandlerOutcome {
	t.Helper()
	select {
	case outcomes := <-reconciler.received:
		return outcomes
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reconciliation")
	}
	return nil
}

func TestManagerRejectsUnclaimedEventsBeforeQueueing(t *testing.T) {
	reconciler := newCaptureReconciler()
	manager := newTestManager(t, reconciler, &Executor{Timeout: time.Second}, time.Second)
	factory, counters := stubFactory(stubHandler{name: "issues", kinds: []string{"issue"}})
	if err := manager.Register("/hook", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Shutdown(context.Background())

	err := manager.Enqueue(context.Background(), nil, core.InboundEvent{Path: "/hook", TraceID: "t-1"})
	if !core.IsEventNotSupported(err) {
		t.Fatalf("expected event not supported, got %v", err)
	}
	queue, _ := manager.Registry().Queue("/hook")
	if queue.Len() != 0 || counters.handles.Load() != 0 {
		t.Fatalf("expected nothing queued or handled")
	}
	if err := manager.Register("/late", factory); !core.IsConfiguration(err) {
		t.Fatalf("expected registration after start to fail, got %v", err)
	}
}

func TestManagerFansOutAndIsolatesPairFailures(t *testing.T) {
	reconciler := newCaptureReconciler()
	manager := newTestManager(t, reconciler, &Executor{Timeout: 50 * time.Millisecond}, time.Second)
	fast, fastCounters := stubFactory(stubHandler{
		name:  "fast",
		kinds: []string{"repository"},
		handle: func(context.Context, int, core.InboundEvent) (core.HandlerResult, error) {
			return core.HandlerResult{UpdatedRawItems: []core.RawItem{{"id": "repo-one"}}}, nil
		},
	})
	slow, slowCounters := stubFactory(stubHandler{
		name:  "slow",
		kinds: []string{"repository"},
		handle: func(ctx context.Context, _ int, _ core.InboundEvent) (core.HandlerResult, error) {
			<-ctx.Done()
			return core.HandlerResult{}, ctx.Err()
		},
	})
	for _, factory := range []core.HandlerFactory{fast, slow} {
		if err := manager.Register("/hook", factory); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Shutdown(context.Background())

	if err := manager.Enqueue(context.Background(), nil, core.InboundEvent{Path: "/hook", TraceID: "t-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	outcomes := waitOutcomes(t, reconciler)
	if len(outcomes) != 2 {
		t.Fatalf("expected two joined outcomes, got %d", len(outcomes))
	}
	byHandler := map[string]core.HandlerOutcome{}
	for _, outcome := range outcomes {
		byHandler[outcome.Handler] = outcome
	}
	if byHandler["fast"].Err != nil || len(byHandler["fast"].Result.UpdatedRawItems) != 1 {
		t.Fatalf("expected fast pair to succeed, got %+v", byHandler["fast"])
	}
	if !core.IsTimeout(byHandler["slow"].Err) {
		t.Fatalf("expected slow pair timeout, got %v", byHandler["slow"].Err)
	}
	if fastCounters.handles.Load() != 1 || slowCounters.handles.Load() != 1 || slowCounters.cancels.Load() != 1 {
		t.Fatalf("unexpected counters fast=%d slow=%d cancels=%d",
			fastCounters.handles.Load(), slowCounters.handles.Load(), slowCounters.cancels.Load())
	}
}

func TestManagerKeepsPerPathFIFO(t *testing.T) {
	reconciler := newCaptureReconciler()
	manager := newTestManager(t, reconciler, &Executor{Timeout: time.Second}, time.Second)
	var mu sync.Mutex
	seen := []string{}
	factory, _ := stubFactory(stubHandler{
		name:  "ordered",
		kinds: []string{"repository"},
		handle: func(_ context.Context, _ int, event core.InboundEvent) (core.HandlerResult, error) {
			mu.Lock()
			seen = append(seen, event.TraceID)
			mu.Unlock()
			return core.HandlerResult{}, nil
		},
	})
	if err := manager.Register("/hook", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for index := 0; index < 5; index++ {
		event := core.InboundEvent{Path: "/hook", TraceID: fmt.Sprintf("t-%d", index)}
		if err := manager.Enqueue(context.Background(), nil, event); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := manager.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 5 {
		t.Fatalf("expected queued events drained on shutdown, got %v", seen)
	}
	for index, traceID := range seen {
		if traceID != fmt.Sprintf("t-%d", index) {
			t.Fatalf("expected FIFO order, got %v", seen)
		}
	}
}

func TestManagerEnqueueClonesExecutionContext(t *testing.T) {
	reconciler := newCaptureReconciler()
	manager := newTestManager(t, reconciler, &Executor{Timeout: time.Second}, time.Second)
	seen := make(chan any, 1)
	factory, _ := stubFactory(stubHandler{
		name:  "reads-context",
		kinds: []string{"repository"},
		handle: func(ctx context.Context, _ int, _ core.InboundEvent) (core.HandlerResult, error) {
			ec := execution.Current(ctx)
			value, _ := ec.Get("tenant")
			ec.Set("tenant", "mutated")
			seen <- value
			return core.HandlerResult{}, nil
		},
	})
	if err := manager.Register("/hook", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer manager.Shutdown(context.Background())

	ec := execution.New(execution.KindWebhook, execution.WithAttributes(map[string]any{"tenant": "acme"}))
	if err := manager.Enqueue(context.Background(), ec, core.InboundEvent{Path: "/hook"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ec.Set("tenant", "changed-after-enqueue")
	waitOutcomes(t, reconciler)

	if value := <-seen; value != "acme" {
		t.Fatalf("expected worker to observe enqueue-time attributes, got %v", value)
	}
	if value, _ := ec.Get("tenant"); value != "changed-after-enqueue" {
		t.Fatalf("expected worker mutation to stay private, got %v", value)
	}
}

func TestManagerShutdownForceCancelsStragglers(t *testing.T) {
	reconciler := newCaptureReconciler()
	manager := newTestManager(t, reconciler, &Executor{Timeout: 10 * time.Second}, 50*time.Millisecond)
	started := make(chan struct{}, 1)
	factory, counters := stubFactory(stubHandler{
		name:  "stuck",
		kinds: []string{"repository"},
		handle: func(ctx context.Context, _ int, _ core.InboundEvent) (core.HandlerResult, error) {
			started <- struct{}{}
			<-ctx.Done()
			return core.HandlerResult{}, ctx.Err()
		},
	})
	if err := manager.Register("/hook", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := manager.Enqueue(context.Background(), nil, core.InboundEvent{Path: "/hook"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	begin := time.Now()
	if err := manager.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Fatalf("expected shutdown bounded by max wait, took %s", elapsed)
	}
	outcomes := waitOutcomes(t, reconciler)
	if len(outcomes) != 1 || !core.IsCancelled(outcomes[0].Err) {
		t.Fatalf("expected cancelled outcome, got %+v", outcomes)
	}
	if counters.cancels.Load() != 1 {
		t.Fatalf("expected cancel exactly once, got %d", counters.cancels.Load())
	}
	if err := manager.Enqueue(context.Background(), nil, core.InboundEvent{Path: "/hook"}); err == nil {
		t.Fatalf("expected enqueue after shutdown to fail")
	}
}

func TestManagerShutdownCancelsHandlerStuckInAuthenticate(t *testing.T) {
	reconciler := newCaptureReconciler()
	manager := newTestManager(t, reconciler, &Executor{Timeout: 10 * time.Second}, 50*time.Millisecond)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	factory, counters := stubFactory(stubHandler{
		name:  "stuck-auth",
		kinds: []string{"repository"},
		authenticate: func(context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		},
	})
	if err := manager.Register("/hook", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := manager.Enqueue(context.Background(), nil, core.InboundEvent{Path: "/hook"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	shutdown := make(chan error, 1)
	go func() { shutdown <- manager.Shutdown(context.Background()) }()
	select {
	case err := <-shutdown:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown did not return after max wait")
	}
	outcomes := waitOutcomes(t, reconciler)
	if len(outcomes) != 1 || !core.IsCancelled(outcomes[0].Err) {
		t.Fatalf("expected cancelled outcome, got %+v", outcomes)
	}
	if counters.cancels.Load() != 1 || counters.handles.Load() != 0 {
		t.Fatalf("expected one cancel and no handle, got cancels=%d handles=%d", counters.cancels.Load(), counters.handles.Load())
	}
}
