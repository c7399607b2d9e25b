package webhooks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/port-labs/ocean-sub007/core"
)

type handlerCounters struct {
	instances atomic.Int32
	handles   atomic.Int32
	onErrors  atomic.Int32
	cancels   atomic.Int32
}

type stubHandler struct {
	name         string
	kinds        []string
	skip         bool
	maxRetries   int
	authErr      error
	authenticate func(ctx context.Context) error
	event        core.InboundEvent
	counters     *handlerCounters
	handle       func(ctx context.Context, attempt int, event core.InboundEvent) (core.HandlerResult, error)
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Authenticate(ctx context.Context, _ core.InboundEvent) error {
	if h.authenticate != nil {
		return h.authenticate(ctx)
	}
	return h.authErr
}

func (h *stubHandler) ValidatePayload(context.Context, core.InboundEvent) error { return nil }

func (h *stubHandler) ShouldProcessEvent(core.InboundEvent) bool { return !h.skip }

func (h *stubHandler) MatchingKinds(core.InboundEvent) []string {
	return append([]string(nil), h.kinds...)
}

func (h *stubHandler) Handle(ctx context.Context, event core.InboundEvent, _ core.ResourceMapping) (core.HandlerResult, error) {
	attempt := int(h.counters.handles.Add(1))
	if h.handle == nil {
		return core.HandlerResult{}, nil
	}
	return h.handle(ctx, attempt, event)
}

func (h *stubHandler) Cancel(context.Context) { h.counters.cancels.Add(1) }

func (h *stubHandler) OnError(context.Context, error) { h.counters.onErrors.Add(1) }

func (h *stubHandler) MaxRetries() int { return h.maxRetries }

// stubFactory returns a factory building copies of template that share its
// counters.
func stubFactory(template stubHandler) (core.HandlerFactory, *handlerCounters) {
	counters := &handlerCounters{}
	return func(event core.InboundEvent) core.Handler {
		counters.instances.Add(1)
		handler := template
		handler.counters = counters
		handler.event = event
		return &handler
	}, counters
}

type captureReconciler struct {
	mu       sync.Mutex
	batches  [][]core.HandlerOutcome
	received chan []core.HandlerOutcome
}

func newCaptureReconciler() *captureReconciler {
	return &captureReconciler{received: make(chan []core.HandlerOutcome, 64)}
}

func (r *captureReconciler) Reconcile(_ context.Context, outcomes []core.HandlerOutcome) error {
	r.mu.Lock()
	r.batches = append(r.batches, outcomes)
	r.mu.Unlock()
	r.received <- outcomes
	return nil
}

type captureHook struct {
	mu       sync.Mutex
	starts   int
	success  int
	failures int
	retries  int
}

func (h *captureHook) OnStart(context.Context, WorkerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
}

func (h *captureHook) OnSuccess(context.Context, WorkerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.success++
}

func (h *captureHook) OnFailure(context.Context, WorkerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
}

func (h *captureHook) OnRetry(context.Context, WorkerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries++
}

func testMappings(kinds ...string) core.StaticMappings {
	out := make(core.StaticMappings, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, core.ResourceMapping{
			Kind: kind,
			Entity: core.EntityTemplate{
				Identifier: ".id",
				Blueprint:  `"` + kind + `"`,
			},
		})
	}
	return out
}
