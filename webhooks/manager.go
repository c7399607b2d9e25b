package webhooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/execution"
)

// forceCancelGrace bounds the wait for workers after force-cancel.
const forceCancelGrace = 2 * time.Second

// Manager owns the workers of every registered path.
type Manager struct {
	registry   *Registry
	dispatcher *Dispatcher
	executor   *Executor
	reconciler Reconciler
	observer   *core.Observer
	maxWait    time.Duration

	mu       sync.Mutex
	started  bool
	stopping bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type ManagerOptions struct {
	Executor        *Executor
	Reconciler      Reconciler
	Observer        *core.Observer
	ShutdownMaxWait time.Duration
}

func NewManager(registry *Registry, dispatcher *Dispatcher, opts ManagerOptions) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher(registry, nil)
	}
	executor := opts.Executor
	if executor == nil {
		executor = &Executor{Observer: opts.Observer, DefaultMaxRetries: defaultMaxRetries}
	}
	return &Manager{
		registry:   registry,
		dispatcher: dispatcher,
		executor:   executor,
		reconciler: opts.Reconciler,
		observer:   opts.Observer,
		maxWait:    opts.ShutdownMaxWait,
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) Dispatcher() *Dispatcher { return m.dispatcher }

// Register forwards to the registry; it fails once the manager started.
func (m *Manager) Register(path string, factory core.HandlerFactory) error {
	return m.registry.Register(path, factory)
}

// Start seals the registry and starts one worker per registered path.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.registry.Seal()
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.started = true

	for _, path := range m.registry.Paths() {
		queue, _ := m.registry.Queue(path)
		worker := NewWorker(queue, m.dispatcher, m.executor, m.reconciler, m.observer)
		m.wg.Add(1)
		go func(path string) {
			defer m.wg.Done()
			if err := worker.Run(workerCtx); err != nil {
				m.observer.Debug(workerCtx, "webhook worker exited", map[string]any{"path": path, "error": err.Error()})
			}
		}(path)
	}
	m.observer.Info(ctx, "webhook workers started", map[string]any{"paths": m.registry.Paths()})
	return nil
}

// Enqueue rejects events no handler claims before they reach the queue, then
// queues the event with a deep copy of ec.
func (m *Manager) Enqueue(ctx context.Context, ec *execution.Context, event core.InboundEvent) error {
	m.mu.Lock()
	accepting := m.started && !m.stopping
	m.mu.Unlock()
	if !accepting {
		return core.NewInternalError("webhooks: manager is not accepting events", map[string]any{"path": event.Path})
	}

	path, err := core.NormalizePath(event.Path)
	if err != nil {
		return core.NewBadInputError(err.Error(), map[string]any{"path": event.Path})
	}
	event.Path = path
	queue, ok := m.registry.Queue(path)
	if !ok {
		return core.NewEventNotSupportedError(path, event.TraceID)
	}
	if _, err := m.dispatcher.Match(ctx, event); err != nil {
		return err
	}
	if ec == nil {
		ec = execution.New(execution.KindWebhook, execution.WithTrigger("webhook"))
	}
	if err := queue.Enqueue(Task{Context: ec.Clone(), Event: event.Clone()}); err != nil {
		return core.NewInternalError(fmt.Sprintf("webhooks: enqueue on %q: %v", path, err), map[string]any{"path": path})
	}
	m.observer.Count(ctx, "ocean.webhook_enqueue.total", 1, map[string]string{"path": path})
	return nil
}

// Shutdown stops accepting events, waits up to the max wait for queued and
// in-flight work to drain, then cancels whatever is still running.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	cancel := m.cancel
	m.mu.Unlock()

	for _, path := range m.registry.Paths() {
		if queue, ok := m.registry.Queue(path); ok {
			queue.Close()
		}
	}

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(max(m.maxWait, 0))
	defer timer.Stop()

	select {
	case <-drained:
		cancel()
		m.observer.Info(ctx, "webhook workers drained", nil)
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	cancel()
	grace := time.NewTimer(forceCancelGrace)
	defer grace.Stop()
	select {
	case <-drained:
		m.observer.Warn(ctx, "webhook workers force-cancelled after max wait", map[string]any{
			"max_wait_ms": m.maxWait.Milliseconds(),
		})
		return nil
	case <-grace.C:
	}
	m.observer.Error(ctx, "webhook workers did not stop after force-cancel", map[string]any{
		"max_wait_ms": m.maxWait.Milliseconds(),
		"grace_ms":    forceCancelGrace.Milliseconds(),
	})
	return core.NewTimeoutError("webhook shutdown", m.maxWait+forceCancelGrace)
}
