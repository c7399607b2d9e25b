// Package ocean composes the webhook runtime: handler registry, per-path
// workers, reconciliation engine, inbound dispatcher, resync orchestrator and
// the HTTP surface.
package ocean

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	job "github.com/goliatone/go-job"

	"github.com/port-labs/ocean-sub007/adapters/gologger"
	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/execution"
	"github.com/port-labs/ocean-sub007/inbound"
	"github.com/port-labs/ocean-sub007/mapping"
	"github.com/port-labs/ocean-sub007/reconcile"
	"github.com/port-labs/ocean-sub007/server"
	"github.com/port-labs/ocean-sub007/store/memory"
	oceansync "github.com/port-labs/ocean-sub007/sync"
	"github.com/port-labs/ocean-sub007/webhooks"
)

type Config = core.Config

func DefaultConfig() Config {
	return core.DefaultConfig()
}

type settings struct {
	core           []core.Option
	claimStore     inbound.ClaimStore
	verifier       inbound.Verifier
	enqueuer       inbound.Enqueuer
	hooks          []webhooks.WorkerHook
	extensions     *ExtensionHooks
	sources        map[string]oceansync.SourceFunc
	metricsHandler http.Handler
	middleware     []gin.HandlerFunc
}

type Option func(*settings)

func WithLogger(logger core.Logger) Option {
	return withCore(core.WithLogger(logger))
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return withCore(core.WithLoggerProvider(provider))
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return withCore(core.WithMetricsRecorder(recorder))
}

func WithConfigProvider(provider core.ConfigProvider) Option {
	return withCore(core.WithConfigProvider(provider))
}

func WithCatalog(catalog core.Catalog) Option {
	return withCore(core.WithCatalog(catalog))
}

func WithParser(parser core.EntityParser) Option {
	return withCore(core.WithParser(parser))
}

func WithMappingSource(source core.MappingSource) Option {
	return withCore(core.WithMappingSource(source))
}

// WithClaimStore enables delivery deduplication on the inbound dispatcher.
func WithClaimStore(store inbound.ClaimStore) Option {
	return func(s *settings) {
		s.claimStore = store
	}
}

func WithVerifier(verifier inbound.Verifier) Option {
	return func(s *settings) {
		s.verifier = verifier
	}
}

// WithEnqueuer routes accepted events to enqueuer instead of the in-process
// path queues.
func WithEnqueuer(enqueuer inbound.Enqueuer) Option {
	return func(s *settings) {
		s.enqueuer = enqueuer
	}
}

func WithWorkerHooks(hooks ...webhooks.WorkerHook) Option {
	return func(s *settings) {
		s.hooks = append(s.hooks, hooks...)
	}
}

func WithExtensionHooks(hooks *ExtensionHooks) Option {
	return func(s *settings) {
		s.extensions = hooks
	}
}

func WithSource(kind string, source oceansync.SourceFunc) Option {
	return func(s *settings) {
		if s.sources == nil {
			s.sources = map[string]oceansync.SourceFunc{}
		}
		s.sources[strings.TrimSpace(kind)] = source
	}
}

// WithMetricsHandler serves handler on GET /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(s *settings) {
		s.metricsHandler = handler
	}
}

func WithMiddleware(middleware ...gin.HandlerFunc) Option {
	return func(s *settings) {
		s.middleware = append(s.middleware, middleware...)
	}
}

func withCore(opt core.Option) Option {
	return func(s *settings) {
		s.core = append(s.core, opt)
	}
}

type Runtime struct {
	deps         core.Dependencies
	observer     *core.Observer
	registry     *webhooks.Registry
	manager      *webhooks.Manager
	engine       *reconcile.Engine
	inbound      *inbound.Dispatcher
	orchestrator *oceansync.Orchestrator
	serverOpts   server.Options

	mu      sync.Mutex
	sources map[string]oceansync.SourceFunc
	server  *server.Server
}

// New resolves the dependencies and builds every runtime component. Handlers
// are registered between New and Start.
func New(cfg Config, opts ...Option) (*Runtime, error) {
	s := settings{}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	deps, err := core.ResolveDependencies(cfg, s.core...)
	if err != nil {
		return nil, err
	}
	if deps.Catalog == nil {
		deps.Catalog = memory.NewCatalog()
	}
	if deps.Parser == nil {
		deps.Parser = mapping.NewExprParser()
	}
	if deps.Mappings == nil {
		deps.Mappings = core.StaticMappings(nil)
	}
	config := deps.Config

	registry := webhooks.NewRegistry()
	dispatcher := webhooks.NewDispatcher(registry, deps.Mappings)
	engine := reconcile.NewEngine(deps.Catalog, deps.Parser, config.Reconcile, deps.Observer("ocean.reconcile"))
	webhookObserver := deps.Observer("ocean.webhooks")
	manager := webhooks.NewManager(registry, dispatcher, webhooks.ManagerOptions{
		Executor:        webhooks.NewExecutor(config.Webhooks, webhookObserver, s.hooks...),
		Reconciler:      webhooks.ReconcilerFunc(engine.Apply),
		Observer:        webhookObserver,
		ShutdownMaxWait: config.Webhooks.ShutdownMaxWait(),
	})

	var enqueuer inbound.Enqueuer = manager
	if s.enqueuer != nil {
		enqueuer = matchedEnqueuer{dispatcher: dispatcher, next: s.enqueuer}
	}
	inboundDispatcher := inbound.NewDispatcher(enqueuer, s.verifier, s.claimStore)
	inboundDispatcher.Observer = deps.Observer("ocean.inbound")

	orchestrator := oceansync.NewOrchestrator(engine, deps.Catalog, deps.Mappings, deps.Observer("ocean.sync"))

	r := &Runtime{
		deps:         deps,
		observer:     deps.Observer("ocean"),
		registry:     registry,
		manager:      manager,
		engine:       engine,
		inbound:      inboundDispatcher,
		orchestrator: orchestrator,
		sources:      map[string]oceansync.SourceFunc{},
		serverOpts: server.Options{
			PathPrefix:     config.Server.PathPrefix,
			Observer:       deps.Observer("ocean.server"),
			Middleware:     s.middleware,
			MetricsHandler: s.metricsHandler,
		},
	}

	if s.extensions != nil {
		if err := s.extensions.ApplyHandlerPacks(manager); err != nil {
			return nil, err
		}
		packSources, err := s.extensions.Sources()
		if err != nil {
			return nil, core.NewConfigurationError(err.Error(), nil)
		}
		for kind, source := range packSources {
			r.sources[kind] = source
		}
	}
	for kind, source := range s.sources {
		if err := r.RegisterSource(kind, source); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Runtime) Config() Config { return r.deps.Config }

func (r *Runtime) Catalog() core.Catalog { return r.deps.Catalog }

func (r *Runtime) Observer() *core.Observer { return r.observer }

func (r *Runtime) Registry() *webhooks.Registry { return r.registry }

// JobLoggerProvider exposes the resolved loggers to go-job workers.
func (r *Runtime) JobLoggerProvider() job.LoggerProvider {
	_, _, provider, _ := gologger.ResolveForJob("ocean", r.deps.LoggerProvider, r.deps.Logger)
	return provider
}

// Register adds a handler factory for path. It fails with a configuration
// error once the runtime started.
func (r *Runtime) Register(path string, factory core.HandlerFactory) error {
	return r.manager.Register(path, factory)
}

// RegisterSource sets the resync source of a mapping kind.
func (r *Runtime) RegisterSource(kind string, source oceansync.SourceFunc) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return core.NewConfigurationError("ocean: source kind is required", nil)
	}
	if source == nil {
		return core.NewConfigurationError("ocean: source is required", map[string]any{"kind": kind})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[kind] = source
	return nil
}

// Start seals the handler registry, starts one worker per path and builds
// the HTTP surface over the registered paths.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.server != nil {
		return nil
	}
	if err := r.manager.Start(ctx); err != nil {
		return err
	}
	srv, err := server.New(r.inbound, r.registry.Paths(), r.serverOpts)
	if err != nil {
		return err
	}
	r.server = srv
	r.observer.Info(ctx, "ocean runtime started", map[string]any{
		"service": r.deps.Config.ServiceName,
		"routes":  srv.Routes(),
	})
	return nil
}

// Handler returns the HTTP surface; it is nil until Start.
func (r *Runtime) Handler() http.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.server == nil {
		return nil
	}
	return r.server.Handler()
}

// Serve starts the runtime, serves HTTP on the configured address until ctx
// is done, then drains the workers.
func (r *Runtime) Serve(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	srv := r.server
	r.mu.Unlock()

	serveErr := srv.ListenAndServe(ctx, r.deps.Config.Server.Address)
	shutdownErr := r.Shutdown(context.WithoutCancel(ctx))
	return errors.Join(serveErr, shutdownErr)
}

// Dispatch hands an inbound request to the dispatcher. A nil error means the
// event was accepted, not processed.
func (r *Runtime) Dispatch(ctx context.Context, req core.InboundRequest) (core.InboundResult, error) {
	return r.inbound.Dispatch(ctx, req)
}

// Resync runs a full resync over the registered sources. An empty kinds list
// selects every source.
func (r *Runtime) Resync(ctx context.Context, kinds []string) (oceansync.Result, error) {
	sources, err := r.selectSources(kinds)
	if err != nil {
		return oceansync.Result{}, err
	}
	return r.orchestrator.Run(ctx, sources)
}

func (r *Runtime) Shutdown(ctx context.Context) error {
	return r.manager.Shutdown(ctx)
}

func (r *Runtime) selectSources(kinds []string) (map[string]oceansync.SourceFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(kinds) == 0 {
		out := make(map[string]oceansync.SourceFunc, len(r.sources))
		for kind, source := range r.sources {
			out[kind] = source
		}
		return out, nil
	}
	out := make(map[string]oceansync.SourceFunc, len(kinds))
	missing := []string{}
	for _, kind := range kinds {
		kind = strings.TrimSpace(kind)
		source, ok := r.sources[kind]
		if !ok {
			missing = append(missing, kind)
			continue
		}
		out[kind] = source
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, core.NewBadInputError(
			fmt.Sprintf("ocean: no source registered for kinds [%s]", strings.Join(missing, ", ")),
			map[string]any{"kinds": missing},
		)
	}
	return out, nil
}

// matchedEnqueuer rejects events no handler claims before forwarding them to
// a custom enqueuer.
type matchedEnqueuer struct {
	dispatcher *webhooks.Dispatcher
	next       inbound.Enqueuer
}

func (m matchedEnqueuer) Enqueue(ctx context.Context, ec *execution.Context, event core.InboundEvent) error {
	if _, err := m.dispatcher.Match(ctx, event); err != nil {
		return err
	}
	return m.next.Enqueue(ctx, ec, event)
}
