package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type runtimeBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	catalog         Catalog
	parser          EntityParser
	mappings        MappingSource
}

type Option func(*runtimeBuilder)

func WithLogger(logger Logger) Option {
	return func(b *runtimeBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *runtimeBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *runtimeBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *runtimeBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *runtimeBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *runtimeBuilder) {
		b.optionsResolver = resolver
	}
}

func WithCatalog(catalog Catalog) Option {
	return func(b *runtimeBuilder) {
		b.catalog = catalog
	}
}

func WithParser(parser EntityParser) Option {
	return func(b *runtimeBuilder) {
		b.parser = parser
	}
}

func WithMappingSource(source MappingSource) Option {
	return func(b *runtimeBuilder) {
		b.mappings = source
	}
}

// Dependencies is the resolved set of collaborators shared by the runtime
// components.
type Dependencies struct {
	Config          Config
	Logger          Logger
	LoggerProvider  LoggerProvider
	MetricsRecorder MetricsRecorder
	ErrorMapper     ErrorMapper
	Catalog         Catalog
	Parser          EntityParser
	Mappings        MappingSource
}

func (d Dependencies) Observer(name string) *Observer {
	logger := d.Logger
	if d.LoggerProvider != nil {
		if named := d.LoggerProvider.GetLogger(name); named != nil {
			logger = named
		}
	}
	return NewObserver(logger, d.MetricsRecorder)
}

func ResolveDependencies(cfg Config, options ...Option) (Dependencies, error) {
	builder := defaultRuntimeBuilder(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("ocean", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = MapError
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return Dependencies{}, builder.errorMapper(err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return Dependencies{}, builder.errorMapper(err)
	}

	return Dependencies{
		Config:          finalConfig,
		Logger:          logger,
		LoggerProvider:  provider,
		MetricsRecorder: builder.metricsRecorder,
		ErrorMapper:     builder.errorMapper,
		Catalog:         builder.catalog,
		Parser:          builder.parser,
		Mappings:        builder.mappings,
	}, nil
}

func defaultRuntimeBuilder(runtime Config) runtimeBuilder {
	loggerProvider, logger := glog.Resolve("ocean", nil, nil)
	return runtimeBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     MapError,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
	}
}

// StaticRawConfigLoader serves a fixed raw configuration map.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	return CloneAnyMap(l.Values), nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	webhooks := map[string]any{}
	if includeZero || cfg.Webhooks.HandlerTimeoutSeconds != 0 {
		webhooks["handler_timeout_seconds"] = cfg.Webhooks.HandlerTimeoutSeconds
	}
	if includeZero || cfg.Webhooks.DefaultMaxRetries != 0 {
		webhooks["default_max_retries"] = cfg.Webhooks.DefaultMaxRetries
	}
	if includeZero || cfg.Webhooks.ShutdownMaxWaitSeconds != 0 {
		webhooks["shutdown_max_wait_seconds"] = cfg.Webhooks.ShutdownMaxWaitSeconds
	}
	if len(webhooks) > 0 {
		layer["webhooks"] = webhooks
	}

	reconcile := map[string]any{}
	if includeZero || cfg.Reconcile.CreateMissingRelatedEntities {
		reconcile["create_missing_related_entities"] = cfg.Reconcile.CreateMissingRelatedEntities
	}
	if includeZero || strings.TrimSpace(cfg.Reconcile.CallerTag) != "" {
		reconcile["caller_tag"] = cfg.Reconcile.CallerTag
	}
	if len(reconcile) > 0 {
		layer["reconcile"] = reconcile
	}

	server := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Server.Address) != "" {
		server["address"] = cfg.Server.Address
	}
	if includeZero || strings.TrimSpace(cfg.Server.PathPrefix) != "" {
		server["path_prefix"] = cfg.Server.PathPrefix
	}
	if len(server) > 0 {
		layer["server"] = server
	}

	database := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Database.Driver) != "" {
		database["driver"] = cfg.Database.Driver
	}
	if includeZero || strings.TrimSpace(cfg.Database.DSN) != "" {
		database["dsn"] = cfg.Database.DSN
	}
	if includeZero || cfg.Database.Debug {
		database["debug"] = cfg.Database.Debug
	}
	if includeZero || cfg.Database.AutoMigrate {
		database["auto_migrate"] = cfg.Database.AutoMigrate
	}
	if includeZero || cfg.Database.CacheTTLSeconds != 0 {
		database["cache_ttl_seconds"] = cfg.Database.CacheTTLSeconds
	}
	if len(database) > 0 {
		layer["database"] = database
	}
	return layer
}
