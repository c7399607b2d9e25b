package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	gocmd "github.com/goliatone/go-command"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	ocean "github.com/port-labs/ocean-sub007"
	"github.com/port-labs/ocean-sub007/adapters/gocommand"
	"github.com/port-labs/ocean-sub007/adapters/prometheus"
	"github.com/port-labs/ocean-sub007/adapters/zaplogger"
	sqlstore "github.com/port-labs/ocean-sub007/store/sql"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve registered webhook paths over HTTP",
		Long: `Start the webhook runtime: one worker per registered path, the HTTP
surface with /health and /metrics, and the go-command runtime commands.

Example:
  ocean serve --config config.yaml --mappings mappings.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	base, err := zaplogger.Build(zaplogger.Options{Level: opts.LogLevel, Development: opts.Development})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = base.Sync() }()

	runtime, closeRuntime, err := buildRuntime(ctx, opts, base)
	if err != nil {
		return err
	}
	defer closeRuntime()

	commands := gocommand.NewRegistryAdapter(gocmd.NewRegistry())
	defer commands.Close()
	if err := gocommand.RegisterRuntimeCommands(commands, runtime, runtime); err != nil {
		return err
	}
	if err := commands.Initialize(); err != nil {
		return fmt.Errorf("initialize commands: %w", err)
	}

	return runtime.Serve(ctx)
}

// buildRuntime wires config, mappings, logging, metrics and the catalog
// backend into a runtime. The returned func releases the database.
func buildRuntime(ctx context.Context, opts *RootOptions, base *zap.Logger) (*ocean.Runtime, func(), error) {
	cfg, provider, err := loadConfig(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	mappings, _, err := loadMappings(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	recorder := prometheus.NewRecorder(nil)
	runtimeOpts := []ocean.Option{
		ocean.WithConfigProvider(provider),
		ocean.WithLoggerProvider(zaplogger.NewProvider(base)),
		ocean.WithMetricsRecorder(recorder),
		ocean.WithMetricsHandler(recorder.Handler()),
		ocean.WithMappingSource(mappings),
	}

	closeFn := func() {}
	if cfg.Database.Enabled() {
		client, err := sqlstore.Open(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		closeFn = func() { _ = client.Close() }
		factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		catalog, err := sqlstore.NewCatalog(factory, cfg.Database.CacheTTL())
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		runtimeOpts = append(runtimeOpts,
			ocean.WithCatalog(catalog),
			ocean.WithClaimStore(factory.ClaimStore()),
		)
	}

	runtime, err := ocean.New(cfg, runtimeOpts...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	for _, setup := range opts.setup {
		if err := setup(runtime); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("setup runtime: %w", err)
		}
	}
	return runtime, closeFn, nil
}
