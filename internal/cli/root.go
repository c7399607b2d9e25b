package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	ocean "github.com/port-labs/ocean-sub007"
)

// SetupFunc registers handlers and sources on a runtime before it starts.
type SetupFunc func(runtime *ocean.Runtime) error

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath   string
	MappingsPath string
	LogLevel     string
	Development  bool

	setup []SetupFunc
}

type Option func(*RootOptions)

// WithSetup lets a binary embedding the CLI register its integration.
func WithSetup(setup SetupFunc) Option {
	return func(o *RootOptions) {
		if setup != nil {
			o.setup = append(o.setup, setup)
		}
	}
}

var validLogLevels = []string{"debug", "info", "warn", "error"}

func NewRootCommand(options ...Option) *cobra.Command {
	opts := &RootOptions{}
	for _, option := range options {
		if option != nil {
			option(opts)
		}
	}

	cmd := &cobra.Command{
		Use:   "ocean",
		Short: "Ocean integration runtime",
		Long:  "Ingests third-party webhooks, runs their handlers and reconciles the results into the entity catalog.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidLogLevel(opts.LogLevel) {
				return fmt.Errorf("invalid log level %q: must be one of %v", opts.LogLevel, validLogLevels)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML runtime config")
	cmd.PersistentFlags().StringVarP(&opts.MappingsPath, "mappings", "m", "", "path to the YAML resource mappings")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&opts.Development, "dev", false, "human readable development logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

func isValidLogLevel(level string) bool {
	level = strings.ToLower(strings.TrimSpace(level))
	for _, valid := range validLogLevels {
		if valid == level {
			return true
		}
	}
	return false
}
