package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the runtime config and resource mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			_, count, err := loadMappings(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			backend := "memory"
			if cfg.Database.Enabled() {
				backend = cfg.Database.Driver
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: service=%s address=%s catalog=%s mappings=%d\n",
				cfg.ServiceName, cfg.Server.Address, backend, count)
			return nil
		},
	}
}
