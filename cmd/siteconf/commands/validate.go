package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/config"
	"github.com/openfroyo/siteconf/pkg/platform"
)

func newValidateCommand() *cobra.Command {
	var configOnly bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and configured features",
		Long: `Validate the CUE configuration against the schema, then check the
configured features of the current snapshot.

Configured features that no top-level feature reaches through its
includes, and that patch nothing reachable, are unconfigured in a new
snapshot.`,
		Example: `  # Check the config file only
  siteconf validate --config-only -c ./siteconf.cue

  # Check config and configured features
  siteconf validate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configOnly {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "Configuration valid: %d sites, %d handlers\n", len(cfg.Sites), len(cfg.Handlers))
				return nil
			}
			return withPlatform(cmd, func(ctx context.Context, p *platform.Platform, _ *platform.BootResult) error {
				extras, err := p.Validate(ctx)
				if err != nil {
					return err
				}
				if len(extras) == 0 {
					fmt.Fprintln(out(cmd), "Configured features are consistent")
					return nil
				}
				for _, sf := range extras {
					fmt.Fprintf(out(cmd), "Unconfigured unreachable %s on %s\n", sf.Feature.Identifier, sf.Site.URL())
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&configOnly, "config-only", false, "only validate the "+config.DefaultFile+" file")

	return cmd
}
