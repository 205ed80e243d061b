package commands

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/platform"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [feature]",
		Short: "Show feature health",
		Long: `Evaluate features of the current snapshot against the active plugins.

A feature is happy when every plugin it needs is active at the right
version, ambiguous when a compatible but different version is active, and
unhappy when something is missing or broken. The command exits non-zero
when any feature is unhappy.`,
		Example: `  # Status of every feature
  siteconf status

  # Status of one feature id, any version
  siteconf status org.example.tools`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ""
			if len(args) > 0 {
				filter = args[0]
			}
			return withPlatform(cmd, func(ctx context.Context, p *platform.Platform, _ *platform.BootResult) error {
				statuses := p.Status(ctx, filter)
				if filter != "" && len(statuses) == 0 {
					return fmt.Errorf("no feature matches %s", filter)
				}

				views := make([]statusView, 0, len(statuses))
				var result *multierror.Error
				for _, st := range statuses {
					v := newStatusView(st)
					views = append(views, v)
					if st.Code == engine.StatusUnhappy {
						result = statusErrors(result, v)
					}
				}

				if jsonOutput {
					if err := printJSON(out(cmd), views); err != nil {
						return err
					}
				} else {
					for _, v := range views {
						printStatus(out(cmd), v, 0)
					}
				}
				if err := result.ErrorOrNil(); err != nil {
					return fmt.Errorf("unhappy features: %w", err)
				}
				return nil
			})
		},
	}
	return cmd
}
