package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/platform"
)

func newRemoveCommand() *cobra.Command {
	var site string

	cmd := &cobra.Command{
		Use:   "remove <feature>",
		Short: "Remove an installed feature",
		Long: `Unconfigure a feature and delete its files together with every plugin
no other feature still uses. When one of those plugins is running the
files are kept until the next restart.`,
		Example: `  siteconf remove org.example.tools_1.2.0 --site /opt/app`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseFeatureID(args[0])
			if err != nil {
				return err
			}
			return withPlatform(cmd, func(ctx context.Context, p *platform.Platform, _ *platform.BootResult) error {
				res, err := p.Remove(ctx, id, site, &logMonitor{})
				if err != nil {
					return err
				}
				if jsonOutput {
					deleted := make([]string, 0, len(res.Deleted))
					for _, pe := range res.Deleted {
						deleted = append(deleted, pe.Identifier.String())
					}
					return printJSON(out(cmd), map[string]interface{}{
						"feature":          id.String(),
						"restart_required": res.RestartRequired,
						"deleted":          deleted,
					})
				}
				fmt.Fprintf(out(cmd), "Removed %s (%d plugins deleted)\n", id, len(res.Deleted))
				if res.RestartRequired {
					fmt.Fprintln(out(cmd), "Some plugins are running; restart to delete their files")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&site, "site", "s", "", "configured site holding the feature")

	return cmd
}
