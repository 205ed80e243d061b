package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/platform"
)

func newSitesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "List configured sites",
		Long: `List the sites of the current snapshot with their policy mode, whether
they can be written and the features they configure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(cmd, func(ctx context.Context, p *platform.Platform, boot *platform.BootResult) error {
				sites := p.Sites()
				views := make([]siteView, 0, len(sites))
				for _, cs := range sites {
					views = append(views, newSiteView(cs))
				}
				if jsonOutput {
					return printJSON(out(cmd), views)
				}

				w := out(cmd)
				for _, v := range views {
					flags := []string{v.Mode}
					if v.Mutable {
						flags = append(flags, "mutable")
					}
					if v.Staging {
						flags = append(flags, "staging")
					}
					if !v.Enabled {
						flags = append(flags, "disabled")
					}
					fmt.Fprintf(w, "%s (%s)\n", v.URL, strings.Join(flags, ", "))
					for _, f := range v.Configured {
						fmt.Fprintf(w, "  + %s\n", f)
					}
					for _, f := range v.Unconfigured {
						fmt.Fprintf(w, "  - %s\n", f)
					}
				}
				for loc, err := range boot.Unreachable {
					fmt.Fprintf(w, "%s (unreachable: %v)\n", loc, err)
				}
				return nil
			})
		},
	}
	return cmd
}
