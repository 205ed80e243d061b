package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/platform"
)

func newReconcileCommand() *cobra.Command {
	var (
		force       bool
		pessimistic bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the configuration with the sites on disk",
		Long: `Scan every configured site and compare it with the current snapshot.

Boot reconciles automatically when the sites changed since the last run.
Use --force to reconcile even when nothing changed. New features are
configured unless the run is pessimistic, in which case they are left
unconfigured and recorded in a delta (see 'siteconf history --deltas').`,
		Example: `  # Reconcile if the sites changed
  siteconf reconcile

  # Always reconcile and keep new features unconfigured
  siteconf reconcile --force --pessimistic`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(cmd, func(ctx context.Context, p *platform.Platform, boot *platform.BootResult) error {
				res := boot.Result
				if !boot.Reconciled && force {
					optimistic := p.Config().Optimistic && !pessimistic
					rr, err := p.Reconciler().Reconcile(ctx, boot.Sites, optimistic)
					if err != nil {
						return err
					}
					res = rr
				}
				for loc, err := range boot.Unreachable {
					log.Warn().Err(err).Str("site", loc).Msg("Site skipped")
				}
				if res == nil {
					fmt.Fprintln(out(cmd), "Sites unchanged, nothing to reconcile")
					return nil
				}
				return printReconcile(cmd, res)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "reconcile even if the sites are unchanged")
	cmd.Flags().BoolVar(&pessimistic, "pessimistic", false, "leave new features unconfigured")

	return cmd
}

func printReconcile(cmd *cobra.Command, res *engine.ReconcileResult) error {
	names := func(list []engine.SiteFeature) []string {
		out := make([]string, 0, len(list))
		for _, sf := range list {
			out = append(out, sf.Feature.Identifier.String()+" on "+sf.Site.URL())
		}
		return out
	}
	view := struct {
		Snapshot   string   `json:"snapshot"`
		New        []string `json:"new"`
		Duplicates []string `json:"duplicates"`
		Delta      string   `json:"delta,omitempty"`
	}{
		Snapshot:   res.Configuration.Location(),
		New:        names(res.NewFeatures),
		Duplicates: names(res.Duplicates),
	}
	if res.Delta != nil {
		view.Delta = res.Delta.ID
	}
	if jsonOutput {
		return printJSON(out(cmd), view)
	}

	w := out(cmd)
	fmt.Fprintf(w, "Saved snapshot %s\n", view.Snapshot)
	for _, n := range view.New {
		fmt.Fprintf(w, "  new:       %s\n", n)
	}
	for _, d := range view.Duplicates {
		fmt.Fprintf(w, "  duplicate: %s (unconfigured)\n", d)
	}
	if view.Delta != "" {
		fmt.Fprintf(w, "New features left unconfigured, delta %s\n", view.Delta)
	}
	return nil
}
