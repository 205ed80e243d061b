package commands

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/platform"
)

func newHistoryCommand() *cobra.Command {
	var (
		deltas     bool
		accept     string
		activities bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List configuration snapshots",
		Long: `List the snapshots of the history, oldest first. The current snapshot
is marked with '*', preserved ones with 'P'.

With --deltas the pending reconciliation deltas are listed instead; a
delta is accepted with --accept, which configures its features in a new
snapshot.`,
		Example: `  siteconf history
  siteconf history --activities
  siteconf history --deltas
  siteconf history --accept 5f0c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(cmd, func(ctx context.Context, p *platform.Platform, _ *platform.BootResult) error {
				switch {
				case accept != "":
					cfg, err := p.Local().AcceptDelta(ctx, accept)
					if err != nil {
						return err
					}
					fmt.Fprintf(out(cmd), "Accepted delta %s into snapshot %s\n", accept, cfg.Location())
					return nil
				case deltas:
					return printDeltas(ctx, cmd, p)
				default:
					return printHistory(cmd, p, activities)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&deltas, "deltas", false, "list pending reconciliation deltas")
	cmd.Flags().StringVar(&accept, "accept", "", "accept the delta with this id")
	cmd.Flags().BoolVar(&activities, "activities", false, "show the activity log of each snapshot")

	return cmd
}

func printHistory(cmd *cobra.Command, p *platform.Platform, activities bool) error {
	history := p.Local().History()
	views := make([]snapshotView, 0, len(history))
	for _, c := range history {
		v := snapshotView{
			Location:  c.Location(),
			Label:     c.Label(),
			Created:   c.CreatedAt(),
			Current:   c.IsCurrent(),
			Preserved: p.Local().IsPreserved(c.Location()),
		}
		if activities {
			for _, a := range c.Activities() {
				v.Activities = append(v.Activities, activityView{
					Date:    a.Date,
					Action:  string(a.Action),
					Label:   a.Label,
					Outcome: string(a.Outcome),
				})
			}
		}
		views = append(views, v)
	}
	if jsonOutput {
		return printJSON(out(cmd), views)
	}

	t := newTable(cmd)
	t.AppendHeader(table.Row{"", "Location", "Created", "Label"})
	for _, v := range views {
		mark := ""
		if v.Current {
			mark += "*"
		}
		if v.Preserved {
			mark += "P"
		}
		t.AppendRow(table.Row{mark, v.Location, v.Created.Format("2006-01-02 15:04:05"), v.Label})
		for _, a := range v.Activities {
			t.AppendRow(table.Row{"", "  " + a.Action, a.Date.Format("15:04:05"), a.Label + " " + a.Outcome})
		}
	}
	t.Render()
	return nil
}

func printDeltas(ctx context.Context, cmd *cobra.Command, p *platform.Platform) error {
	list, err := p.Local().Deltas(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(out(cmd), list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out(cmd), "No pending deltas")
		return nil
	}
	t := newTable(cmd)
	t.AppendHeader(table.Row{"Delta", "Created", "Site", "Feature"})
	for _, d := range list {
		for _, site := range d.Sites {
			for _, f := range site.Features {
				t.AppendRow(table.Row{d.ID, d.CreatedAt.Format("2006-01-02 15:04:05"), site.URL, f})
			}
		}
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, AutoMerge: true},
		{Number: 2, AutoMerge: true},
	})
	t.Render()
	return nil
}

func newRevertCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revert <snapshot>",
		Short: "Restore an earlier snapshot",
		Long: `Push a new current snapshot that restores the configured features of an
earlier one. Features that no longer exist on their site are dropped. No
install handlers run; files are not copied or deleted.`,
		Example: `  siteconf revert 20260102T150405-0d9f...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(cmd, func(ctx context.Context, p *platform.Platform, _ *platform.BootResult) error {
				next, err := p.Revert(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "Reverted to %s as %s\n", args[0], next.Location())
				return nil
			})
		},
	}
	return cmd
}

func newPreserveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preserve <snapshot>",
		Short: "Pin a snapshot so it is never evicted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(cmd, func(ctx context.Context, p *platform.Platform, _ *platform.BootResult) error {
				if err := p.Local().Preserve(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "Preserved %s\n", args[0])
				return nil
			})
		},
	}
}

func newUnpreserveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unpreserve <snapshot>",
		Short: "Unpin a preserved snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(cmd, func(ctx context.Context, p *platform.Platform, _ *platform.BootResult) error {
				if err := p.Local().Unpreserve(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "Unpreserved %s\n", args[0])
				return nil
			})
		},
	}
}
