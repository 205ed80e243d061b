package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/model"
	"github.com/openfroyo/siteconf/pkg/platform"
)

func newConfigureCommand() *cobra.Command {
	var (
		site     string
		optional []string
	)

	cmd := &cobra.Command{
		Use:   "configure <feature>",
		Short: "Enable an installed feature",
		Long: `Mark a feature configured in a new snapshot. Its required included
features are configured with it; optional ones only when named with
--optional and already installed.`,
		Example: `  siteconf configure org.example.tools_1.2.0
  siteconf configure org.example.tools_1.2.0 --optional org.example.extra_1.0.0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseFeatureID(args[0])
			if err != nil {
				return err
			}
			var opts []model.VersionedIdentifier
			for _, o := range optional {
				oid, err := parseFeatureID(o)
				if err != nil {
					return err
				}
				opts = append(opts, oid)
			}
			return withPlatform(cmd, func(ctx context.Context, p *platform.Platform, _ *platform.BootResult) error {
				if err := p.Configure(ctx, id, site, opts); err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "Configured %s\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&site, "site", "s", "", "configured site holding the feature")
	cmd.Flags().StringSliceVar(&optional, "optional", nil, "optional included features to configure")

	return cmd
}

func newUnconfigureCommand() *cobra.Command {
	var site string

	cmd := &cobra.Command{
		Use:   "unconfigure <feature>",
		Short: "Disable a feature without removing it",
		Long: `Mark a feature unconfigured in a new snapshot. Included features with
no other configured parent and patches of the feature are unconfigured
too.`,
		Example: `  siteconf unconfigure org.example.tools_1.2.0`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseFeatureID(args[0])
			if err != nil {
				return err
			}
			return withPlatform(cmd, func(ctx context.Context, p *platform.Platform, _ *platform.BootResult) error {
				if err := p.Unconfigure(ctx, id, site); err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "Unconfigured %s\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&site, "site", "s", "", "configured site holding the feature")

	return cmd
}
