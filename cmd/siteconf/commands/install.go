package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/engine"
	"github.com/openfroyo/siteconf/pkg/model"
	"github.com/openfroyo/siteconf/pkg/platform"
)

// parseFeatureID accepts id_version or id@version.
func parseFeatureID(s string) (model.VersionedIdentifier, error) {
	if strings.Contains(s, "@") {
		return model.ParseIdentifierAt(s)
	}
	return model.ParseIdentifier(s)
}

// logMonitor reports install progress on the debug log.
type logMonitor struct {
	task string
}

func (m *logMonitor) Begin(task string, total int) {
	m.task = task
	log.Debug().Str("task", task).Int("units", total).Msg("Started")
}

func (m *logMonitor) Worked(units int) {
	log.Debug().Str("task", m.task).Int("units", units).Msg("Progress")
}

func (m *logMonitor) SubTask(name string) {
	log.Debug().Str("task", m.task).Str("unit", name).Msg("Transferring")
}

func (m *logMonitor) Done() {
	log.Debug().Str("task", m.task).Msg("Finished")
}

var _ engine.Monitor = (*logMonitor)(nil)

func newInstallCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "install <source-site> <feature>",
		Short: "Install a feature from another site",
		Long: `Copy a feature and its plugins from a source site onto a configured
site, then configure it. Included features found on the source site are
installed too.

Every archive is checked by the admission policies before it is written.
Nothing becomes visible on the target until the whole feature committed.`,
		Example: `  # Install from a local repository onto the only mutable site
  siteconf install ./repo org.example.tools_1.2.0

  # Install from a remote site onto a named target
  siteconf install https://updates.example.com/site org.example.tools@1.2.0 --target /opt/app`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseFeatureID(args[1])
			if err != nil {
				return err
			}
			return withPlatform(cmd, func(ctx context.Context, p *platform.Platform, _ *platform.BootResult) error {
				installed, err := p.Install(ctx, args[0], id, target, &logMonitor{})
				if err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "Installed %s on %s\n", installed.Identifier, installed.Site().URL)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "configured site to install onto")

	return cmd
}
