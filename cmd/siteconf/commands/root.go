package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/siteconf/pkg/config"
	"github.com/openfroyo/siteconf/pkg/platform"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	platform.Version = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "siteconf",
		Short: "siteconf - site configuration and reconciliation",
		Long: `siteconf tracks which versioned features are configured on a set of
content sites and reconciles that record against what is on disk.

Every change is saved as a snapshot in a bounded history, so any earlier
state can be inspected, preserved or reverted to.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./"+config.DefaultFile+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newRemoveCommand())
	rootCmd.AddCommand(newConfigureCommand())
	rootCmd.AddCommand(newUnconfigureCommand())
	rootCmd.AddCommand(newRevertCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPreserveCommand())
	rootCmd.AddCommand(newUnpreserveCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newSitesCommand())

	return rootCmd
}

// loadConfig reads --config, then ./siteconf.cue, then falls back to the
// defaults. Global flags override the file's logging settings.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultFile); err == nil {
			path = config.DefaultFile
		}
	}

	var cfg *config.Config
	if path == "" {
		log.Debug().Msg("No config file, using defaults")
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if jsonOutput {
		cfg.Telemetry.Logging.Format = "json"
	}
	return cfg, nil
}

// withPlatform opens and boots the platform, runs fn and closes it again.
func withPlatform(cmd *cobra.Command, fn func(ctx context.Context, p *platform.Platform, boot *platform.BootResult) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	p, err := platform.Open(ctx, cfg)
	if err != nil {
		return err
	}
	ctx = p.Telemetry().WithContext(ctx)
	ctx, span := p.Telemetry().Tracer.StartCommandSpan(ctx, cmd.Name())

	boot, err := p.Boot(ctx)
	if err == nil {
		err = fn(ctx, p, boot)
	}
	span.End()

	if cerr := p.Close(context.Background()); cerr != nil {
		log.Warn().Err(cerr).Msg("Shutdown incomplete")
	}
	return err
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
