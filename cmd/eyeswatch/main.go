// Command eyeswatch watches directories for screenshots and submits them to
// a visual comparison service, one comparison session per directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/eyeswatch/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "eyeswatch [flags] TARGET...",
	Short: "Submit screenshots to visual comparison as they are written",
	Long: `Watch one or more directories for image files and submit them to the
comparison service as they appear.

Each watched directory becomes one comparison session. A session ends when a
file named by --done appears, when no file has arrived for --timeout seconds,
or on interrupt. Files move through three holding directories next to the
watched tree: --in-progress while being compared, then --passed or --failed
once the session's verdict is known.

Targets may contain glob metacharacters (* ? [). Every directory matching the
pattern, now or later, gets its own session; such targets are watched until
interrupted.

A target named like a subcommand (config, history) is taken as that
subcommand; write it as a path instead, e.g. ./config.

With --index, files are submitted in order of the first number in their
name, starting at the given value. Files ahead of a gap wait for it to fill.

Examples:
  eyeswatch --api-key KEY ./screenshots
  eyeswatch --api-key KEY --index 1 --done finished './runs/*/shots'
  eyeswatch --api-key KEY --tests 2 --dashboard 8080 --history runs.db ./shots

Interrupt once to finish every session with what has been submitted so far;
interrupt again to abandon pending comparisons.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWatch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: eyeswatch.yaml in . or ~/.config/eyeswatch)")
	config.RegisterFlags(rootCmd.PersistentFlags())
}

// loadViper merges flags, environment and config file for cmd.
func loadViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := config.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}
	if err := config.ReadFile(v, configFile); err != nil {
		return nil, err
	}
	return v, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
