// Package cli implements the conductor command line interface.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Pipeline execution and resource coordination engine",
	Long: `Conductor runs declarative multi-stage pipelines across a fleet of
worker services:

  - YAML pipeline templates with ordered, parallelizable stages
  - Priority admission queue gated by a resource ledger
  - Per-period quota accounting and cost tracking
  - Structured handshake dispatch with retries and checkpoints

Start the server:
  conductor serve`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./conductor.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// setupLogging configures zerolog before any subcommand runs. The serve
// command refines the level and format from loaded config.
func setupLogging() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// configureLogging applies the loaded logging config.
func configureLogging(level, format string) {
	if lvl, err := zerolog.ParseLevel(level); err == nil && !verbose {
		zerolog.SetGlobalLevel(lvl)
	}

	if format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
