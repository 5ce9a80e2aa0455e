// Package cmd wires the CLI: the webhook server, the queue worker, and
// the operational helpers.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "sdlc-agent",
	Short: "Event-driven coding agents for the software development loop",
	Long: `sdlc-agent turns repository events into automated development work:
issues become pull requests, CI completions trigger reviews, and failed
reviews trigger fix cycles — all driven by LLM agents working in real
git checkouts.

Get started:
  sdlc-agent server     Start the webhook server and job console
  sdlc-agent worker     Run the queue worker that executes jobs
  sdlc-agent simulate   Inject a signed webhook event into a server
  sdlc-agent doctor     Verify configuration, storage, and tools`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: environment only)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		serverCmd,
		workerCmd,
		simulateCmd,
		doctorCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		slog.Debug("Verbose logging enabled")
	}
}
