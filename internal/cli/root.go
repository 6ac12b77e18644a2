package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "live-lambda",
	Short: "Redirect cloud function invocations to your local machine",
	Long: `live-lambda tunnels serverless function invocations down to handler
code running on your workstation:

  - A lightweight shim deployed in the cloud publishes each invocation
    to a signed WebSocket relay
  - This CLI subscribes to the relay, runs the matching local handler,
    and publishes the result back
  - Handlers are plain files (.js, .mjs, .ts, .py, .go) that reload on
    every invocation, so edits take effect immediately

Start serving local handlers:
  live-lambda tunnel

Inspect past invocations:
  live-lambda history`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./live-lambda.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// setupLogging configures zerolog based on verbosity and environment.
func setupLogging() {
	// Pretty console output for development
	output := zerolog.ConsoleWriter{Out: os.Stderr}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// configureLogging reapplies log settings once the config file has been read.
func configureLogging(level, format string, caller, timestamp bool) {
	if verbose {
		level = "debug"
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out zerolog.Logger
	if format == "json" {
		out = zerolog.New(os.Stderr)
	} else {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx := out.With()
	if timestamp {
		ctx = ctx.Timestamp()
	}
	if caller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// Version returns the version string.
func Version() string {
	return fmt.Sprintf("live-lambda version %s", "0.1.0-dev")
}
