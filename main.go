// Package main provides the captrail CLI entry point.
// captrail captures live meeting captions streamed by a browser shim,
// reconstructs attributed transcripts, and forwards finished meetings to a
// configured webhook.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/captrail/captrail/cmd"
	"github.com/captrail/captrail/pkg/buildinfo"
	"github.com/captrail/captrail/pkg/logging"
)

// Global flags.
var (
	debug      bool
	jsonOutput bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "captrail",
	Short: "Meeting caption capture daemon and tools",
	Long: `captrail captures live captions and chat from browser-based meetings.

A browser shim streams DOM changes from the meeting page to the captrail
daemon over a local WebSocket. The daemon reconstructs who said what and
when, stores finished meetings locally, and posts them to your webhook.

COMMON WORKFLOWS:
  Run the daemon:    captrail capture
  Inspect meetings:  captrail meetings list  |  captrail meetings show <id>
  Export one:        captrail meetings export <id> --output json
  Signing key:       captrail secret set  |  captrail secret reset
  Diagnose:          captrail doctor  |  captrail doctor replay <recording>`,
	Version: buildinfo.String(),
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json-logs", false, "log in JSON instead of console format")

	deps := cmd.DefaultDeps(func() logging.Logger {
		logCfg := logging.DefaultConfig()
		logCfg.JSONFormat = jsonOutput
		if debug {
			logCfg.Level = logging.LevelDebug
		}
		return logging.NewLogger(logCfg)
	})

	rootCmd.AddCommand(
		cmd.NewCaptureCommand(deps),
		cmd.NewMeetingsCommand(deps),
		cmd.NewRecoverCommand(deps),
		cmd.NewSecretCommand(deps),
		cmd.NewDoctorCommand(deps),
		cmd.NewVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
