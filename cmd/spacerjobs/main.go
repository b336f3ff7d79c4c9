package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/spacerjobs/cmd/spacerjobs/commands"
	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/sym"
)

var rootCmd = &cobra.Command{
	Use:   "spacerjobs",
	Short: sym.Pulse + " spacerjobs - async job engine for vision backend work",
	Long: sym.Pulse + ` spacerjobs - async job engine for vision backend work.

Jobs are persisted records identified by name and arguments. A scheduler
sweep starts due jobs, periodic jobs renew themselves, and feature
extraction, training and classification run on the spacer backend
through a local or redis-backed queue.

Available commands:
  serve          - Run workers, the scheduler ticker and the ops server
  run-scheduled  - Run due jobs once in this process
  jobs ls        - List jobs
  abort          - Abort pending or in-progress jobs
  expedite       - Run pending jobs at the next sweep
  stats          - Background job throughput and turnaround
  am             - Show and check configuration

Examples:
  spacerjobs serve
  spacerjobs jobs ls --status failure
  spacerjobs abort 12 13
  spacerjobs stats --span-days 2`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")

		lvl := zapcore.InfoLevel
		jsonOutput := false
		// A broken config is reported by the command itself
		if cfg, err := commands.LoadConfig(cmd); err == nil {
			jsonOutput = cfg.Log.JSON
			if parsed, err := zapcore.ParseLevel(cfg.Log.Level); err == nil {
				lvl = parsed
			}
		}
		if verbosity > 0 {
			lvl = logger.VerbosityToLevel(verbosity)
		}
		if err := logger.InitializeWithLevel(jsonOutput, lvl); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().String("config", "", "Read configuration from this file only")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.RunScheduledCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.AbortCmd)
	rootCmd.AddCommand(commands.ExpediteCmd)
	rootCmd.AddCommand(commands.StatsCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", sym.Alert, err)
		os.Exit(1)
	}
}
