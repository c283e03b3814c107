package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "buildbot",
	Short: "buildbot is a stage-driven build bot",
	Long: `buildbot runs an ordered sequence of build stages against a buildroot,
some fanned out in parallel across boards, and records every stage outcome
in an append-only ledger. Each run produces a metadata.json report; a
checkpoint at the buildroot makes interrupted runs resumable.

Durable state lives in ~/.buildbot/ (SQLite for events, JSON per build).`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(gatherCmd)
	rootCmd.AddCommand(dbCmd)
}
