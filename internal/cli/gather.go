package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/buildbot/internal/metadata"
)

var gatherFlags struct {
	version        int
	includeRunning bool
}

var gatherCmd = &cobra.Command{
	Use:   "gather <metadata.json>...",
	Short: "Mark builds as gathered at a stats version",
	Long: `Gather reads the given metadata.json files and writes a .gathered marker
next to each, recording the stats version so downstream batch consumers
can skip builds they have already processed. Builds already marked at the
given version are left alone; still-running builds are skipped unless
--include-running is set.`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		builds, err := metadata.ReadMetadataFiles(args, true, !gatherFlags.includeRunning)
		if err != nil {
			return err
		}
		if err := metadata.MarkBuildsGathered(builds, gatherFlags.version); err != nil {
			return err
		}
		fmt.Printf("marked %d builds gathered at version %d\n", len(builds), gatherFlags.version)
		return nil
	},
}

func init() {
	gatherCmd.Flags().IntVar(&gatherFlags.version, "version", 0, "stats version to record")
	gatherCmd.Flags().BoolVar(&gatherFlags.includeRunning, "include-running", false, "also mark still-running builds")
}
