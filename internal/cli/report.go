package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/buildbot/internal/buildstore"
	"github.com/lucasnoah/buildbot/internal/metadata"
)

var reportFlags struct {
	path string
}

var reportCmd = &cobra.Command{
	Use:   "report [build-id]",
	Short: "Print the report of a persisted build",
	Long: `Report prints the status and failed stages of a persisted build. With a
build id it reads from the build store; with --path it reads any
metadata.json directly. Without arguments it shows the most recent build.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := reportFlags.path
		if path == "" {
			store, err := buildstore.DefaultStore()
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			} else {
				builds, err := store.List("")
				if err != nil {
					return err
				}
				if len(builds) == 0 {
					return fmt.Errorf("no builds recorded")
				}
				id = builds[0].ID
			}
			path = store.MetadataPath(id)
		}

		bd, err := metadata.ReadBuildData(path, true)
		if err != nil {
			return err
		}

		fmt.Printf("status: %s\n", bd.Status())
		if runtime, err := bd.Runtime(); err == nil {
			fmt.Printf("runtime: %s\n", runtime)
		}
		if failed := bd.FailedStages(); len(failed) > 0 {
			fmt.Println("failed stages:")
			for _, name := range failed {
				fmt.Printf("  - %s\n", name)
			}
			if msg := bd.FailureMessage(); msg != "" {
				fmt.Printf("failure: %s\n", msg)
			}
		}
		if n := bd.CountChanges(); n > 0 {
			fmt.Printf("changes tested: %d\n", n)
		}
		if actions := bd.CLActions(); len(actions) > 0 {
			fmt.Printf("cl actions: %d\n", len(actions))
		}
		if v := bd.SheetsVersion(); v >= 0 {
			fmt.Printf("gathered at stats version: %d\n", v)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFlags.path, "path", "", "read a metadata.json directly")
}
