package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/buildbot/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the event database",
}

var dbMigrateCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Apply the database schema",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Migrate(); err != nil {
			return err
		}
		fmt.Println("schema up to date")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:          "reset",
	Short:        "Drop all tables and re-apply the schema",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Println("database reset")
		return nil
	},
}

func openDB() (*db.DB, error) {
	path, err := db.DefaultDBPath()
	if err != nil {
		return nil, err
	}
	return db.Open(path)
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
